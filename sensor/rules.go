// Package sensor turns raw sensor data into validator verdicts for
// sensor-gated steps: temperature rules evaluated over a reading series,
// a reading simulator and a route plausibility check for transport steps.
package sensor

import (
	"errors"
	"fmt"
	"sync"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

var ErrNoReadings = errors.New("no sensor readings")

// Rule is a compiled boolean expression over a reading series. The series is
// bound to the variable readings.
type Rule struct {
	expression string
	program    *exprvm.Program
}

var programs sync.Map

// CompileRule compiles expression, reusing a previously compiled program.
func CompileRule(expression string) (*Rule, error) {
	if expression == "" {
		return nil, fmt.Errorf("rule expression must not be empty")
	}
	if cached, ok := programs.Load(expression); ok {
		return &Rule{expression: expression, program: cached.(*exprvm.Program)}, nil
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{"readings": []float64{}}),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compiling rule %q: %w", expression, err)
	}
	programs.Store(expression, program)
	return &Rule{expression: expression, program: program}, nil
}

func (r *Rule) String() string { return r.expression }

// Check evaluates the rule over readings.
func (r *Rule) Check(readings []float64) (bool, error) {
	if len(readings) == 0 {
		return false, ErrNoReadings
	}
	out, err := exprlang.Run(r.program, map[string]any{"readings": readings})
	if err != nil {
		return false, fmt.Errorf("evaluating rule %q: %w", r.expression, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("rule %q returned %T, want bool", r.expression, out)
	}
	return ok, nil
}

// Evaluate compiles expression and checks readings against it.
func Evaluate(expression string, readings []float64) (bool, error) {
	rule, err := CompileRule(expression)
	if err != nil {
		return false, err
	}
	return rule.Check(readings)
}
