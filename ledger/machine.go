package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// StepState is the lifecycle position of a single step record.
type StepState string

const (
	StepPending           StepState = "pending"
	StepAssigned          StepState = "assigned"
	StepAwaitingValidator StepState = "awaiting_validator"
	StepCompleted         StepState = "completed"
	StepFailed            StepState = "failed"
)

// LotStatus is the lifecycle position of a lot.
type LotStatus string

const (
	LotActive    LotStatus = "active"
	LotCompleted LotStatus = "completed"
	LotFailed    LotStatus = "failed"
)

// ParseLotStatus accepts the status names used by the search surface.
func ParseLotStatus(s string) (LotStatus, error) {
	switch LotStatus(s) {
	case LotActive, LotCompleted, LotFailed:
		return LotStatus(s), nil
	}
	return "", fmt.Errorf("%w: unknown lot status %q", ErrInvalidInput, s)
}

const (
	eventAssign   = "assign"
	eventComplete = "complete"
	eventValidate = "validate"
	eventObserve  = "observe"
	eventFail     = "fail"

	eventAct    = "act"
	eventPlan   = "plan"
	eventFinish = "finish"
)

// stepTransitions is the per-step machine. Supervisor-gated steps move
// through assigned; sensor-gated steps wait for a validator instead and only
// leave that state on a completing verdict or a failure.
var stepTransitions = fsm.Events{
	{Name: eventAssign, Src: []string{string(StepPending), string(StepAssigned)}, Dst: string(StepAssigned)},
	{Name: eventComplete, Src: []string{string(StepAssigned)}, Dst: string(StepCompleted)},
	{Name: eventValidate, Src: []string{string(StepAwaitingValidator)}, Dst: string(StepCompleted)},
	{Name: eventObserve, Src: []string{string(StepAwaitingValidator)}, Dst: string(StepAwaitingValidator)},
	{Name: eventFail, Src: []string{string(StepAssigned), string(StepAwaitingValidator)}, Dst: string(StepFailed)},
}

// lotTransitions is the per-lot machine. act guards work on the current
// step, plan guards supervisor assignment, which a completed lot still
// answers for each of its steps.
var lotTransitions = fsm.Events{
	{Name: eventAct, Src: []string{string(LotActive)}, Dst: string(LotActive)},
	{Name: eventPlan, Src: []string{string(LotActive)}, Dst: string(LotActive)},
	{Name: eventPlan, Src: []string{string(LotCompleted)}, Dst: string(LotCompleted)},
	{Name: eventFinish, Src: []string{string(LotActive)}, Dst: string(LotCompleted)},
	{Name: eventFail, Src: []string{string(LotActive)}, Dst: string(LotFailed)},
}

// stepRejections names the error reported when an event is refused in a
// step state.
var stepRejections = map[string]map[StepState]error{
	eventAssign: {
		StepAwaitingValidator: ErrInvalidOperation,
		StepCompleted:         ErrStepAlreadyStarted,
		StepFailed:            ErrStepAlreadyStarted,
	},
	eventComplete: {
		StepPending:           ErrNotAssignedSupervisor,
		StepAwaitingValidator: ErrInvalidOperation,
	},
	eventValidate: {
		StepPending:  ErrInvalidOperation,
		StepAssigned: ErrInvalidOperation,
	},
	eventObserve: {
		StepPending:  ErrInvalidOperation,
		StepAssigned: ErrInvalidOperation,
	},
	eventFail: {
		StepPending: ErrNotAssignedSupervisor,
	},
}

var lotRejections = map[string]map[LotStatus]error{
	eventAct: {
		LotFailed:    ErrProcessFailed,
		LotCompleted: ErrStepOutOfOrder,
	},
	eventPlan: {
		LotFailed: ErrProcessFailed,
	},
}

func newStepMachine() *fsm.FSM {
	return fsm.NewFSM(string(StepPending), stepTransitions, fsm.Callbacks{})
}

func newLotMachine() *fsm.FSM {
	return fsm.NewFSM(string(LotActive), lotTransitions, fsm.Callbacks{})
}

// fire positions machine at current and fires event. It returns the
// destination, which is current itself for a self transition. A refused
// event is reported as an fsm.InvalidEventError.
func fire(ctx context.Context, machine *fsm.FSM, current, event string) (string, error) {
	machine.SetState(current)
	err := machine.Event(ctx, event)
	if err == nil {
		return machine.Current(), nil
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return current, nil
	}
	return current, err
}

// rejection maps an error from fire to the ledger taxonomy.
func rejection[S ~string](err error, table map[string]map[S]error, event string, state S) error {
	var invalid fsm.InvalidEventError
	if !errors.As(err, &invalid) {
		return err
	}
	if kind, ok := table[event][state]; ok {
		return kind
	}
	return ErrInvalidOperation
}
