package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
)

// StepRecord is the mutable per-lot record of one template step. Once
// Completed or Failed is set the record never changes again.
type StepRecord struct {
	DefinitionIndex int        `json:"definition_index"`
	Supervisor      *Address   `json:"supervisor,omitempty"`
	Completed       bool       `json:"completed"`
	Failed          bool       `json:"failed"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Location        string     `json:"location"`
	// Latest validator verdicts of a sensor-gated step.
	TemperatureOK bool `json:"temperature_ok,omitempty"`
	LocationOK    bool `json:"location_ok,omitempty"`
}

func (s StepRecord) state(def StepDefinition) StepState {
	switch {
	case s.Failed:
		return StepFailed
	case s.Completed:
		return StepCompleted
	case def.SensorGated:
		return StepAwaitingValidator
	case s.Supervisor != nil:
		return StepAssigned
	default:
		return StepPending
	}
}

func (s StepRecord) terminal() bool {
	return s.Completed || s.Failed
}

// lotState is an immutable snapshot of a lot; mutations work on a clone and
// publish it only when every check passed.
type lotState struct {
	steps       []StepRecord
	cursor      int
	status      LotStatus
	failedIndex int
}

func (s *lotState) clone() *lotState {
	next := *s
	next.steps = append([]StepRecord(nil), s.steps...)
	return &next
}

// Lot is one production batch moving through its template.
type Lot struct {
	number   uint64
	template *Template

	mu        sync.Mutex
	state     atomic.Pointer[lotState]
	machine   *fsm.FSM
	lifecycle *fsm.FSM
}

func emptyLot(number uint64, template *Template) *Lot {
	return &Lot{
		number:    number,
		template:  template,
		machine:   newStepMachine(),
		lifecycle: newLotMachine(),
	}
}

func newLot(number uint64, template *Template) *Lot {
	steps := make([]StepRecord, template.Len())
	for i := range steps {
		steps[i].DefinitionIndex = i
	}
	l := emptyLot(number, template)
	l.state.Store(&lotState{steps: steps, status: LotActive, failedIndex: -1})
	return l
}

func (l *Lot) LotNumber() uint64 { return l.number }

func (l *Lot) Variant() Variant { return l.template.variant }

func (l *Lot) Template() *Template { return l.template }

func (l *Lot) StepsLength() int { return l.template.Len() }

func (l *Lot) CurrentStepIndex() int { return l.state.Load().cursor }

func (l *Lot) IsProcessCompleted() bool { return l.state.Load().status == LotCompleted }

func (l *Lot) IsFailed() bool { return l.state.Load().status == LotFailed }

func (l *Lot) Status() LotStatus { return l.state.Load().status }

// mutate serializes writers on this lot and applies fn to a private copy of
// the state. The copy is published only if fn succeeds. The machines are
// only used under mu.
func (l *Lot) mutate(fn func(s *lotState) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	l.state.Store(next)
	return nil
}

// guard fires event on the lot machine and returns the destination status.
func (l *Lot) guard(ctx context.Context, s *lotState, event string) (LotStatus, error) {
	next, err := fire(ctx, l.lifecycle, string(s.status), event)
	if err != nil {
		kind := rejection(err, lotRejections, event, s.status)
		return s.status, fmt.Errorf("%w: lot %d is %s", kind, l.number, s.status)
	}
	return LotStatus(next), nil
}

// fireStep fires event on the machine of the step at index and returns the
// destination state. The record itself is left untouched.
func (l *Lot) fireStep(ctx context.Context, s *lotState, index int, event string) (StepState, error) {
	def := l.template.steps[index]
	state := s.steps[index].state(def)
	next, err := fire(ctx, l.machine, string(state), event)
	if err != nil {
		kind := rejection(err, stepRejections, event, state)
		return state, fmt.Errorf("%w: step %d (%s) is %s", kind, index, def.Name, state)
	}
	return StepState(next), nil
}

// enter records the step at index as having reached state and carries the
// lot along: the last completion finishes it, any failure fails it.
func (l *Lot) enter(ctx context.Context, s *lotState, index int, state StepState, now time.Time) error {
	step := &s.steps[index]
	switch state {
	case StepCompleted:
		status := s.status
		if s.cursor+1 == len(s.steps) {
			var err error
			if status, err = l.guard(ctx, s, eventFinish); err != nil {
				return err
			}
		}
		stamp(step, now)
		end := now
		step.EndTime = &end
		step.Completed = true
		s.cursor++
		s.status = status
	case StepFailed:
		status, err := l.guard(ctx, s, eventFail)
		if err != nil {
			return err
		}
		stamp(step, now)
		end := now
		step.EndTime = &end
		step.Failed = true
		s.status = status
		s.failedIndex = index
	default:
		stamp(step, now)
	}
	return nil
}

// SupervisorAssignment binds a supervisor to a step index.
type SupervisorAssignment struct {
	StepIndex  int     `json:"step_index"`
	Supervisor Address `json:"address"`
}

// AssignSupervisor binds supervisor to the step at index. Only admins may
// call it, only supervisor-gated steps accept it, and only before the step
// has started.
func (l *Lot) AssignSupervisor(ctx context.Context, roles *RoleRegistry, caller Address, index int, supervisor Address) error {
	return l.AssignSupervisors(ctx, roles, caller, []SupervisorAssignment{{StepIndex: index, Supervisor: supervisor}})
}

// AssignSupervisors validates every assignment before applying any of them.
func (l *Lot) AssignSupervisors(ctx context.Context, roles *RoleRegistry, caller Address, assignments []SupervisorAssignment) error {
	if !roles.Has(caller, RoleAdmin) {
		return fmt.Errorf("%w: assigning supervisors requires admin", ErrUnauthorized)
	}
	if len(assignments) == 0 {
		return fmt.Errorf("%w: no assignments", ErrInvalidInput)
	}

	return l.mutate(func(s *lotState) error {
		if _, err := l.guard(ctx, s, eventPlan); err != nil {
			return err
		}
		seen := make(map[int]bool, len(assignments))
		for _, as := range assignments {
			if seen[as.StepIndex] {
				return fmt.Errorf("%w: step %d assigned twice", ErrInvalidInput, as.StepIndex)
			}
			seen[as.StepIndex] = true
			if err := l.validateAssignment(ctx, s, roles, as); err != nil {
				return err
			}
		}

		for _, as := range assignments {
			supervisor := as.Supervisor.Normalize()
			s.steps[as.StepIndex].Supervisor = &supervisor
		}
		return nil
	})
}

func (l *Lot) validateAssignment(ctx context.Context, s *lotState, roles *RoleRegistry, as SupervisorAssignment) error {
	if as.StepIndex < 0 || as.StepIndex >= len(s.steps) {
		return fmt.Errorf("%w: step index %d out of range [0,%d)", ErrInvalidInput, as.StepIndex, len(s.steps))
	}
	if err := requireAddress(as.Supervisor); err != nil {
		return err
	}
	if _, err := l.fireStep(ctx, s, as.StepIndex, eventAssign); err != nil {
		return err
	}
	if !roles.Has(as.Supervisor, RoleSupervisor) {
		return fmt.Errorf("%w: %s is not a supervisor", ErrRoleMismatch, as.Supervisor)
	}
	return nil
}

// current checks that index names the cursor of an active lot.
func (l *Lot) current(ctx context.Context, s *lotState, index int) error {
	if _, err := l.guard(ctx, s, eventAct); err != nil {
		return err
	}
	if index != s.cursor {
		return fmt.Errorf("%w: step %d requested, current is %d", ErrStepOutOfOrder, index, s.cursor)
	}
	return nil
}

// CompleteStep records completion of the current supervisor-gated step by
// its assigned supervisor and advances the cursor.
func (l *Lot) CompleteStep(ctx context.Context, caller Address, index int, location string, now time.Time) error {
	location = strings.TrimSpace(location)
	return l.mutate(func(s *lotState) error {
		if err := l.current(ctx, s, index); err != nil {
			return err
		}
		next, err := l.fireStep(ctx, s, index, eventComplete)
		if err != nil {
			return err
		}
		step := &s.steps[index]
		if !step.Supervisor.Equal(caller) {
			return fmt.Errorf("%w: step %d (%s)", ErrNotAssignedSupervisor, index, l.template.steps[index].Name)
		}
		if location == "" {
			return fmt.Errorf("%w: location is required", ErrInvalidInput)
		}
		step.Location = location
		return l.enter(ctx, s, index, next, now)
	})
}

// FailStep marks the current step and the whole lot as failed. A
// supervisor-gated step can only be failed by its supervisor; a sensor-gated
// step by any identity acting as validator.
func (l *Lot) FailStep(ctx context.Context, roles *RoleRegistry, caller Address, index int, now time.Time) error {
	return l.mutate(func(s *lotState) error {
		if err := l.current(ctx, s, index); err != nil {
			return err
		}
		next, err := l.fireStep(ctx, s, index, eventFail)
		if err != nil {
			return err
		}
		step, def := &s.steps[index], l.template.steps[index]
		if def.SensorGated {
			if roles.Role(caller) == RoleNone {
				return fmt.Errorf("%w: failing a sensor gated step requires a role", ErrUnauthorized)
			}
		} else if !step.Supervisor.Equal(caller) {
			return fmt.Errorf("%w: step %d (%s)", ErrNotAssignedSupervisor, index, def.Name)
		}
		return l.enter(ctx, s, index, next, now)
	})
}

type verdictGate uint8

const (
	gateTemperature verdictGate = iota
	gateLocation
)

// applyVerdict records a validator verdict on the current sensor-gated step.
// The step completes once its temperature verdict is positive and, for a
// location-tracked step, its location verdict too. Otherwise the step is only
// marked started and the decision stays with FailStep. It reports whether the
// step completed.
func (l *Lot) applyVerdict(ctx context.Context, roles *RoleRegistry, caller Address, index int, gate verdictGate, verdict bool, location string, now time.Time) (bool, error) {
	location = strings.TrimSpace(location)
	completed := false
	err := l.mutate(func(s *lotState) error {
		if err := l.current(ctx, s, index); err != nil {
			return err
		}
		step, def := &s.steps[index], l.template.steps[index]

		temperatureOK, locationOK := step.TemperatureOK, step.LocationOK
		if gate == gateLocation {
			locationOK = verdict
		} else {
			temperatureOK = verdict
		}
		event := eventObserve
		if temperatureOK && (locationOK || !def.LocationTracked) {
			event = eventValidate
		}
		next, err := l.fireStep(ctx, s, index, event)
		if err != nil {
			return err
		}

		if gate == gateLocation && !def.LocationTracked {
			return fmt.Errorf("%w: step %d (%s) is not location tracked", ErrInvalidOperation, index, def.Name)
		}
		if roles.Role(caller) == RoleNone {
			return fmt.Errorf("%w: submitting verdicts requires a role", ErrUnauthorized)
		}
		if gate == gateLocation {
			if verdict && location == "" {
				return fmt.Errorf("%w: location is required", ErrInvalidInput)
			}
			step.Location = ""
			if verdict {
				step.Location = location
			}
		}
		step.TemperatureOK, step.LocationOK = temperatureOK, locationOK

		completed = next == StepCompleted
		return l.enter(ctx, s, index, next, now)
	})
	return completed, err
}

func stamp(step *StepRecord, now time.Time) {
	if step.StartTime == nil {
		start := now
		step.StartTime = &start
	}
}
