package ledger

import (
	"fmt"
)

// StepStatus is the display status of a step. Steps after a failed one are
// unreachable regardless of their stored record.
type StepStatus string

const (
	StatusPending     StepStatus = "pending"
	StatusCompleted   StepStatus = "completed"
	StatusFailed      StepStatus = "failed"
	StatusUnreachable StepStatus = "-"
)

// StepView is a read-only projection of a step record with its definition.
type StepView struct {
	StepRecord
	Name            string     `json:"name"`
	SensorGated     bool       `json:"sensor_gated"`
	LocationTracked bool       `json:"location_tracked"`
	State           StepState  `json:"state"`
	Status          StepStatus `json:"status"`
}

// LotView is a consistent read-only projection of a lot.
type LotView struct {
	LotNumber        uint64     `json:"lot_number"`
	Variant          Variant    `json:"variant"`
	Status           LotStatus  `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	IsCompleted      bool       `json:"is_completed"`
	IsFailed         bool       `json:"is_failed"`
	FailedStepIndex  *int       `json:"failed_step_index,omitempty"`
	Steps            []StepView `json:"steps"`
}

func (l *Lot) stepView(s *lotState, i int) StepView {
	def := l.template.steps[i]
	rec := s.steps[i]
	v := StepView{
		StepRecord:      rec,
		Name:            def.Name,
		SensorGated:     def.SensorGated,
		LocationTracked: def.LocationTracked,
		State:           rec.state(def),
		Status:          displayStatus(rec, i, s.failedIndex),
	}
	return v
}

func displayStatus(rec StepRecord, i, failedIndex int) StepStatus {
	switch {
	case failedIndex >= 0 && i > failedIndex:
		return StatusUnreachable
	case rec.Failed:
		return StatusFailed
	case rec.Completed:
		return StatusCompleted
	default:
		return StatusPending
	}
}

// View returns a snapshot of the lot taken from a single published state.
func (l *Lot) View() LotView {
	s := l.state.Load()
	v := LotView{
		LotNumber:        l.number,
		Variant:          l.template.variant,
		Status:           s.status,
		CurrentStepIndex: s.cursor,
		IsCompleted:      s.status == LotCompleted,
		IsFailed:         s.status == LotFailed,
		Steps:            make([]StepView, len(s.steps)),
	}
	if s.failedIndex >= 0 {
		idx := s.failedIndex
		v.FailedStepIndex = &idx
	}
	for i := range s.steps {
		v.Steps[i] = l.stepView(s, i)
	}
	return v
}

// Step returns the view of the step at index.
func (l *Lot) Step(index int) (StepView, error) {
	s := l.state.Load()
	if index < 0 || index >= len(s.steps) {
		return StepView{}, fmt.Errorf("%w: step index %d out of range [0,%d)", ErrInvalidInput, index, len(s.steps))
	}
	return l.stepView(s, index), nil
}

// Steps returns the views of every step of the lot.
func (l *Lot) Steps() []StepView {
	return l.View().Steps
}

// CompletedStep is a completed step tagged with its lot, as listed by the
// completed-steps log.
type CompletedStep struct {
	LotNumber uint64 `json:"lot_number"`
	StepView
}

// LotFilter narrows the lot search. Zero fields match everything.
type LotFilter struct {
	LotNumber uint64
	Status    LotStatus
	Variant   Variant
}

func (f LotFilter) match(v LotView) bool {
	if f.LotNumber != 0 && v.LotNumber != f.LotNumber {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.Variant != 0 && v.Variant != f.Variant {
		return false
	}
	return true
}
