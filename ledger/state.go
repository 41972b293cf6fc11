package ledger

import (
	"fmt"
)

// LotRecord is the persisted form of a lot.
type LotRecord struct {
	LotNumber        uint64       `json:"lot_number"`
	Variant          Variant      `json:"variant"`
	Steps            []StepRecord `json:"steps"`
	CurrentStepIndex int          `json:"current_step_index"`
	Status           LotStatus    `json:"status"`
	FailedStepIndex  int          `json:"failed_step_index"`
}

// Record returns the persisted form of the current snapshot.
func (l *Lot) Record() LotRecord {
	s := l.state.Load()
	return LotRecord{
		LotNumber:        l.number,
		Variant:          l.template.variant,
		Steps:            append([]StepRecord(nil), s.steps...),
		CurrentStepIndex: s.cursor,
		Status:           s.status,
		FailedStepIndex:  s.failedIndex,
	}
}

func restoreLot(rec LotRecord) (*Lot, error) {
	template, err := TemplateFor(rec.Variant)
	if err != nil {
		return nil, err
	}
	if len(rec.Steps) != template.Len() {
		return nil, fmt.Errorf("lot %d: %d steps stored, template %s has %d", rec.LotNumber, len(rec.Steps), rec.Variant, template.Len())
	}
	if rec.CurrentStepIndex < 0 || rec.CurrentStepIndex > len(rec.Steps) {
		return nil, fmt.Errorf("lot %d: cursor %d out of range", rec.LotNumber, rec.CurrentStepIndex)
	}
	if _, err := ParseLotStatus(string(rec.Status)); err != nil {
		return nil, fmt.Errorf("lot %d: %w", rec.LotNumber, err)
	}
	if err := rec.check(); err != nil {
		return nil, fmt.Errorf("lot %d: %w", rec.LotNumber, err)
	}

	l := emptyLot(rec.LotNumber, template)
	l.state.Store(&lotState{
		steps:       append([]StepRecord(nil), rec.Steps...),
		cursor:      rec.CurrentStepIndex,
		status:      rec.Status,
		failedIndex: rec.FailedStepIndex,
	})
	return l, nil
}

// check verifies that the status, cursor, failed index and step flags of a
// stored record describe the same lot.
func (r LotRecord) check() error {
	failed := -1
	for i, step := range r.Steps {
		if step.DefinitionIndex != i {
			return fmt.Errorf("step %d stores definition %d", i, step.DefinitionIndex)
		}
		if step.Completed && step.Failed {
			return fmt.Errorf("step %d is both completed and failed", i)
		}
		if step.Completed != (i < r.CurrentStepIndex) {
			return fmt.Errorf("step %d completion disagrees with cursor %d", i, r.CurrentStepIndex)
		}
		if step.Failed {
			if failed >= 0 {
				return fmt.Errorf("steps %d and %d are both failed", failed, i)
			}
			failed = i
		}
	}

	switch r.Status {
	case LotFailed:
		if failed < 0 || r.FailedStepIndex != failed || failed != r.CurrentStepIndex {
			return fmt.Errorf("failed lot names step %d, step %d is failed at cursor %d", r.FailedStepIndex, failed, r.CurrentStepIndex)
		}
	case LotCompleted:
		if r.CurrentStepIndex != len(r.Steps) || r.FailedStepIndex != -1 {
			return fmt.Errorf("completed lot has cursor %d and failed step %d", r.CurrentStepIndex, r.FailedStepIndex)
		}
	default:
		if failed >= 0 || r.FailedStepIndex != -1 || r.CurrentStepIndex == len(r.Steps) {
			return fmt.Errorf("active lot has cursor %d and failed step %d", r.CurrentStepIndex, r.FailedStepIndex)
		}
	}
	return nil
}

// Records returns the persisted form of every lot.
func (l *Ledger) Records(numbers ...uint64) ([]LotRecord, error) {
	if len(numbers) == 0 {
		lots := l.factory.AllProcesses()
		out := make([]LotRecord, len(lots))
		for i, lot := range lots {
			out[i] = lot.Record()
		}
		return out, nil
	}

	out := make([]LotRecord, 0, len(numbers))
	for _, n := range numbers {
		lot, err := l.factory.Lot(n)
		if err != nil {
			return nil, err
		}
		out = append(out, lot.Record())
	}
	return out, nil
}

// Restore replaces the ledger content with persisted state. Lot numbers
// must be contiguous from 1.
func (l *Ledger) Restore(roles []RoleAssignment, records []LotRecord) error {
	lots := make([]*Lot, len(records))
	for i, rec := range records {
		if rec.LotNumber != uint64(i+1) {
			return fmt.Errorf("lot records are not contiguous: position %d holds lot %d", i, rec.LotNumber)
		}
		lot, err := restoreLot(rec)
		if err != nil {
			return err
		}
		lots[i] = lot
	}
	if err := l.roles.Restore(roles); err != nil {
		return err
	}
	l.factory.restore(lots)
	l.TakeChanges()
	return nil
}

// StepStatus returns the display status of step i.
func (r LotRecord) StepStatus(i int) StepStatus {
	return displayStatus(r.Steps[i], i, r.FailedStepIndex)
}
