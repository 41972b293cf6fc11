// Package ledger implements the milk lot process ledger: the role registry,
// the per-variant step templates, the lot step state machine, the lot factory
// and the validation gateway for sensor-gated steps.
//
// Every mutating operation either commits completely or returns an error and
// leaves state untouched. Readers load immutable snapshots and never block
// writers.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Call carries the authenticated caller and the time at which the operation
// is applied.
type Call struct {
	Caller Address
	At     time.Time
}

// Config configures a Ledger.
type Config struct {
	MaxLotsPerRequest int
}

// Changes lists what the operations since the last TakeChanges touched.
type Changes struct {
	Lots  []uint64
	Roles bool
}

// Ledger is the facade over the registry, factory and gateway.
type Ledger struct {
	roles   *RoleRegistry
	factory *Factory
	gateway *Gateway

	changesMu  sync.Mutex
	dirtyLots  map[uint64]struct{}
	dirtyRoles bool
}

func New(cfg Config) *Ledger {
	roles := NewRoleRegistry()
	factory := NewFactory(cfg.MaxLotsPerRequest)
	return &Ledger{
		roles:     roles,
		factory:   factory,
		gateway:   NewGateway(roles, factory),
		dirtyLots: make(map[uint64]struct{}),
	}
}

func (l *Ledger) Roles() *RoleRegistry { return l.roles }

func (l *Ledger) Factory() *Factory { return l.factory }

func (l *Ledger) Gateway() *Gateway { return l.gateway }

// Genesis installs the first admins of a fresh ledger.
func (l *Ledger) Genesis(admins []Address) error {
	if err := l.roles.Bootstrap(admins); err != nil {
		return err
	}
	l.markRoles()
	return nil
}

// Initialized reports whether Genesis or Restore has run.
func (l *Ledger) Initialized() bool {
	return l.roles.Initialized()
}

func (l *Ledger) markRoles() {
	l.changesMu.Lock()
	l.dirtyRoles = true
	l.changesMu.Unlock()
}

func (l *Ledger) markLots(numbers ...uint64) {
	l.changesMu.Lock()
	for _, n := range numbers {
		l.dirtyLots[n] = struct{}{}
	}
	l.changesMu.Unlock()
}

// TakeChanges returns and clears the set of touched lots and roles.
func (l *Ledger) TakeChanges() Changes {
	l.changesMu.Lock()
	defer l.changesMu.Unlock()

	c := Changes{Roles: l.dirtyRoles, Lots: make([]uint64, 0, len(l.dirtyLots))}
	for n := range l.dirtyLots {
		c.Lots = append(c.Lots, n)
	}
	sort.Slice(c.Lots, func(i, j int) bool { return c.Lots[i] < c.Lots[j] })
	l.dirtyLots = make(map[uint64]struct{})
	l.dirtyRoles = false
	return c
}

// AssignRole sets target's role.
func (l *Ledger) AssignRole(call Call, target Address, role Role) error {
	if err := l.roles.Assign(call.Caller, target, role); err != nil {
		return err
	}
	l.markRoles()
	return nil
}

// RemoveRole resets target's role to none.
func (l *Ledger) RemoveRole(call Call, target Address) error {
	if err := l.roles.Remove(call.Caller, target); err != nil {
		return err
	}
	l.markRoles()
	return nil
}

// GetRole returns the role of a.
func (l *Ledger) GetRole(a Address) Role {
	return l.roles.Role(a)
}

// ListAssignments returns every identity holding a role.
func (l *Ledger) ListAssignments() []RoleAssignment {
	return l.roles.Assignments()
}

// CreateNewProcess creates count lots of variant.
func (l *Ledger) CreateNewProcess(call Call, count int, variant Variant) ([]uint64, error) {
	numbers, err := l.factory.CreateNewProcess(l.roles, call.Caller, count, variant)
	if err != nil {
		return nil, err
	}
	l.markLots(numbers...)
	return numbers, nil
}

// GetAllProcesses returns views of every lot.
func (l *Ledger) GetAllProcesses() []LotView {
	return l.Search(LotFilter{})
}

// Lot returns the view of one lot.
func (l *Ledger) Lot(number uint64) (LotView, error) {
	lot, err := l.factory.Lot(number)
	if err != nil {
		return LotView{}, err
	}
	return lot.View(), nil
}

// GetStep returns one step of a lot.
func (l *Ledger) GetStep(number uint64, index int) (StepView, error) {
	lot, err := l.factory.Lot(number)
	if err != nil {
		return StepView{}, err
	}
	return lot.Step(index)
}

func (l *Ledger) AssignSupervisor(ctx context.Context, call Call, number uint64, index int, supervisor Address) error {
	return l.AssignSupervisors(ctx, call, number, []SupervisorAssignment{{StepIndex: index, Supervisor: supervisor}})
}

func (l *Ledger) AssignSupervisors(ctx context.Context, call Call, number uint64, assignments []SupervisorAssignment) error {
	lot, err := l.factory.Lot(number)
	if err != nil {
		return err
	}
	if err := lot.AssignSupervisors(ctx, l.roles, call.Caller, assignments); err != nil {
		return err
	}
	l.markLots(number)
	return nil
}

func (l *Ledger) CompleteStep(ctx context.Context, call Call, number uint64, index int, location string) error {
	lot, err := l.factory.Lot(number)
	if err != nil {
		return err
	}
	if err := lot.CompleteStep(ctx, call.Caller, index, location, call.At); err != nil {
		return err
	}
	l.markLots(number)
	return nil
}

func (l *Ledger) FailStep(ctx context.Context, call Call, number uint64, index int) error {
	lot, err := l.factory.Lot(number)
	if err != nil {
		return err
	}
	if err := lot.FailStep(ctx, l.roles, call.Caller, index, call.At); err != nil {
		return err
	}
	l.markLots(number)
	return nil
}

func (l *Ledger) IsTemperatureOK(ctx context.Context, call Call, number uint64, index int, verdict bool) (bool, error) {
	completed, err := l.gateway.IsTemperatureOK(ctx, call.Caller, number, index, verdict, call.At)
	if err != nil {
		return false, err
	}
	l.markLots(number)
	return completed, nil
}

func (l *Ledger) IsLocationReasonable(ctx context.Context, call Call, number uint64, index int, verdict bool, location string) (bool, error) {
	completed, err := l.gateway.IsLocationReasonable(ctx, call.Caller, number, index, verdict, location, call.At)
	if err != nil {
		return false, err
	}
	l.markLots(number)
	return completed, nil
}

// Search returns views of the lots matching f in lot-number order.
func (l *Ledger) Search(f LotFilter) []LotView {
	if f.LotNumber != 0 {
		lot, err := l.factory.Lot(f.LotNumber)
		if err != nil {
			return []LotView{}
		}
		v := lot.View()
		if !f.match(v) {
			return []LotView{}
		}
		return []LotView{v}
	}

	out := []LotView{}
	for _, lot := range l.factory.AllProcesses() {
		v := lot.View()
		if f.match(v) {
			out = append(out, v)
		}
	}
	return out
}

// CompletedSteps lists completed steps across lots, or of one lot when
// number is non-zero, ordered by lot then step.
func (l *Ledger) CompletedSteps(number uint64) []CompletedStep {
	out := []CompletedStep{}
	for _, v := range l.Search(LotFilter{LotNumber: number}) {
		for _, s := range v.Steps {
			if s.Completed {
				out = append(out, CompletedStep{LotNumber: v.LotNumber, StepView: s})
			}
		}
	}
	return out
}
