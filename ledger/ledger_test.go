package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	admin      = Address("0x00000000000000000000000000000000000000a1")
	supervisor = Address("0x00000000000000000000000000000000000000b1")
	other      = Address("0x00000000000000000000000000000000000000b2")
	operator   = Address("0x00000000000000000000000000000000000000c1")
	stranger   = Address("0x00000000000000000000000000000000000000d1")
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func at(caller Address, minutes int) Call {
	return Call{Caller: caller, At: t0.Add(time.Duration(minutes) * time.Minute)}
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(Config{})
	require.NoError(t, l.Genesis([]Address{admin}))
	require.NoError(t, l.AssignRole(at(admin, 0), supervisor, RoleSupervisor))
	require.NoError(t, l.AssignRole(at(admin, 0), other, RoleSupervisor))
	require.NoError(t, l.AssignRole(at(admin, 0), operator, RoleOperator))
	l.TakeChanges()
	return l
}

func newLotNumber(t *testing.T, l *Ledger, v Variant) uint64 {
	t.Helper()
	numbers, err := l.CreateNewProcess(at(admin, 0), 1, v)
	require.NoError(t, err)
	require.Len(t, numbers, 1)
	return numbers[0]
}

// advance drives lot through its current step with a positive outcome.
func advance(t *testing.T, l *Ledger, lot uint64) {
	t.Helper()
	ctx := context.Background()
	v, err := l.Lot(lot)
	require.NoError(t, err)
	i := v.CurrentStepIndex
	step := v.Steps[i]
	switch {
	case step.LocationTracked:
		done, err := l.IsTemperatureOK(ctx, at(operator, i), lot, i, true)
		require.NoError(t, err)
		require.False(t, done)
		done, err = l.IsLocationReasonable(ctx, at(operator, i), lot, i, true, "Route checkpoint")
		require.NoError(t, err)
		require.True(t, done)
	case step.SensorGated:
		done, err := l.IsTemperatureOK(ctx, at(operator, i), lot, i, true)
		require.NoError(t, err)
		require.True(t, done)
	default:
		require.NoError(t, l.AssignSupervisor(ctx, at(admin, i), lot, i, supervisor))
		require.NoError(t, l.CompleteStep(ctx, at(supervisor, i), lot, i, "Fattoria Clarkson"))
	}
}

func TestScenarioCreateLot(t *testing.T) {
	l := newTestLedger(t)

	lot := newLotNumber(t, l, VariantWholeMilk)
	assert.Equal(t, uint64(1), lot)

	v, err := l.Lot(lot)
	require.NoError(t, err)
	assert.Equal(t, 0, v.CurrentStepIndex)
	assert.False(t, v.IsFailed)
	assert.False(t, v.IsCompleted)
	assert.Equal(t, LotActive, v.Status)
	assert.Len(t, v.Steps, 10)
	for i, s := range v.Steps {
		assert.Equal(t, i, s.DefinitionIndex)
		assert.Equal(t, StatusPending, s.Status)
		assert.Nil(t, s.Supervisor)
		assert.Nil(t, s.StartTime)
	}
}

func TestScenarioAssignNonSupervisor(t *testing.T) {
	l := newTestLedger(t)
	lot := newLotNumber(t, l, VariantWholeMilk)
	before, _ := l.Lot(lot)

	err := l.AssignSupervisor(context.Background(), at(admin, 1), lot, 0, operator)
	require.ErrorIs(t, err, ErrRoleMismatch)

	after, _ := l.Lot(lot)
	assert.Equal(t, before, after)
}

func TestScenarioSupervisorCompletes(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)

	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), lot, 0, supervisor))
	require.NoError(t, l.CompleteStep(ctx, at(supervisor, 5), lot, 0, "Fattoria Clarkson"))

	v, _ := l.Lot(lot)
	step := v.Steps[0]
	assert.True(t, step.Completed)
	require.NotNil(t, step.EndTime)
	require.NotNil(t, step.StartTime)
	assert.Equal(t, t0.Add(5*time.Minute), *step.EndTime)
	assert.Equal(t, "Fattoria Clarkson", step.Location)
	assert.Equal(t, StatusCompleted, step.Status)
	assert.Equal(t, 1, v.CurrentStepIndex)
}

func TestScenarioWrongSupervisor(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)
	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), lot, 0, supervisor))

	for _, caller := range []Address{other, admin, operator, stranger} {
		err := l.CompleteStep(ctx, at(caller, 2), lot, 0, "Fattoria Clarkson")
		require.ErrorIs(t, err, ErrNotAssignedSupervisor, caller)
	}

	v, _ := l.Lot(lot)
	assert.Equal(t, 0, v.CurrentStepIndex)
	assert.Nil(t, v.Steps[0].StartTime)
}

func TestScenarioNegativeTemperature(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)
	for range 5 {
		advance(t, l, lot)
	}

	// pasteurization
	done, err := l.IsTemperatureOK(ctx, at(operator, 10), lot, 5, false)
	require.NoError(t, err)
	assert.False(t, done)

	v, _ := l.Lot(lot)
	assert.Equal(t, 5, v.CurrentStepIndex)
	assert.Equal(t, LotActive, v.Status)
	assert.Equal(t, StatusPending, v.Steps[5].Status)
	assert.Equal(t, StepAwaitingValidator, v.Steps[5].State)
	assert.False(t, v.Steps[5].Completed)
	require.NotNil(t, v.Steps[5].StartTime)
	assert.Nil(t, v.Steps[5].EndTime)

	// a later positive verdict keeps the first start time
	done, err = l.IsTemperatureOK(ctx, at(operator, 20), lot, 5, true)
	require.NoError(t, err)
	assert.True(t, done)
	v, _ = l.Lot(lot)
	assert.Equal(t, t0.Add(10*time.Minute), *v.Steps[5].StartTime)
	assert.Equal(t, t0.Add(20*time.Minute), *v.Steps[5].EndTime)
	assert.Equal(t, 6, v.CurrentStepIndex)
}

func TestScenarioFailStep(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)
	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), lot, 0, supervisor))

	require.NoError(t, l.FailStep(ctx, at(supervisor, 3), lot, 0))

	v, _ := l.Lot(lot)
	assert.True(t, v.Steps[0].Failed)
	assert.True(t, v.IsFailed)
	assert.Equal(t, LotFailed, v.Status)
	require.NotNil(t, v.FailedStepIndex)
	assert.Equal(t, 0, *v.FailedStepIndex)
	assert.Equal(t, StatusFailed, v.Steps[0].Status)
	for _, s := range v.Steps[1:] {
		assert.Equal(t, StatusUnreachable, s.Status)
	}

	for i := range v.Steps {
		err := l.CompleteStep(ctx, at(supervisor, 4), lot, i, "Fattoria Clarkson")
		require.ErrorIs(t, err, ErrProcessFailed)
	}
	_, err := l.IsTemperatureOK(ctx, at(operator, 4), lot, 1, true)
	require.ErrorIs(t, err, ErrProcessFailed)
	err = l.AssignSupervisor(ctx, at(admin, 4), lot, 2, supervisor)
	require.ErrorIs(t, err, ErrProcessFailed)

	require.ErrorIs(t, l.FailStep(ctx, at(supervisor, 5), lot, 0), ErrProcessFailed)
	require.ErrorIs(t, l.FailStep(ctx, at(operator, 5), lot, 1), ErrProcessFailed)
	require.ErrorIs(t, l.FailStep(ctx, at(supervisor, 5), lot, 2), ErrProcessFailed)

	after, _ := l.Lot(lot)
	assert.Equal(t, v, after)
}

func TestFullLifecycle(t *testing.T) {
	for _, variant := range []Variant{VariantWholeMilk, VariantLongLife} {
		t.Run(variant.String(), func(t *testing.T) {
			l := newTestLedger(t)
			lot := newLotNumber(t, l, variant)

			for i := 0; i < 10; i++ {
				v, _ := l.Lot(lot)
				require.Equal(t, i, v.CurrentStepIndex)
				require.Equal(t, LotActive, v.Status)
				advance(t, l, lot)
			}

			v, _ := l.Lot(lot)
			assert.True(t, v.IsCompleted)
			assert.Equal(t, LotCompleted, v.Status)
			assert.Equal(t, 10, v.CurrentStepIndex)

			err := l.CompleteStep(context.Background(), at(supervisor, 99), lot, 9, "x")
			require.ErrorIs(t, err, ErrStepOutOfOrder)
			assert.Len(t, l.CompletedSteps(lot), 10)
		})
	}
}

func TestRoleRegistry(t *testing.T) {
	l := newTestLedger(t)

	assert.Equal(t, RoleAdmin, l.GetRole(admin))
	assert.Equal(t, RoleSupervisor, l.GetRole(Address("0x00000000000000000000000000000000000000B1")))
	assert.Equal(t, RoleNone, l.GetRole(stranger))

	err := l.AssignRole(at(supervisor, 1), stranger, RoleOperator)
	require.ErrorIs(t, err, ErrUnauthorized)

	err = l.AssignRole(at(admin, 1), supervisor, RoleSupervisor)
	require.ErrorIs(t, err, ErrRoleUnchanged)

	err = l.AssignRole(at(admin, 1), Address("0x1234"), RoleOperator)
	require.ErrorIs(t, err, ErrInvalidAddress)

	err = l.AssignRole(at(admin, 1), zeroAddress, RoleOperator)
	require.ErrorIs(t, err, ErrInvalidAddress)

	err = l.RemoveRole(at(admin, 1), stranger)
	require.ErrorIs(t, err, ErrRoleUnchanged)

	require.NoError(t, l.RemoveRole(at(admin, 1), operator))
	assert.Equal(t, RoleNone, l.GetRole(operator))
	assert.Len(t, l.ListAssignments(), 3)
}

func TestLastAdminIsKept(t *testing.T) {
	l := newTestLedger(t)

	err := l.AssignRole(at(admin, 1), admin, RoleOperator)
	require.ErrorIs(t, err, ErrInvariantViolation)
	err = l.RemoveRole(at(admin, 1), admin)
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, RoleAdmin, l.GetRole(admin))

	second := Address("0x00000000000000000000000000000000000000a2")
	require.NoError(t, l.AssignRole(at(admin, 1), second, RoleAdmin))
	require.NoError(t, l.RemoveRole(at(second, 2), admin))
	assert.Equal(t, 1, l.Roles().AdminCount())

	err = l.RemoveRole(at(second, 3), second)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestGenesis(t *testing.T) {
	l := New(Config{})
	assert.False(t, l.Initialized())
	require.ErrorIs(t, l.Genesis(nil), ErrInvariantViolation)
	require.NoError(t, l.Genesis([]Address{admin}))
	assert.True(t, l.Initialized())
	require.ErrorIs(t, l.Genesis([]Address{admin}), ErrInvalidOperation)
}

func TestCreateNewProcess(t *testing.T) {
	l := newTestLedger(t)

	numbers, err := l.CreateNewProcess(at(admin, 1), 3, VariantLongLife)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, numbers)

	numbers, err = l.CreateNewProcess(at(admin, 1), 2, VariantWholeMilk)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, numbers)

	_, err = l.CreateNewProcess(at(supervisor, 1), 1, VariantWholeMilk)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = l.CreateNewProcess(at(admin, 1), 0, VariantWholeMilk)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = l.CreateNewProcess(at(admin, 1), DefaultMaxLotsPerRequest+1, VariantWholeMilk)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = l.CreateNewProcess(at(admin, 1), 1, Variant(9))
	require.ErrorIs(t, err, ErrInvalidInput)

	assert.Len(t, l.GetAllProcesses(), 5)
	assert.Len(t, l.Search(LotFilter{Variant: VariantLongLife}), 3)
	_, err = l.Lot(6)
	require.ErrorIs(t, err, ErrLotNotFound)
}

func TestAssignSupervisorsAllOrNothing(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)

	err := l.AssignSupervisors(ctx, at(admin, 1), lot, []SupervisorAssignment{
		{StepIndex: 0, Supervisor: supervisor},
		{StepIndex: 2, Supervisor: other},
		{StepIndex: 3, Supervisor: operator},
	})
	require.ErrorIs(t, err, ErrRoleMismatch)
	v, _ := l.Lot(lot)
	for _, s := range v.Steps {
		assert.Nil(t, s.Supervisor)
	}

	err = l.AssignSupervisors(ctx, at(admin, 1), lot, []SupervisorAssignment{
		{StepIndex: 0, Supervisor: supervisor},
		{StepIndex: 1, Supervisor: other},
	})
	require.ErrorIs(t, err, ErrInvalidOperation)

	err = l.AssignSupervisors(ctx, at(admin, 1), lot, []SupervisorAssignment{
		{StepIndex: 0, Supervisor: supervisor},
		{StepIndex: 0, Supervisor: other},
	})
	require.ErrorIs(t, err, ErrInvalidInput)

	err = l.AssignSupervisors(ctx, at(admin, 1), lot, []SupervisorAssignment{{StepIndex: 10, Supervisor: supervisor}})
	require.ErrorIs(t, err, ErrInvalidInput)

	err = l.AssignSupervisors(ctx, at(supervisor, 1), lot, []SupervisorAssignment{{StepIndex: 0, Supervisor: supervisor}})
	require.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, l.AssignSupervisors(ctx, at(admin, 1), lot, []SupervisorAssignment{
		{StepIndex: 0, Supervisor: supervisor},
		{StepIndex: 2, Supervisor: other},
		{StepIndex: 9, Supervisor: supervisor},
	}))
	v, _ = l.Lot(lot)
	assert.Equal(t, supervisor, *v.Steps[0].Supervisor)
	assert.Equal(t, other, *v.Steps[2].Supervisor)
	assert.Equal(t, StepAssigned, v.Steps[9].State)
}

func TestReassignBeforeStart(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)

	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), lot, 0, supervisor))
	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 2), lot, 0, other))

	err := l.CompleteStep(ctx, at(supervisor, 3), lot, 0, "Fattoria Clarkson")
	require.ErrorIs(t, err, ErrNotAssignedSupervisor)
	require.NoError(t, l.CompleteStep(ctx, at(other, 3), lot, 0, "Fattoria Clarkson"))

	err = l.AssignSupervisor(ctx, at(admin, 4), lot, 0, supervisor)
	require.ErrorIs(t, err, ErrStepAlreadyStarted)
}

func TestStepOrdering(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)
	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), lot, 2, supervisor))

	err := l.CompleteStep(ctx, at(supervisor, 2), lot, 2, "Caseificio Cirelli")
	require.ErrorIs(t, err, ErrStepOutOfOrder)

	_, err = l.IsTemperatureOK(ctx, at(operator, 2), lot, 1, true)
	require.ErrorIs(t, err, ErrStepOutOfOrder)

	advance(t, l, lot)
	err = l.CompleteStep(ctx, at(supervisor, 3), lot, 0, "Fattoria Clarkson")
	require.ErrorIs(t, err, ErrStepOutOfOrder)
}

func TestGateRules(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)

	_, err := l.IsTemperatureOK(ctx, at(operator, 1), lot, 0, true)
	require.ErrorIs(t, err, ErrInvalidOperation)

	advance(t, l, lot)

	err = l.CompleteStep(ctx, at(supervisor, 2), lot, 1, "Truck")
	require.ErrorIs(t, err, ErrInvalidOperation)

	_, err = l.IsTemperatureOK(ctx, at(stranger, 2), lot, 1, true)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = l.IsLocationReasonable(ctx, at(operator, 2), lot, 1, true, "  ")
	require.ErrorIs(t, err, ErrInvalidInput)

	done, err := l.IsTemperatureOK(ctx, at(operator, 2), lot, 1, true)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = l.IsLocationReasonable(ctx, at(operator, 2), lot, 1, true, "Caseificio Cirelli")
	require.NoError(t, err)
	assert.True(t, done)

	for range 3 {
		advance(t, l, lot)
	}
	// Pasteurization is sensor gated but not tracked.
	_, err = l.IsLocationReasonable(ctx, at(operator, 3), lot, 5, true, "Plant")
	require.ErrorIs(t, err, ErrInvalidOperation)

	require.ErrorIs(t, l.FailStep(ctx, at(stranger, 3), lot, 5), ErrUnauthorized)
	require.NoError(t, l.FailStep(ctx, at(operator, 3), lot, 5))
	v, _ := l.Lot(lot)
	assert.Equal(t, LotFailed, v.Status)
	assert.Equal(t, StatusFailed, v.Steps[5].Status)
	assert.Equal(t, StatusCompleted, v.Steps[4].Status)
	assert.Equal(t, StatusUnreachable, v.Steps[6].Status)
}

func TestTrackedStepNeedsBothVerdicts(t *testing.T) {
	ctx := context.Background()

	t.Run("temperature alone", func(t *testing.T) {
		l := newTestLedger(t)
		lot := newLotNumber(t, l, VariantWholeMilk)
		advance(t, l, lot)

		done, err := l.IsTemperatureOK(ctx, at(operator, 1), lot, 1, true)
		require.NoError(t, err)
		assert.False(t, done)

		v, _ := l.Lot(lot)
		assert.Equal(t, 1, v.CurrentStepIndex)
		step := v.Steps[1]
		assert.True(t, step.TemperatureOK)
		assert.False(t, step.LocationOK)
		assert.False(t, step.Completed)
		assert.Empty(t, step.Location)
	})

	t.Run("location alone", func(t *testing.T) {
		l := newTestLedger(t)
		lot := newLotNumber(t, l, VariantWholeMilk)
		advance(t, l, lot)

		done, err := l.IsLocationReasonable(ctx, at(operator, 1), lot, 1, true, "Fattoria Clarkson")
		require.NoError(t, err)
		assert.False(t, done)
		v, _ := l.Lot(lot)
		assert.Equal(t, 1, v.CurrentStepIndex)
		assert.Equal(t, "Fattoria Clarkson", v.Steps[1].Location)

		// a warm truck keeps the step open
		done, err = l.IsTemperatureOK(ctx, at(operator, 2), lot, 1, false)
		require.NoError(t, err)
		assert.False(t, done)

		done, err = l.IsTemperatureOK(ctx, at(operator, 3), lot, 1, true)
		require.NoError(t, err)
		assert.True(t, done)
		v, _ = l.Lot(lot)
		assert.Equal(t, 2, v.CurrentStepIndex)
		assert.Equal(t, "Fattoria Clarkson", v.Steps[1].Location)
		assert.Equal(t, t0.Add(3*time.Minute), *v.Steps[1].EndTime)
	})

	t.Run("location withdrawn", func(t *testing.T) {
		l := newTestLedger(t)
		lot := newLotNumber(t, l, VariantWholeMilk)
		advance(t, l, lot)

		_, err := l.IsLocationReasonable(ctx, at(operator, 1), lot, 1, true, "Fattoria Clarkson")
		require.NoError(t, err)
		_, err = l.IsLocationReasonable(ctx, at(operator, 2), lot, 1, false, "")
		require.NoError(t, err)
		done, err := l.IsTemperatureOK(ctx, at(operator, 3), lot, 1, true)
		require.NoError(t, err)
		assert.False(t, done)

		v, _ := l.Lot(lot)
		assert.False(t, v.Steps[1].LocationOK)
		assert.Empty(t, v.Steps[1].Location)
	})
}

func TestStepMachine(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		state StepState
		event string
		next  StepState
		err   error
	}{
		{StepPending, eventAssign, StepAssigned, nil},
		{StepAssigned, eventAssign, StepAssigned, nil},
		{StepAwaitingValidator, eventAssign, "", ErrInvalidOperation},
		{StepCompleted, eventAssign, "", ErrStepAlreadyStarted},
		{StepAssigned, eventComplete, StepCompleted, nil},
		{StepPending, eventComplete, "", ErrNotAssignedSupervisor},
		{StepAwaitingValidator, eventComplete, "", ErrInvalidOperation},
		{StepAwaitingValidator, eventValidate, StepCompleted, nil},
		{StepAwaitingValidator, eventObserve, StepAwaitingValidator, nil},
		{StepAssigned, eventObserve, "", ErrInvalidOperation},
		{StepAwaitingValidator, eventFail, StepFailed, nil},
		{StepPending, eventFail, "", ErrNotAssignedSupervisor},
		{StepFailed, eventFail, "", ErrInvalidOperation},
	}
	machine := newStepMachine()
	for _, tc := range cases {
		next, err := fire(ctx, machine, string(tc.state), tc.event)
		if tc.err != nil {
			require.ErrorIs(t, rejection(err, stepRejections, tc.event, tc.state), tc.err, "%s from %s", tc.event, tc.state)
			continue
		}
		require.NoError(t, err, "%s from %s", tc.event, tc.state)
		assert.Equal(t, string(tc.next), next, "%s from %s", tc.event, tc.state)
	}

	lots := newLotMachine()
	next, err := fire(ctx, lots, string(LotActive), eventFinish)
	require.NoError(t, err)
	assert.Equal(t, string(LotCompleted), next)
	_, err = fire(ctx, lots, string(LotFailed), eventAct)
	require.ErrorIs(t, rejection(err, lotRejections, eventAct, LotFailed), ErrProcessFailed)
	_, err = fire(ctx, lots, string(LotCompleted), eventAct)
	require.ErrorIs(t, rejection(err, lotRejections, eventAct, LotCompleted), ErrStepOutOfOrder)
	next, err = fire(ctx, lots, string(LotCompleted), eventPlan)
	require.NoError(t, err)
	assert.Equal(t, string(LotCompleted), next)
}

func TestCompleteStepRequiresLocation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)
	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), lot, 0, supervisor))

	err := l.CompleteStep(ctx, at(supervisor, 2), lot, 0, " ")
	require.ErrorIs(t, err, ErrInvalidInput)
	v, _ := l.Lot(lot)
	assert.Equal(t, 0, v.CurrentStepIndex)
}

func TestTemplates(t *testing.T) {
	whole, err := TemplateFor(VariantWholeMilk)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 7, 8}, whole.SensorGatedIndices())

	long, err := TemplateFor(VariantLongLife)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5}, long.SensorGatedIndices())

	def, ok := whole.Step(0)
	require.True(t, ok)
	def.Locations[0] = "mutated"
	again, _ := whole.Step(0)
	assert.NotEqual(t, "mutated", again.Locations[0])

	templates := Templates()
	require.Len(t, templates, 2)
	assert.Equal(t, VariantWholeMilk, templates[0].Variant())

	_, err = loadTemplates([]byte("templates:\n  - variant: whole-milk\n    steps:\n      - name: X\n        location_tracked: true\n"))
	require.Error(t, err)
}

func TestSearchAndCompletedSteps(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateNewProcess(at(admin, 0), 3, VariantWholeMilk)
	require.NoError(t, err)

	advance(t, l, 2)
	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), 3, 0, supervisor))
	require.NoError(t, l.FailStep(ctx, at(supervisor, 2), 3, 0))

	assert.Len(t, l.Search(LotFilter{Status: LotActive}), 2)
	failed := l.Search(LotFilter{Status: LotFailed})
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(3), failed[0].LotNumber)
	assert.Empty(t, l.Search(LotFilter{LotNumber: 42}))

	steps := l.CompletedSteps(0)
	require.Len(t, steps, 1)
	assert.Equal(t, uint64(2), steps[0].LotNumber)
	assert.Equal(t, "Farm collection", steps[0].Name)
	assert.Empty(t, l.CompletedSteps(1))

	_, err = l.GetStep(2, 10)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestTakeChanges(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateNewProcess(at(admin, 0), 2, VariantWholeMilk)
	require.NoError(t, err)
	require.NoError(t, l.AssignRole(at(admin, 0), stranger, RoleOperator))

	c := l.TakeChanges()
	assert.True(t, c.Roles)
	assert.Equal(t, []uint64{1, 2}, c.Lots)

	require.Error(t, l.CompleteStep(ctx, at(supervisor, 1), 2, 0, "x"))
	c = l.TakeChanges()
	assert.False(t, c.Roles)
	assert.Empty(t, c.Lots)

	advance(t, l, 2)
	assert.Equal(t, []uint64{2}, l.TakeChanges().Lots)
}

func TestRestoreRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateNewProcess(at(admin, 0), 2, VariantLongLife)
	require.NoError(t, err)
	advance(t, l, 1)
	advance(t, l, 1)
	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), 2, 0, supervisor))
	require.NoError(t, l.FailStep(ctx, at(supervisor, 2), 2, 0))

	records, err := l.Records()
	require.NoError(t, err)

	restored := New(Config{})
	require.NoError(t, restored.Restore(l.ListAssignments(), records))
	assert.Equal(t, l.GetAllProcesses(), restored.GetAllProcesses())
	assert.Equal(t, l.ListAssignments(), restored.ListAssignments())
	assert.Empty(t, restored.TakeChanges().Lots)

	advance(t, restored, 1)
	v, _ := restored.Lot(1)
	assert.Equal(t, 3, v.CurrentStepIndex)

	records[1].LotNumber = 5
	require.Error(t, New(Config{}).Restore(l.ListAssignments(), records))
}

func TestRestoreRejectsInconsistentRecords(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateNewProcess(at(admin, 0), 2, VariantWholeMilk)
	require.NoError(t, err)
	advance(t, l, 1)
	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), 2, 0, supervisor))
	require.NoError(t, l.FailStep(ctx, at(supervisor, 2), 2, 0))

	good, err := l.Records()
	require.NoError(t, err)
	require.NoError(t, New(Config{}).Restore(l.ListAssignments(), good))

	corrupt := func(fn func(active, failed *LotRecord)) []LotRecord {
		records, err := l.Records()
		require.NoError(t, err)
		fn(&records[0], &records[1])
		return records
	}
	for name, records := range map[string][]LotRecord{
		"failed without index":     corrupt(func(_, f *LotRecord) { f.FailedStepIndex = -1 }),
		"failed index not failed":  corrupt(func(_, f *LotRecord) { f.Steps[0].Failed = false }),
		"failed index elsewhere":   corrupt(func(_, f *LotRecord) { f.FailedStepIndex = 3 }),
		"active with failed step":  corrupt(func(a, _ *LotRecord) { a.Steps[1].Failed = true }),
		"active past last step":    corrupt(func(a, _ *LotRecord) { a.CurrentStepIndex = 10 }),
		"cursor skips a step":      corrupt(func(a, _ *LotRecord) { a.CurrentStepIndex = 2 }),
		"completed with open step": corrupt(func(a, _ *LotRecord) { a.Status = LotCompleted }),
	} {
		err := New(Config{}).Restore(l.ListAssignments(), records)
		assert.Error(t, err, name)
	}
}

func TestConcurrentCompletionAppliesOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	lot := newLotNumber(t, l, VariantWholeMilk)
	require.NoError(t, l.AssignSupervisor(ctx, at(admin, 1), lot, 0, supervisor))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.CompleteStep(ctx, at(supervisor, 2), lot, 0, "Fattoria Clarkson")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrStepOutOfOrder)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	v, _ := l.Lot(lot)
	assert.Equal(t, 1, v.CurrentStepIndex)
}

func TestConcurrentCreateAndRead(t *testing.T) {
	l := newTestLedger(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.CreateNewProcess(at(admin, 0), 5, VariantWholeMilk)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			views := l.GetAllProcesses()
			for i, v := range views {
				assert.Equal(t, uint64(i+1), v.LotNumber)
			}
		}()
	}
	wg.Wait()

	views := l.GetAllProcesses()
	require.Len(t, views, 40)
	for i, v := range views {
		assert.Equal(t, uint64(i+1), v.LotNumber)
	}
}

func TestCodeOf(t *testing.T) {
	name, code := CodeOf(nil)
	assert.Equal(t, "OK", name)
	assert.Equal(t, CodeOK, code)

	l := newTestLedger(t)
	_, err := l.CreateNewProcess(at(stranger, 0), 1, VariantWholeMilk)
	name, code = CodeOf(err)
	assert.Equal(t, "Unauthorized", name)
	assert.Equal(t, CodeUnauthorized, code)

	name, code = CodeOf(assert.AnError)
	assert.Equal(t, "Internal", name)
	assert.Equal(t, CodeInternal, code)

	assert.Equal(t, "OK", CodeName(CodeOK))
	assert.Equal(t, "Malformed", CodeName(CodeMalformed))
	assert.Equal(t, "LotNotFound", CodeName(CodeLotNotFound))
	assert.Equal(t, "Internal", CodeName(999))
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress(" 0x00000000000000000000000000000000000000AB ")
	require.NoError(t, err)
	assert.Equal(t, Address("0x00000000000000000000000000000000000000ab"), a)

	for _, bad := range []string{"", "0x", "00000000000000000000000000000000000000ab00", "0xzz000000000000000000000000000000000000ab", string(zeroAddress)} {
		_, err := ParseAddress(bad)
		require.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}
