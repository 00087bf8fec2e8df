package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/procflow/internal/domain"
)

func timerEvent(kind domain.TimerType, expr string) *domain.EventDefinition {
	return &domain.EventDefinition{Type: domain.EventTimer, Timer: &domain.TimerDefinition{Type: kind, Expression: expr}}
}

func paymentGraph(t *testing.T, caughtCode string) *domain.Graph {
	return mustGraph(t, "payment",
		&domain.TaskSpec{ID: "start", Kind: domain.KindStart, Outputs: []string{"charge"}},
		&domain.TaskSpec{ID: "charge", Kind: domain.KindServiceTask, Operation: "charge", Outputs: []string{"done"}},
		&domain.TaskSpec{ID: "done", Kind: domain.KindEnd},
		&domain.TaskSpec{ID: "declined", Kind: domain.KindBoundaryEvent, AttachedTo: "charge", Outputs: []string{"refund"},
			Event: &domain.EventDefinition{Type: domain.EventError, Name: caughtCode}},
		&domain.TaskSpec{ID: "refund", Kind: domain.KindScriptTask, Script: "refunded = `true`", Outputs: []string{"refunded"}},
		&domain.TaskSpec{ID: "refunded", Kind: domain.KindEnd},
	)
}

func TestErrorBoundaryCatchesBusinessError(t *testing.T) {
	tests := []struct {
		name       string
		caughtCode string
	}{
		{"matching code", "CardDeclined"},
		{"catch all", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.EngineConfig{}, paymentGraph(t, tt.caughtCode))
			require.NoError(t, f.handlers.Register("charge", func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
				return nil, &domain.BpmnError{Code: "CardDeclined", Payload: map[string]interface{}{"reason": "insufficient funds"}}
			}))
			inst := f.start("payment", nil)

			f.step(t, inst)

			assert.Equal(t, domain.ProcessCompleted, inst.Status)
			assert.Equal(t, domain.StateCancelled, only(t, inst, "charge").State)
			boundary := only(t, inst, "declined")
			assert.Equal(t, domain.StateCompleted, boundary.State)
			assert.Equal(t, "CardDeclined", boundary.InternalString(keyCaughtCode))
			assert.Empty(t, instances(inst, "done"))

			data := inst.Tree.Root().Data
			assert.Equal(t, true, data["refunded"])
			assert.Equal(t, "insufficient funds", data["reason"])
		})
	}
}

func TestUncaughtBusinessErrorFailsTask(t *testing.T) {
	f := newFixture(t, domain.EngineConfig{}, paymentGraph(t, "CardDeclined"))
	require.NoError(t, f.handlers.Register("charge", func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
		return nil, &domain.BpmnError{Code: "FraudSuspected"}
	}))
	inst := f.start("payment", nil)

	res, err := f.engine.DoEngineSteps(context.Background(), inst)
	require.Error(t, err)
	require.Len(t, res.Failed, 1)

	var be *domain.BpmnError
	require.ErrorAs(t, res.Failed[0], &be)
	assert.Equal(t, "FraudSuspected", be.Code)
	assert.Equal(t, domain.StateError, only(t, inst, "charge").State)
	assert.Equal(t, domain.StateCancelled, only(t, inst, "declined").State)
}

func raceGraph(t *testing.T) *domain.Graph {
	return mustGraph(t, "race",
		&domain.TaskSpec{ID: "start", Kind: domain.KindStart, Outputs: []string{"gw"}},
		&domain.TaskSpec{ID: "gw", Kind: domain.KindEventBasedGateway, Outputs: []string{"approved", "expired"}},
		&domain.TaskSpec{ID: "approved", Kind: domain.KindCatchEvent, Outputs: []string{"ok"},
			Event: &domain.EventDefinition{Type: domain.EventMessage, Name: "approval"}},
		&domain.TaskSpec{ID: "expired", Kind: domain.KindCatchEvent, Outputs: []string{"late"},
			Event: timerEvent(domain.TimerDuration, "PT1H")},
		&domain.TaskSpec{ID: "ok", Kind: domain.KindEnd},
		&domain.TaskSpec{ID: "late", Kind: domain.KindEnd},
	)
}

func TestEventBasedGatewayFirstEventWins(t *testing.T) {
	f := newFixture(t, domain.EngineConfig{}, raceGraph(t))
	inst := f.start("race", nil)
	f.step(t, inst)
	require.Len(t, f.store.Pending(inst.ID), 2)

	deliveries := f.store.Deliver(domain.Event{Type: domain.EventMessage, Name: "approval",
		Payload: map[string]interface{}{"approver": "kim"}})
	require.Len(t, deliveries, 1)
	require.NoError(t, f.engine.CatchEvent(inst, deliveries[0]))
	f.step(t, inst)

	assert.Equal(t, domain.ProcessCompleted, inst.Status)
	assert.Equal(t, domain.StateCancelled, only(t, inst, "expired").State)
	assert.Empty(t, instances(inst, "late"))
	assert.Empty(t, f.store.Pending(inst.ID))
	assert.Equal(t, "kim", inst.Tree.Root().Data["approver"])
}

func TestStaleDeliveryIsDropped(t *testing.T) {
	f := newFixture(t, domain.EngineConfig{}, raceGraph(t))
	inst := f.start("race", nil)
	f.step(t, inst)

	approved := only(t, inst, "approved")
	d := domain.Delivery{InstanceID: inst.ID, TaskGUID: approved.GUID,
		Event: domain.Event{Type: domain.EventMessage, Name: "approval"}}
	require.NoError(t, f.engine.CatchEvent(inst, d))
	require.NoError(t, f.engine.CatchEvent(inst, d))
	assert.Equal(t, domain.StateReady, approved.State)

	require.NoError(t, f.engine.CatchEvent(inst, domain.Delivery{InstanceID: inst.ID, TaskGUID: "gone"}))
}

func TestTimerCatchFiresWhenDue(t *testing.T) {
	g := mustGraph(t, "delay", linear(
		&domain.TaskSpec{ID: "wait", Kind: domain.KindCatchEvent, Event: timerEvent(domain.TimerDuration, "PT30S")})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("delay", nil)
	f.step(t, inst)

	pending := f.store.Pending(inst.ID)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].DueAt)
	assert.Equal(t, epoch.Add(30*time.Second), *pending[0].DueAt)

	assert.Empty(t, f.store.DueTimers(epoch.Add(29*time.Second)))
	due := f.store.DueTimers(epoch.Add(31 * time.Second))
	require.Len(t, due, 1)

	require.NoError(t, f.engine.CatchEvent(inst, due[0]))
	f.step(t, inst)

	wait := only(t, inst, "wait")
	assert.Equal(t, domain.StateCompleted, wait.State)
	assert.Equal(t, 1, wait.InternalInt(keyTimerFired))
	_, stored := wait.Internal(keyEventPayload)
	assert.True(t, stored)
	assert.NotContains(t, wait.Data, "due_at")
	assert.Equal(t, domain.ProcessCompleted, inst.Status)
}

func TestTimerExpressionResolvesFromData(t *testing.T) {
	g := mustGraph(t, "delay", linear(
		&domain.TaskSpec{ID: "wait", Kind: domain.KindCatchEvent, Event: timerEvent(domain.TimerDuration, "delay")})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("delay", map[string]interface{}{"delay": "PT5M"})
	f.step(t, inst)

	pending := f.store.Pending(inst.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, epoch.Add(5*time.Minute), *pending[0].DueAt)
}

func TestNonInterruptingCycleBoundaryRearms(t *testing.T) {
	g := mustGraph(t, "remind",
		&domain.TaskSpec{ID: "start", Kind: domain.KindStart, Outputs: []string{"review"}},
		&domain.TaskSpec{ID: "review", Kind: domain.KindUserTask, Outputs: []string{"end"}},
		&domain.TaskSpec{ID: "end", Kind: domain.KindEnd},
		&domain.TaskSpec{ID: "reminder", Kind: domain.KindBoundaryEvent, AttachedTo: "review", NonInterrupting: true,
			Outputs: []string{"nudge"}, Event: timerEvent(domain.TimerCycle, "R2/PT10S")},
		&domain.TaskSpec{ID: "nudge", Kind: domain.KindScriptTask, Script: "nudged = `true`"},
	)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("remind", nil)
	f.step(t, inst)

	for fire := 1; fire <= 2; fire++ {
		due := f.store.DueTimers(epoch.Add(time.Duration(fire) * time.Minute))
		require.Len(t, due, 1, "fire %d", fire)
		require.NoError(t, f.engine.CatchEvent(inst, due[0]))
		f.step(t, inst)
		assert.Equal(t, domain.StateReady, only(t, inst, "review").State)
		assert.Len(t, instances(inst, "nudge"), fire)
	}

	reminders := instances(inst, "reminder")
	require.Len(t, reminders, 2)
	for _, r := range reminders {
		assert.Equal(t, domain.StateCompleted, r.State)
	}
	assert.Empty(t, f.store.Pending(inst.ID))

	f.complete(t, inst, "review", nil)
	assert.Equal(t, domain.ProcessCompleted, inst.Status)
}

func TestInterruptingBoundaryCancelsActivity(t *testing.T) {
	g := mustGraph(t, "deadline",
		&domain.TaskSpec{ID: "start", Kind: domain.KindStart, Outputs: []string{"review"}},
		&domain.TaskSpec{ID: "review", Kind: domain.KindUserTask, Outputs: []string{"end"}},
		&domain.TaskSpec{ID: "end", Kind: domain.KindEnd},
		&domain.TaskSpec{ID: "overdue", Kind: domain.KindBoundaryEvent, AttachedTo: "review", Outputs: []string{"expired"},
			Event: timerEvent(domain.TimerDuration, "PT1H")},
		&domain.TaskSpec{ID: "cancelled", Kind: domain.KindBoundaryEvent, AttachedTo: "review",
			Event: &domain.EventDefinition{Type: domain.EventMessage, Name: "withdraw"}},
		&domain.TaskSpec{ID: "expired", Kind: domain.KindEnd},
	)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("deadline", nil)
	f.step(t, inst)
	require.Len(t, f.store.Pending(inst.ID), 2)

	due := f.store.DueTimers(epoch.Add(2 * time.Hour))
	require.Len(t, due, 1)
	require.NoError(t, f.engine.CatchEvent(inst, due[0]))
	f.step(t, inst)

	assert.Equal(t, domain.StateCancelled, only(t, inst, "review").State)
	assert.Equal(t, domain.StateCancelled, only(t, inst, "cancelled").State)
	assert.Empty(t, instances(inst, "end"))
	assert.Len(t, instances(inst, "expired"), 1)
	assert.Empty(t, f.store.Pending(inst.ID))
	assert.Equal(t, domain.ProcessCompleted, inst.Status)
}

func TestTerminateEndCancelsScope(t *testing.T) {
	g := mustGraph(t, "abort",
		&domain.TaskSpec{ID: "start", Kind: domain.KindStart, Outputs: []string{"fork"}},
		&domain.TaskSpec{ID: "fork", Kind: domain.KindParallelGateway, Outputs: []string{"wait", "stop"}},
		&domain.TaskSpec{ID: "wait", Kind: domain.KindUserTask, Outputs: []string{"end"}},
		&domain.TaskSpec{ID: "stop", Kind: domain.KindEnd, Event: &domain.EventDefinition{Type: domain.EventTerminate}},
		&domain.TaskSpec{ID: "end", Kind: domain.KindEnd},
	)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("abort", nil)

	res := f.step(t, inst)

	assert.True(t, res.Finished)
	assert.Equal(t, domain.ProcessTerminated, inst.Status)
	assert.Equal(t, domain.StateCancelled, only(t, inst, "wait").State)
	assert.Equal(t, domain.StateCompleted, only(t, inst, "stop").State)
}

func TestHardDeleteRemovesCancelledBranches(t *testing.T) {
	f := newFixture(t, domain.EngineConfig{HardDelete: true}, raceGraph(t))
	inst := f.start("race", nil)
	f.step(t, inst)

	approved := only(t, inst, "approved")
	require.NoError(t, f.engine.CatchEvent(inst, domain.Delivery{InstanceID: inst.ID, TaskGUID: approved.GUID,
		Event: domain.Event{Type: domain.EventMessage, Name: "approval"}}))
	f.step(t, inst)

	assert.Empty(t, instances(inst, "expired"))
	assert.Empty(t, inst.Tree.Validate())
	assert.Equal(t, domain.ProcessCompleted, inst.Status)
}

func TestMessageThrowCarriesCorrelations(t *testing.T) {
	g := mustGraph(t, "order", linear(
		&domain.TaskSpec{ID: "placed", Kind: domain.KindThrowEvent, Event: &domain.EventDefinition{
			Type: domain.EventMessage, Name: "order.placed", Payload: "{id: order_id}",
			Correlation: []domain.CorrelationProperty{{Key: "order_id", Retrieval: "order_id"}, {Key: "region", Retrieval: "region"}},
		}})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("order", map[string]interface{}{"order_id": "o-1"})
	f.step(t, inst)

	thrown := f.store.DrainOutbox()
	require.Len(t, thrown, 1)
	assert.Equal(t, inst.ID, thrown[0].InstanceID)

	ev := thrown[0].Event
	assert.Equal(t, "order.placed", ev.Name)
	assert.Equal(t, map[string]interface{}{"order_id": "o-1"}, ev.Correlations)
	assert.Equal(t, map[string]interface{}{"id": "o-1"}, ev.Payload)
	assert.Equal(t, domain.ProcessCompleted, inst.Status)
}

func TestMalformedCorrelationKeyFailsThrow(t *testing.T) {
	g := mustGraph(t, "order", linear(
		&domain.TaskSpec{ID: "placed", Kind: domain.KindThrowEvent, Event: &domain.EventDefinition{
			Type: domain.EventMessage, Name: "order.placed",
			Correlation: []domain.CorrelationProperty{{Key: "order_id", Retrieval: "order_id ||"}},
		}})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("order", map[string]interface{}{"order_id": "o-1"})

	res, err := f.engine.DoEngineSteps(context.Background(), inst)
	require.Error(t, err)
	require.Len(t, res.Failed, 1)
	assert.Empty(t, f.store.DrainOutbox())

	te := res.Failed[0]
	assert.Equal(t, "placed", te.SpecID)
	ctx := domain.GetErrorContext(te.Cause)
	require.NotNil(t, ctx)
	assert.Equal(t, correlateComponent, ctx.Component)
	assert.Equal(t, inst.ID, ctx.InstanceID)
	assert.Equal(t, "order_id", ctx.Details["key"])

	var xerr *domain.ExpressionError
	assert.ErrorAs(t, te.Cause, &xerr)
	assert.Equal(t, domain.StateError, only(t, inst, "placed").State)
}

func TestMessageCatchStoresResultVariable(t *testing.T) {
	g := mustGraph(t, "await", linear(
		&domain.TaskSpec{ID: "reply", Kind: domain.KindCatchEvent, Event: &domain.EventDefinition{
			Type: domain.EventMessage, Name: "reply", ResultVar: "answer",
			Correlation: []domain.CorrelationProperty{{Key: "ticket", Retrieval: "ticket", Expected: "ticket"}},
		}})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("await", map[string]interface{}{"ticket": "t-9"})
	f.step(t, inst)

	pending := f.store.Pending(inst.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, map[string]interface{}{"ticket": "t-9"}, pending[0].Expectations)

	assert.Empty(t, f.store.Deliver(domain.Event{Type: domain.EventMessage, Name: "reply",
		Payload: map[string]interface{}{"ticket": "t-1"}}))
	deliveries := f.store.Deliver(domain.Event{Type: domain.EventMessage, Name: "reply",
		Payload: map[string]interface{}{"ticket": "t-9", "text": "done"}})
	require.Len(t, deliveries, 1)

	require.NoError(t, f.engine.CatchEvent(inst, deliveries[0]))
	f.step(t, inst)

	answer, ok := inst.Tree.Root().Data["answer"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "done", answer["text"])
	assert.NotContains(t, inst.Tree.Root().Data, "text")
}

func TestUncaughtEscalationIsIgnored(t *testing.T) {
	g := mustGraph(t, "escalate", linear(
		&domain.TaskSpec{ID: "raise", Kind: domain.KindThrowEvent, Event: &domain.EventDefinition{Type: domain.EventEscalation, Name: "late"}})...)
	f := newFixture(t, domain.EngineConfig{}, g)
	inst := f.start("escalate", nil)

	f.step(t, inst)
	assert.Equal(t, domain.ProcessCompleted, inst.Status)
}
