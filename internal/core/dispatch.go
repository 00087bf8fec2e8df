package core

import (
	"context"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
)

// maxDispatchRounds bounds ping-pong between instances that keep throwing at
// each other; whatever is left stays queued for the next call.
const maxDispatchRounds = 64

// SendEvent correlates an external event against every waiting catch of the
// loaded instances and steps each instance that received a delivery.
func (m *Manager) SendEvent(ctx context.Context, event domain.Event) ([]domain.Delivery, error) {
	if event.Type == "" || (event.Name == "" && event.Type != domain.EventSignal && event.Type != domain.EventTimer) {
		return nil, newManagerValidationError("send_event", "event type and name are required", domain.ErrInvalidInput,
			domain.WithDetail("event_type", string(event.Type)))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deliveries := m.deliver("", event)
	m.dispatch(ctx)
	return deliveries, nil
}

// RefreshWaitingTasks fires every timer due at or before now and steps the
// instances that own them. It returns the number of timers fired.
func (m *Manager) RefreshWaitingTasks(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	due := m.correlation.DueTimers(now)
	for range due {
		m.recorder.RecordDelivery(domain.EventTimer, 1)
	}
	if len(due) > 0 {
		m.logger.Debug("timers fired", "count", len(due), "now", now)
	}
	m.dispatch(ctx)
	return len(due), nil
}

// NextTimer reports the earliest pending timer due time.
func (m *Manager) NextTimer() (time.Time, bool) {
	return m.correlation.NextDue()
}

// JoinScope moves a loaded instance into a shared correlation scope.
func (m *Manager) JoinScope(ctx context.Context, id, scope string) error {
	return m.withInstance(ctx, id, func(inst *domain.ProcessInstance) (bool, error) {
		m.correlation.JoinScope(inst.ID, scope)
		return true, nil
	})
}

// CorrelationKeys returns the correlation set visible to the instance.
func (m *Manager) CorrelationKeys(id string) map[string]interface{} {
	return m.correlation.Keys(id)
}

func (m *Manager) deliver(sender string, event domain.Event) []domain.Delivery {
	deliveries := m.correlation.Deliver(event)
	m.recorder.RecordDelivery(event.Type, len(deliveries))
	if len(deliveries) == 0 {
		ev := event
		m.publish(domain.LifecycleEvent{Type: domain.LifecycleEventUnmatched, InstanceID: sender, Event: &ev})
	}
	return deliveries
}

// dispatch drains thrown events and applies queued deliveries until nothing
// moves. Deliveries for a locked or non-running instance stay in its inbox.
func (m *Manager) dispatch(ctx context.Context) {
	for round := 0; round < maxDispatchRounds; round++ {
		if ctx.Err() != nil {
			return
		}
		thrown := m.correlation.DrainOutbox()
		for _, t := range thrown {
			m.deliver(t.InstanceID, t.Event)
		}

		progressed := false
		for _, id := range m.correlation.InboxInstances() {
			if m.apply(ctx, id) {
				progressed = true
			}
		}
		if !progressed && len(thrown) == 0 {
			return
		}
	}
	m.logger.Warn("dispatch stopped before reaching quiescence", "rounds", maxDispatchRounds)
}

func (m *Manager) apply(ctx context.Context, id string) bool {
	owner, err := m.lock(ctx, id)
	if err != nil {
		return false
	}
	defer m.unlock(id, owner)

	inst, ok := m.loaded(id)
	if !ok || inst.Status != domain.ProcessRunning {
		return false
	}
	if _, err := m.step(ctx, inst, nil); err != nil {
		m.logger.Warn("step after delivery reported errors", append(errorLogAttrs(err), "instance_id", id)...)
	}
	if err := m.persist(ctx, inst); err != nil {
		m.logger.Error("failed to persist instance after delivery", append(errorLogAttrs(err), "instance_id", id)...)
	}
	return true
}
