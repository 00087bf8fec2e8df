package correlation

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
	"github.com/eleven-am/procflow/internal/xjson"
)

// Thrown is an event waiting in the outbox for dispatch.
type Thrown struct {
	InstanceID string
	Event      domain.Event
}

// Store tracks waiting catches and correlation sets for every loaded instance.
// It is safe for concurrent use; the engine of one instance and the dispatcher
// of another may call it at the same time.
type Store struct {
	mu        sync.Mutex
	evaluator ports.ExpressionEvaluator
	logger    *slog.Logger

	seq     int64
	pending map[string][]*domain.PendingEvent

	sets       map[string]map[string]interface{}
	scopes     map[string]map[string]interface{}
	membership map[string]string

	inbox  map[string][]domain.Delivery
	outbox []Thrown
}

var _ ports.CorrelationPort = (*Store)(nil)

func NewStore(evaluator ports.ExpressionEvaluator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		evaluator:  evaluator,
		logger:     logger.With("component", "correlation"),
		pending:    make(map[string][]*domain.PendingEvent),
		sets:       make(map[string]map[string]interface{}),
		scopes:     make(map[string]map[string]interface{}),
		membership: make(map[string]string),
		inbox:      make(map[string][]domain.Delivery),
	}
}

// RegisterWaiting records a catch for taskGUID. Expectations are correlation values
// the catch resolved from its own data; they are bound into the instance's set.
func (s *Store) RegisterWaiting(instanceID, taskGUID string, def domain.EventDefinition, expectations map[string]interface{}, dueAt *time.Time, remaining int) error {
	if instanceID == "" || taskGUID == "" {
		return domain.NewValidationError("instance id and task guid are required", domain.ErrInvalidInput,
			domain.WithComponent("correlation"), domain.WithOperation("register"))
	}
	if def.Type == domain.EventTimer && dueAt == nil {
		return domain.NewValidationError("timer catch requires a due time", domain.ErrInvalidInput,
			domain.WithComponent("correlation"), domain.WithTask(taskGUID))
	}

	norm, err := xjson.NormalizeMap(expectations)
	if err != nil {
		return domain.NewValidationError("correlation expectations are not serializable", err, domain.WithTask(taskGUID))
	}
	if len(norm) == 0 {
		norm = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	p := &domain.PendingEvent{
		InstanceID:   instanceID,
		TaskGUID:     taskGUID,
		Definition:   def,
		Seq:          s.seq,
		Remaining:    remaining,
		Expectations: norm,
	}
	if dueAt != nil {
		due := dueAt.UTC()
		p.DueAt = &due
	}
	s.pending[taskGUID] = append(s.pending[taskGUID], p)
	s.bindLocked(instanceID, norm)

	s.logger.Debug("registered waiting catch",
		"instance_id", instanceID,
		"task_guid", taskGUID,
		"event_type", def.Type,
		"event_name", def.Name)
	return nil
}

func (s *Store) Unregister(taskGUID string) {
	s.mu.Lock()
	delete(s.pending, taskGUID)
	s.mu.Unlock()
}

// Throw binds the sender's correlation values and queues the event for dispatch.
func (s *Store) Throw(instanceID string, event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(event.Correlations) > 0 {
		if norm, err := xjson.NormalizeMap(event.Correlations); err == nil {
			event.Correlations = norm
			s.bindLocked(instanceID, norm)
		}
	}
	s.outbox = append(s.outbox, Thrown{InstanceID: instanceID, Event: event})
}

func (s *Store) DrainOutbox() []Thrown {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbox
	s.outbox = nil
	return out
}

func (s *Store) BindKeys(instanceID string, keys map[string]interface{}) {
	norm, err := xjson.NormalizeMap(keys)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.bindLocked(instanceID, norm)
	s.mu.Unlock()
}

// JoinScope promotes instanceID into a shared correlation scope. Keys already bound
// on the instance are carried into the scope when the scope has none for them.
func (s *Store) JoinScope(instanceID, scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope == "" {
		return
	}
	own := s.sets[instanceID]
	delete(s.sets, instanceID)
	s.membership[instanceID] = scope
	if s.scopes[scope] == nil {
		s.scopes[scope] = make(map[string]interface{})
	}
	for k, v := range own {
		if _, ok := s.scopes[scope][k]; !ok {
			s.scopes[scope][k] = v
		}
	}
}

// Keys returns a copy of the correlation set visible to instanceID.
func (s *Store) Keys(instanceID string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneData(s.keysLocked(instanceID, false))
}

// Pending lists the catches registered by instanceID in registration order.
func (s *Store) Pending(instanceID string) []domain.PendingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PendingEvent
	for _, p := range s.sortedLocked() {
		if p.InstanceID == instanceID {
			out = append(out, *p)
		}
	}
	return out
}

// Deliver matches event against every waiting catch. Each matched task is
// unregistered and its delivery queued on the owning instance's inbox.
func (s *Store) Deliver(event domain.Event) []domain.Delivery {
	if event.Correlations != nil {
		if norm, err := xjson.NormalizeMap(event.Correlations); err == nil {
			event.Correlations = norm
		}
	}
	if event.Payload != nil {
		if norm, err := xjson.Normalize(event.Payload); err == nil {
			event.Payload = norm
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		deliveries    []domain.Delivery
		delivered     = make(map[string]bool)
		acceptedFirst bool
	)
	for _, p := range s.sortedLocked() {
		if delivered[p.TaskGUID] || p.Definition.Type != event.Type || p.Definition.Name != event.Name {
			continue
		}
		if p.Definition.Type == domain.EventTimer {
			continue
		}

		switch {
		case event.Type == domain.EventSignal:
		case len(p.Definition.Correlation) == 0:
			if acceptedFirst {
				continue
			}
			acceptedFirst = true
		default:
			bindings, ok := s.correlateLocked(p, event)
			if !ok {
				continue
			}
			s.bindLocked(p.InstanceID, bindings)
		}

		delivered[p.TaskGUID] = true
		deliveries = append(deliveries, s.deliverLocked(p, event))
	}

	if len(deliveries) == 0 {
		s.logger.Debug("event did not correlate", "event_type", event.Type, "event_name", event.Name)
	}
	return deliveries
}

// DueTimers fires every timer catch due at or before now, earliest first.
func (s *Store) DueTimers(now time.Time) []domain.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.PendingEvent
	for _, p := range s.sortedLocked() {
		if p.Definition.Type == domain.EventTimer && p.DueAt != nil && !p.DueAt.After(now) {
			due = append(due, p)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].DueAt.Before(*due[j].DueAt) })

	var deliveries []domain.Delivery
	fired := make(map[string]bool)
	for _, p := range due {
		if fired[p.TaskGUID] {
			continue
		}
		fired[p.TaskGUID] = true
		event := domain.Event{
			Type: domain.EventTimer,
			Name: p.Definition.Name,
			Payload: map[string]interface{}{
				"due_at":   p.DueAt.Format(time.RFC3339Nano),
				"fired_at": now.UTC().Format(time.RFC3339Nano),
			},
		}
		deliveries = append(deliveries, s.deliverLocked(p, event))
	}
	return deliveries
}

// NextDue returns the earliest pending timer due time.
func (s *Store) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, list := range s.pending {
		for _, p := range list {
			if p.DueAt != nil && (!found || p.DueAt.Before(next)) {
				next, found = *p.DueAt, true
			}
		}
	}
	return next, found
}

func (s *Store) TakeInbox(instanceID string) []domain.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbox[instanceID]
	delete(s.inbox, instanceID)
	return out
}

// Requeue puts deliveries back at the head of the inbox.
func (s *Store) Requeue(instanceID string, deliveries []domain.Delivery) {
	if len(deliveries) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox[instanceID] = append(append([]domain.Delivery(nil), deliveries...), s.inbox[instanceID]...)
}

// InboxInstances lists instances with queued deliveries, sorted.
func (s *Store) InboxInstances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inbox))
	for id, list := range s.inbox {
		if len(list) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Export captures the slice of store state owned by instanceID.
func (s *Store) Export(instanceID string) domain.CorrelationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := domain.CorrelationState{
		Scope: s.membership[instanceID],
		Keys:  domain.CloneData(s.keysLocked(instanceID, false)),
	}
	for _, p := range s.sortedLocked() {
		if p.InstanceID == instanceID {
			state.Pending = append(state.Pending, *p)
		}
	}
	state.Inbox = append(state.Inbox, s.inbox[instanceID]...)
	if len(state.Keys) == 0 {
		state.Keys = nil
	}
	return state
}

// Import restores state exported for instanceID, replacing what the store held for it.
func (s *Store) Import(instanceID string, state domain.CorrelationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(instanceID)

	if state.Scope != "" {
		s.membership[instanceID] = state.Scope
		if s.scopes[state.Scope] == nil {
			s.scopes[state.Scope] = make(map[string]interface{})
		}
	}
	s.bindLocked(instanceID, state.Keys)

	for i := range state.Pending {
		p := state.Pending[i]
		p.InstanceID = instanceID
		if p.Seq > s.seq {
			s.seq = p.Seq
		}
		s.pending[p.TaskGUID] = append(s.pending[p.TaskGUID], &p)
	}
	if len(state.Inbox) > 0 {
		s.inbox[instanceID] = append([]domain.Delivery(nil), state.Inbox...)
	}
}

// Forget drops all state held for instanceID. Shared scopes survive.
func (s *Store) Forget(instanceID string) {
	s.mu.Lock()
	s.forgetLocked(instanceID)
	s.mu.Unlock()
}

func (s *Store) forgetLocked(instanceID string) {
	for guid, list := range s.pending {
		kept := list[:0]
		for _, p := range list {
			if p.InstanceID != instanceID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(s.pending, guid)
		} else {
			s.pending[guid] = kept
		}
	}
	delete(s.sets, instanceID)
	delete(s.membership, instanceID)
	delete(s.inbox, instanceID)
}

func (s *Store) deliverLocked(p *domain.PendingEvent, event domain.Event) domain.Delivery {
	delete(s.pending, p.TaskGUID)
	d := domain.Delivery{InstanceID: p.InstanceID, TaskGUID: p.TaskGUID, Event: event}
	s.inbox[p.InstanceID] = append(s.inbox[p.InstanceID], d)
	return d
}

// correlateLocked checks every correlation property of p against event and returns
// the values that would be newly bound.
func (s *Store) correlateLocked(p *domain.PendingEvent, event domain.Event) (map[string]interface{}, bool) {
	keys := s.keysLocked(p.InstanceID, false)
	bindings := make(map[string]interface{})
	for _, prop := range p.Definition.Correlation {
		value, ok := s.extract(prop, event)
		if !ok {
			return nil, false
		}
		if expected, ok := p.Expectations[prop.Key]; ok && !equalValues(expected, value) {
			return nil, false
		}
		if bound, ok := keys[prop.Key]; ok && !equalValues(bound, value) {
			return nil, false
		}
		if _, ok := keys[prop.Key]; !ok {
			bindings[prop.Key] = value
		}
	}
	return bindings, true
}

// extract reads a correlation value from the event's resolved correlations, or from
// the payload through the property's retrieval expression.
func (s *Store) extract(prop domain.CorrelationProperty, event domain.Event) (interface{}, bool) {
	if v, ok := event.Correlations[prop.Key]; ok {
		return v, true
	}
	payload, ok := event.Payload.(map[string]interface{})
	if !ok || s.evaluator == nil {
		return nil, false
	}
	retrieval := prop.Retrieval
	if retrieval == "" {
		retrieval = prop.Key
	}
	v, err := s.evaluator.Evaluate(retrieval, payload)
	if err != nil {
		s.logger.Debug("correlation retrieval skipped", "key", prop.Key, "retrieval", retrieval, "error", err)
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

func (s *Store) keysLocked(instanceID string, create bool) map[string]interface{} {
	if scope, ok := s.membership[instanceID]; ok {
		if s.scopes[scope] == nil && create {
			s.scopes[scope] = make(map[string]interface{})
		}
		return s.scopes[scope]
	}
	if s.sets[instanceID] == nil && create {
		s.sets[instanceID] = make(map[string]interface{})
	}
	return s.sets[instanceID]
}

// bindLocked sets unbound keys; bound keys never change.
func (s *Store) bindLocked(instanceID string, values map[string]interface{}) {
	if len(values) == 0 {
		return
	}
	keys := s.keysLocked(instanceID, true)
	for k, v := range values {
		if bound, ok := keys[k]; ok {
			if !equalValues(bound, v) {
				s.logger.Warn("correlation key already bound",
					"instance_id", instanceID,
					"key", k)
			}
			continue
		}
		keys[k] = v
	}
}

func (s *Store) sortedLocked() []*domain.PendingEvent {
	var out []*domain.PendingEvent
	for _, list := range s.pending {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func equalValues(a, b interface{}) bool {
	na, err := xjson.Normalize(a)
	if err != nil {
		return false
	}
	nb, err := xjson.Normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}
