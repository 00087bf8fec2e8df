package events

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
	"github.com/google/uuid"
)

// Manager fans lifecycle events out to in-process subscribers. Handlers run
// synchronously on the publishing goroutine in subscription order; a panicking
// handler is logged and skipped.
type Manager struct {
	logger *slog.Logger

	mu            sync.RWMutex
	seq           int64
	subscriptions map[string]*subscription
	closed        bool
}

type subscription struct {
	id      string
	seq     int64
	pattern string
	types   map[domain.LifecycleType]bool
	handler ports.LifecycleHandler
}

var _ ports.LifecyclePublisher = (*Manager)(nil)

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:        logger.With("component", "event-manager"),
		subscriptions: make(map[string]*subscription),
	}
}

// Subscribe registers handler for the given types, or for every type when
// types is empty.
func (m *Manager) Subscribe(types []domain.LifecycleType, handler ports.LifecycleHandler) (string, error) {
	set := make(map[domain.LifecycleType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return m.add(&subscription{types: set, handler: handler})
}

// SubscribePattern registers handler for types matching pattern. A trailing
// "*" matches by prefix, so "process.*" receives every process event.
func (m *Manager) SubscribePattern(pattern string, handler ports.LifecycleHandler) (string, error) {
	if pattern == "" {
		return "", domain.NewValidationError("subscription pattern is required", domain.ErrInvalidInput,
			domain.WithComponent("event-manager"))
	}
	return m.add(&subscription{pattern: pattern, handler: handler})
}

func (m *Manager) add(sub *subscription) (string, error) {
	if sub.handler == nil {
		return "", domain.NewValidationError("subscription handler is required", domain.ErrInvalidInput,
			domain.WithComponent("event-manager"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", domain.NewWorkflowError("event manager is closed", domain.ErrClosed,
			domain.WithComponent("event-manager"))
	}
	m.seq++
	sub.id = uuid.New().String()
	sub.seq = m.seq
	m.subscriptions[sub.id] = sub
	return sub.id, nil
}

func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[id]; !ok {
		return domain.NewValidationError("subscription not found", domain.ErrNotFound,
			domain.WithComponent("event-manager"), domain.WithDetail("subscription_id", id))
	}
	delete(m.subscriptions, id)
	return nil
}

func (m *Manager) Publish(event domain.LifecycleEvent) {
	for _, sub := range m.matching(event.Type) {
		m.safeCall(event, sub.handler)
	}
}

// Close drops every subscription; later publishes are no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subscriptions = make(map[string]*subscription)
}

func (m *Manager) matching(t domain.LifecycleType) []*subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		if sub.matches(t) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *subscription) matches(t domain.LifecycleType) bool {
	if s.pattern != "" {
		return patternMatches(s.pattern, string(t))
	}
	return len(s.types) == 0 || s.types[t]
}

func patternMatches(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

func (m *Manager) safeCall(event domain.LifecycleEvent, handler ports.LifecycleHandler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "panic", r, "event_type", event.Type, "instance_id", event.InstanceID)
		}
	}()
	handler(event)
}
