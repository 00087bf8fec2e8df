package events

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SubscribeByType(t *testing.T) {
	m := NewManager(slog.Default())

	var got []domain.LifecycleType
	_, err := m.Subscribe([]domain.LifecycleType{domain.LifecycleProcessCompleted}, func(e domain.LifecycleEvent) {
		got = append(got, e.Type)
	})
	require.NoError(t, err)

	m.Publish(domain.LifecycleEvent{Type: domain.LifecycleProcessStarted})
	m.Publish(domain.LifecycleEvent{Type: domain.LifecycleProcessCompleted})

	assert.Equal(t, []domain.LifecycleType{domain.LifecycleProcessCompleted}, got)
}

func TestManager_EmptyTypesReceivesEverything(t *testing.T) {
	m := NewManager(nil)
	count := 0
	_, err := m.Subscribe(nil, func(domain.LifecycleEvent) { count++ })
	require.NoError(t, err)

	m.Publish(domain.LifecycleEvent{Type: domain.LifecycleProcessStarted})
	m.Publish(domain.LifecycleEvent{Type: domain.LifecycleTaskFailed})
	assert.Equal(t, 2, count)
}

func TestManager_PatternMatching(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		matches bool
	}{
		{"*", "anything", true},
		{"process.*", "process.started", true},
		{"process.*", "task.completed", false},
		{"task.failed", "task.failed", true},
		{"task.failed", "task.completed", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.matches, patternMatches(tt.pattern, tt.key))
		})
	}
}

func TestManager_HandlersRunInSubscriptionOrder(t *testing.T) {
	m := NewManager(nil)
	var order []string
	_, err := m.SubscribePattern("*", func(domain.LifecycleEvent) { order = append(order, "first") })
	require.NoError(t, err)
	_, err = m.Subscribe(nil, func(domain.LifecycleEvent) { order = append(order, "second") })
	require.NoError(t, err)

	m.Publish(domain.LifecycleEvent{Type: domain.LifecycleProcessFaulted})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestManager_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	m := NewManager(nil)
	called := false
	_, err := m.Subscribe(nil, func(domain.LifecycleEvent) { panic("boom") })
	require.NoError(t, err)
	_, err = m.Subscribe(nil, func(domain.LifecycleEvent) { called = true })
	require.NoError(t, err)

	assert.NotPanics(t, func() { m.Publish(domain.LifecycleEvent{Type: domain.LifecycleProcessStarted}) })
	assert.True(t, called)
}

func TestManager_Unsubscribe(t *testing.T) {
	m := NewManager(nil)
	count := 0
	id, err := m.Subscribe(nil, func(domain.LifecycleEvent) { count++ })
	require.NoError(t, err)

	require.NoError(t, m.Unsubscribe(id))
	m.Publish(domain.LifecycleEvent{Type: domain.LifecycleProcessStarted})
	assert.Zero(t, count)

	err = m.Unsubscribe(id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestManager_ClosedRejectsSubscriptions(t *testing.T) {
	m := NewManager(nil)
	m.Close()
	_, err := m.Subscribe(nil, func(domain.LifecycleEvent) {})
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestManager_RejectsNilHandler(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Subscribe(nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
