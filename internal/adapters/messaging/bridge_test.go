package messaging

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/procflow/internal/adapters/events"
	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/xjson"
)

type recordingSender struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSender) SendEvent(ctx context.Context, event domain.Event) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil, nil
}

func (s *recordingSender) received() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBridge(t *testing.T) (*Bridge, *recordingSender, *events.Manager) {
	t.Helper()
	sender := &recordingSender{}
	hub := events.NewManager(testLogger())
	b, err := NewBridge(domain.DefaultMessagingConfig(), nil, sender, hub, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, b.Close())
		cancel()
	})
	return b, sender, hub
}

func subscribe(t *testing.T, b *Bridge, topic string) <-chan *message.Message {
	t.Helper()
	ch, err := b.PubSub().Subscribe(context.Background(), topic)
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBridgeFeedsInboundEventsToSender(t *testing.T) {
	b, sender, _ := startBridge(t)

	require.NoError(t, b.Publish(domain.Event{Type: domain.EventMessage, Name: "order.paid",
		Payload: map[string]interface{}{"order_id": "o-1"}}))

	require.Eventually(t, func() bool { return len(sender.received()) == 1 }, 3*time.Second, 20*time.Millisecond)
	got := sender.received()[0]
	assert.Equal(t, domain.EventMessage, got.Type)
	assert.Equal(t, "order.paid", got.Name)
	assert.Equal(t, map[string]interface{}{"order_id": "o-1"}, got.Payload)
}

func TestBridgeForwardsLifecycleEvents(t *testing.T) {
	b, _, hub := startBridge(t)
	ch := subscribe(t, b, domain.DefaultMessagingConfig().LifecycleTopic)

	hub.Publish(domain.LifecycleEvent{Type: domain.LifecycleProcessCompleted, InstanceID: "p1", Status: domain.ProcessCompleted})

	msg := receive(t, ch)
	assert.Equal(t, "process.completed", msg.Metadata.Get("lifecycle_type"))
	var ev domain.LifecycleEvent
	require.NoError(t, xjson.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, "p1", ev.InstanceID)
	assert.Equal(t, domain.ProcessCompleted, ev.Status)
}

func TestBridgePublishesUnmatchedThrowsOutbound(t *testing.T) {
	b, _, hub := startBridge(t)
	ch := subscribe(t, b, domain.DefaultMessagingConfig().OutboundTopic)

	hub.Publish(domain.LifecycleEvent{Type: domain.LifecycleEventUnmatched, InstanceID: "p1",
		Event: &domain.Event{Type: domain.EventMessage, Name: "invoice.sent"}})

	msg := receive(t, ch)
	assert.Equal(t, "invoice.sent", msg.Metadata.Get("event_name"))
	var ev domain.Event
	require.NoError(t, xjson.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, "invoice.sent", ev.Name)
}

func TestBridgeDropsUndecodableMessages(t *testing.T) {
	b, sender, _ := startBridge(t)

	require.NoError(t, b.PubSub().Publish(domain.DefaultMessagingConfig().InboundTopic,
		message.NewMessage("bad", []byte("not json"))))
	require.NoError(t, b.Publish(domain.Event{Type: domain.EventSignal, Name: "go"}))

	require.Eventually(t, func() bool { return len(sender.received()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "go", sender.received()[0].Name)
}
