package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
	"github.com/eleven-am/procflow/internal/xjson"
)

// EventSender accepts correlated events; core.Manager implements it.
type EventSender interface {
	SendEvent(ctx context.Context, event domain.Event) ([]domain.Delivery, error)
}

// PubSub is the transport the bridge runs on.
type PubSub interface {
	message.Publisher
	message.Subscriber
}

// Bridge connects the engine to a message bus. Messages on the inbound topic
// are decoded as events and sent to the engine; lifecycle events go out on the
// lifecycle topic; events thrown by an instance that nothing in-process caught
// go out on the outbound topic.
type Bridge struct {
	config    domain.MessagingConfig
	pubsub    PubSub
	owned     bool
	router    *message.Router
	sender    EventSender
	lifecycle ports.LifecyclePublisher
	logger    *slog.Logger
	wlogger   watermill.LoggerAdapter

	mu           sync.Mutex
	subscription string
	running      bool
	done         chan struct{}
}

// NewBridge builds a bridge on pubsub, or on an in-process gochannel when
// pubsub is nil.
func NewBridge(config domain.MessagingConfig, pubsub PubSub, sender EventSender, lifecycle ports.LifecyclePublisher, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "messaging")
	wlogger := NewLoggerAdapter(logger)

	owned := false
	if pubsub == nil {
		pubsub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wlogger)
		owned = true
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, wlogger)
	if err != nil {
		return nil, domain.NewConfigurationError("failed to create message router", err, domain.WithComponent("messaging"))
	}

	b := &Bridge{
		config:    config,
		pubsub:    pubsub,
		owned:     owned,
		router:    router,
		sender:    sender,
		lifecycle: lifecycle,
		logger:    logger,
		wlogger:   wlogger,
		done:      make(chan struct{}),
	}
	router.AddNoPublisherHandler("procflow_inbound", config.InboundTopic, pubsub, b.handleInbound)
	return b, nil
}

// PubSub exposes the transport, mainly so callers of an in-process bridge can
// publish and subscribe on it.
func (b *Bridge) PubSub() PubSub {
	return b.pubsub
}

// Start runs the router and begins forwarding lifecycle events. It returns once
// the router is consuming.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return domain.NewWorkflowError("messaging bridge already started", domain.ErrAlreadyStarted, domain.WithComponent("messaging"))
	}

	if b.lifecycle != nil {
		id, err := b.lifecycle.Subscribe(nil, b.forward)
		if err != nil {
			return err
		}
		b.subscription = id
	}

	go func() {
		defer close(b.done)
		if err := b.router.Run(ctx); err != nil {
			b.logger.Error("message router stopped", "error", err)
		}
	}()

	select {
	case <-b.router.Running():
	case <-ctx.Done():
		return ctx.Err()
	}
	b.running = true
	b.logger.Info("messaging bridge started",
		"inbound_topic", b.config.InboundTopic,
		"outbound_topic", b.config.OutboundTopic,
		"lifecycle_topic", b.config.LifecycleTopic)
	return nil
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscription != "" && b.lifecycle != nil {
		_ = b.lifecycle.Unsubscribe(b.subscription)
		b.subscription = ""
	}
	err := b.router.Close()
	if b.running {
		<-b.done
		b.running = false
	}
	if b.owned {
		if cerr := b.pubsub.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Publish sends an event on the inbound topic, as an external producer would.
func (b *Bridge) Publish(event domain.Event) error {
	return b.publishJSON(b.config.InboundTopic, event, map[string]string{
		"event_type": string(event.Type),
		"event_name": event.Name,
	})
}

func (b *Bridge) handleInbound(msg *message.Message) error {
	var event domain.Event
	if err := xjson.Unmarshal(msg.Payload, &event); err != nil {
		// A malformed message is acked and dropped; redelivery cannot fix it.
		b.logger.Warn("dropping undecodable inbound message", "message_uuid", msg.UUID, "error", err)
		return nil
	}
	if event.Type == "" {
		event.Type = domain.EventType(msg.Metadata.Get("event_type"))
	}
	if event.Name == "" {
		event.Name = msg.Metadata.Get("event_name")
	}

	deliveries, err := b.sender.SendEvent(msg.Context(), event)
	if err != nil {
		if domain.IsUserFacingError(err) {
			b.logger.Warn("rejected inbound event", "message_uuid", msg.UUID, "error", err)
			return nil
		}
		return err
	}
	b.logger.Debug("inbound event dispatched",
		"message_uuid", msg.UUID,
		"event_type", event.Type,
		"event_name", event.Name,
		"deliveries", len(deliveries))
	return nil
}

func (b *Bridge) forward(event domain.LifecycleEvent) {
	meta := map[string]string{
		"lifecycle_type": string(event.Type),
		"instance_id":    event.InstanceID,
	}
	if b.config.LifecycleTopic != "" {
		if err := b.publishJSON(b.config.LifecycleTopic, event, meta); err != nil {
			b.logger.Error("failed to publish lifecycle event", "type", event.Type, "instance_id", event.InstanceID, "error", err)
		}
	}

	// Unmatched events without a sender came in from outside; echoing them
	// back out would loop.
	if event.Type != domain.LifecycleEventUnmatched || event.Event == nil || event.InstanceID == "" || b.config.OutboundTopic == "" {
		return
	}
	meta["event_type"] = string(event.Event.Type)
	meta["event_name"] = event.Event.Name
	if err := b.publishJSON(b.config.OutboundTopic, event.Event, meta); err != nil {
		b.logger.Error("failed to publish outbound event", "event_name", event.Event.Name, "instance_id", event.InstanceID, "error", err)
	}
}

func (b *Bridge) publishJSON(topic string, v interface{}, meta map[string]string) error {
	payload, err := xjson.Marshal(v)
	if err != nil {
		return domain.NewSerializationError("failed to encode message", err, domain.WithComponent("messaging"))
	}
	msg := message.NewMessage(uuid.New().String(), payload)
	for k, v := range meta {
		if v != "" {
			msg.Metadata.Set(k, v)
		}
	}
	return b.pubsub.Publish(topic, msg)
}
