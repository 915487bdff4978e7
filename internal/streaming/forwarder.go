package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/rendis/tradeflow/pkg/schema"
)

// Forwarder republishes bus events as JSON watermill messages, bridging the
// in-process bus to an external broker. The watermill topic equals the bus topic.
type Forwarder struct {
	bus       Bus
	publisher message.Publisher
	logger    *slog.Logger

	mu  sync.Mutex
	sub SubscriptionID
}

// NewForwarder creates a Forwarder. A nil logger uses slog.Default().
func NewForwarder(bus Bus, publisher message.Publisher, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		bus:       bus,
		publisher: publisher,
		logger:    logger.With("component", "forwarder"),
	}
}

// Start subscribes to pattern on the bus.
func (f *Forwarder) Start(pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != "" {
		return fmt.Errorf("forwarder already started")
	}
	id, err := f.bus.Subscribe(pattern, f.forward)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	f.sub = id
	f.logger.Info("forwarder started", "pattern", pattern)
	return nil
}

// Stop unsubscribes from the bus. The publisher is left open for its owner.
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub == "" {
		return nil
	}
	err := f.bus.Unsubscribe(f.sub)
	f.sub = ""
	return err
}

func (f *Forwarder) forward(ctx context.Context, topic string, event schema.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("event_type", event.Type)
	if event.WorkflowID != "" {
		msg.Metadata.Set("workflow_id", event.WorkflowID)
	}
	if event.CorrelationID != "" {
		msg.Metadata.Set("correlation_id", event.CorrelationID)
	}

	if err := f.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
