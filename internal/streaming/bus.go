package streaming

import (
	"context"
	"errors"
	"strings"

	"github.com/rendis/tradeflow/pkg/schema"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("streaming: bus closed")

// SubscriptionID identifies one subscription for Unsubscribe.
type SubscriptionID string

// Handler receives one delivered event. Returned errors are logged and
// never reach the publisher.
type Handler func(ctx context.Context, topic string, event schema.Event) error

// Bus is topic-based publish/subscribe for lifecycle and telemetry events.
type Bus interface {
	Publish(ctx context.Context, topic string, event schema.Event) error
	Subscribe(pattern string, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
}

// MatchTopic reports whether topic matches pattern. Supported patterns are
// "*" (everything), "prefix.*" (any topic starting with "prefix.") and an
// exact topic name.
func MatchTopic(pattern, topic string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == topic
	}
}
