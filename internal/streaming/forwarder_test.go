package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

func TestForwarder_RepublishesAsWatermillMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NewSlogLogger(nil))
	defer pubsub.Close()

	topic := schema.Topic(schema.TopicExecution, schema.EventNodeCompleted)
	messages, err := pubsub.Subscribe(ctx, topic)
	require.NoError(t, err)

	bus := NewMemoryBus(nil)
	fwd := NewForwarder(bus, pubsub, nil)
	require.NoError(t, fwd.Start("execution.*"))
	assert.Error(t, fwd.Start("execution.*"))

	ev := schema.Event{
		Type:          schema.EventNodeCompleted,
		WorkflowID:    "wf-1",
		NodeID:        "quote",
		Status:        string(schema.NodeStatusCompleted),
		CorrelationID: "corr-1",
	}
	require.NoError(t, bus.Publish(ctx, topic, ev))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, "wf-1", msg.Metadata.Get("workflow_id"))
		assert.Equal(t, "corr-1", msg.Metadata.Get("correlation_id"))
		assert.Equal(t, schema.EventNodeCompleted, msg.Metadata.Get("event_type"))

		var got schema.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "quote", got.NodeID)
	case <-ctx.Done():
		t.Fatal("no message forwarded")
	}

	require.NoError(t, fwd.Stop())
	require.NoError(t, fwd.Stop())
	require.NoError(t, bus.Close(ctx))
}
