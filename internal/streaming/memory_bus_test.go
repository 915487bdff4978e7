package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

type collector struct {
	mu     sync.Mutex
	events []schema.Event
	topics []string
}

func (c *collector) handle(_ context.Context, topic string, e schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	c.topics = append(c.topics, topic)
	return nil
}

func (c *collector) snapshot() ([]string, []schema.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...), append([]schema.Event(nil), c.events...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "execution.node_started", true},
		{"execution.*", "execution.node_started", true},
		{"execution.*", "emergency.halt", false},
		{"execution.*", "execution", false},
		{"trade.*", "trade.fill.partial", true},
		{"execution.node_started", "execution.node_started", true},
		{"execution.node_started", "execution.node_completed", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestMemoryBus_DeliversToMatchingSubscribers(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	var all, exec, exact collector
	_, err := bus.Subscribe("*", all.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("execution.*", exec.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("emergency.halt", exact.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "execution.node_started", schema.Event{Type: schema.EventNodeStarted}))
	require.NoError(t, bus.Publish(ctx, "emergency.halt", schema.Event{Type: schema.EventEmergencyTransition}))
	require.NoError(t, bus.Close(ctx))

	assert.Equal(t, 2, all.len())
	assert.Equal(t, 1, exec.len())
	topics, _ := exact.snapshot()
	assert.Equal(t, []string{"emergency.halt"}, topics)
}

func TestMemoryBus_PreservesPublishOrder(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	var c collector
	_, err := bus.Subscribe("execution.*", c.handle)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		require.NoError(t, bus.Publish(ctx, "execution.node_completed", schema.Event{NodeID: fmt.Sprintf("n%03d", i)}))
	}
	require.NoError(t, bus.Close(ctx))

	_, events := c.snapshot()
	require.Len(t, events, 200)
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("n%03d", i), e.NodeID)
	}
}

func TestMemoryBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	release := make(chan struct{})
	_, err := bus.Subscribe("*", func(context.Context, string, schema.Event) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	var fast collector
	_, err = bus.Subscribe("*", fast.handle)
	require.NoError(t, err)

	published := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = bus.Publish(ctx, "execution.x", schema.Event{})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.Eventually(t, func() bool { return fast.len() == 10 }, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, bus.Close(ctx))
}

func TestMemoryBus_PanicAndErrorDoNotStopDelivery(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	calls := 0
	_, err := bus.Subscribe("*", func(context.Context, string, schema.Event) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return errors.New("handler failed")
	})
	require.NoError(t, err)

	var other collector
	_, err = bus.Subscribe("*", other.handle)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, "execution.x", schema.Event{}))
	}
	require.NoError(t, bus.Close(ctx))

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, other.len())
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	var c collector
	id, err := bus.Subscribe("*", c.handle)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "a.b", schema.Event{}))
	assert.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Unsubscribe(id))
	require.NoError(t, bus.Publish(ctx, "a.b", schema.Event{}))
	require.NoError(t, bus.Close(ctx))
	assert.Equal(t, 1, c.len())

	err = bus.Unsubscribe(id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestMemoryBus_ClosedRejects(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()
	require.NoError(t, bus.Close(ctx))
	require.NoError(t, bus.Close(ctx))

	assert.ErrorIs(t, bus.Publish(ctx, "a.b", schema.Event{}), ErrBusClosed)
	_, err := bus.Subscribe("*", func(context.Context, string, schema.Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestMemoryBus_SubscribeValidation(t *testing.T) {
	bus := NewMemoryBus(nil)
	_, err := bus.Subscribe("", func(context.Context, string, schema.Event) error { return nil })
	assert.Error(t, err)
	_, err = bus.Subscribe("*", nil)
	assert.Error(t, err)
}
