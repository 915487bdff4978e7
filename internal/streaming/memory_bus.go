package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/tradeflow/pkg/schema"
)

type delivery struct {
	ctx   context.Context
	topic string
	event schema.Event
}

// subscriber owns an unbounded FIFO drained by a dedicated goroutine, so a
// slow handler only delays its own queue.
type subscriber struct {
	id      SubscriptionID
	pattern string
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	stopped bool // no further enqueues
	discard bool // drop whatever is still queued
	done    chan struct{}
}

func newSubscriber(pattern string, handler Handler) *subscriber {
	s := &subscriber{
		id:      SubscriptionID(uuid.NewString()),
		pattern: pattern,
		handler: handler,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) enqueue(d delivery) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, d)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) stop(discard bool) {
	s.mu.Lock()
	s.stopped = true
	s.discard = s.discard || discard
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) next() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.discard || len(s.queue) == 0 {
		s.queue = nil
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue[0] = delivery{}
	s.queue = s.queue[1:]
	return d, true
}

func (s *subscriber) run(logger *slog.Logger) {
	defer close(s.done)
	for {
		d, ok := s.next()
		if !ok {
			return
		}
		s.deliver(logger, d)
	}
}

func (s *subscriber) deliver(logger *slog.Logger, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber panicked",
				"subscription_id", string(s.id), "topic", d.topic, "panic", fmt.Sprint(r))
		}
	}()
	if err := s.handler(d.ctx, d.topic, d.event); err != nil {
		logger.Warn("subscriber failed",
			"subscription_id", string(s.id), "topic", d.topic, "error", err)
	}
}

// MemoryBus is an in-process Bus. Publishing never blocks on subscribers;
// each subscriber observes events in publish order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscriber
	closed bool
	logger *slog.Logger
}

// NewMemoryBus creates a MemoryBus. A nil logger uses slog.Default().
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[SubscriptionID]*subscriber),
		logger: logger.With("component", "event_bus"),
	}
}

// Publish enqueues the event for every subscriber whose pattern matches topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event schema.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	d := delivery{ctx: context.WithoutCancel(ctx), topic: topic, event: event}
	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, topic) {
			sub.enqueue(d)
		}
	}
	return nil
}

// Subscribe registers handler for topics matching pattern.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) (SubscriptionID, error) {
	if pattern == "" {
		return "", fmt.Errorf("streaming: empty topic pattern")
	}
	if handler == nil {
		return "", fmt.Errorf("streaming: nil handler")
	}

	sub := newSubscriber(pattern, handler)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run(b.logger)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Events still queued for it are dropped.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "subscription %s not found", id)
	}
	sub.stop(true)
	return nil
}

// Close rejects further publishes and waits until every queued event has
// been delivered or ctx is done.
func (b *MemoryBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[SubscriptionID]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(false)
	}
	for _, s := range subs {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
