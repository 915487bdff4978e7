package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func failing(calls *int) Operation {
	return func(context.Context) (any, error) {
		*calls++
		return nil, schema.TransientError("exchange unavailable")
	}
}

func TestCircuitBreaker_StartsClosedAllowsRequests(t *testing.T) {
	cb := NewCircuitBreaker("provider/quotes", DefaultBreakerConfig())
	assert.NoError(t, cb.Allow())
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("action/trade", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	calls := 0
	for i := 0; i < 2; i++ {
		_, err := cb.Do(ctx, failing(&calls))
		require.Error(t, err)
		assert.Equal(t, CircuitClosed, cb.State())
	}

	_, err := cb.Do(ctx, failing(&calls))
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())

	// The 4th call is rejected without reaching the operation.
	_, err = cb.Do(ctx, failing(&calls))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, 3, calls)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("k", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	clock := newFakeClock()
	reg := NewBreakerRegistry(nil)
	reg.now = clock.Now
	cb := reg.Get("k", BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second})

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.Error(t, cb.Allow())

	clock.Advance(time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Only one probe at a time.
	err := cb.Allow()
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopensAndResetsTimeout(t *testing.T) {
	clock := newFakeClock()
	reg := NewBreakerRegistry(nil)
	reg.now = clock.Now
	cb := reg.Get("k", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second})

	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	require.NoError(t, cb.Allow())

	assert.Equal(t, CircuitOpen, cb.RecordFailure())

	clock.Advance(5 * time.Second)
	assert.Error(t, cb.Allow(), "recovery timeout restarts from the failed probe")

	clock.Advance(5 * time.Second)
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreaker("k", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	_, err := cb.Do(context.Background(), func(context.Context) (any, error) {
		return nil, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_CancelledProbeFreesSlot(t *testing.T) {
	clock := newFakeClock()
	reg := NewBreakerRegistry(nil)
	reg.now = clock.Now
	cb := reg.Get("provider/x", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second})
	ctx := context.Background()

	cb.RecordFailure()
	clock.Advance(time.Second)

	_, err := cb.Do(ctx, func(context.Context) (any, error) {
		return nil, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	calls := 0
	for i := 0; i < 3; i++ {
		_, err := cb.Do(ctx, func(context.Context) (any, error) {
			calls++
			return "ok", nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_CancelledProbeThenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	reg := NewBreakerRegistry(nil)
	reg.now = clock.Now
	cb := reg.Get("action/trade", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second})
	ctx := context.Background()

	cb.RecordFailure()
	clock.Advance(time.Second)
	_, _ = cb.Do(ctx, func(context.Context) (any, error) { return nil, context.Canceled })

	calls := 0
	_, err := cb.Do(ctx, failing(&calls))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestBreakerRegistry_SharesPerKeyAndNotifies(t *testing.T) {
	var mu sync.Mutex
	var changes []string
	reg := NewBreakerRegistry(func(key string, from, to CircuitState) {
		mu.Lock()
		changes = append(changes, key+":"+from.String()+"->"+to.String())
		mu.Unlock()
	})

	cfg := BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute}
	a := reg.Get("provider/market_data", cfg)
	assert.Same(t, a, reg.Get("provider/market_data", cfg))

	b := reg.Get("action/trade", cfg)
	b.RecordFailure()

	states := reg.States()
	assert.Equal(t, CircuitClosed, states["provider/market_data"])
	assert.Equal(t, CircuitOpen, states["action/trade"])
	assert.Equal(t, []string{"action/trade:closed->open"}, changes)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

var errPlain = errors.New("plain failure")
