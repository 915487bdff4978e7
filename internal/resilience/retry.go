package resilience

import (
	"context"
	"maps"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rendis/tradeflow/pkg/schema"
)

// Operation is one unit of wrapped work.
type Operation func(ctx context.Context) (any, error)

// RetryConfig configures retry-with-backoff.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay,omitempty"`
	// Jitter spreads each delay uniformly by ±Jitter (0..1) of its value.
	Jitter float64 `json:"jitter,omitempty"`
}

// DefaultRetryConfig returns the retry used for provider and action nodes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
	}
}

// Backoff returns the delay that follows the given 1-based failed attempt:
// InitialDelay × Multiplier^(attempt-1), capped at MaxDelay, before jitter.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 || c.InitialDelay <= 0 {
		return 0
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// RetryHook observes a failed attempt that is about to be retried after delay.
type RetryHook func(attempt int, delay time.Duration, err error)

// Retrier runs operations under a RetryConfig.
type Retrier struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewRetrier creates a Retrier. MaxAttempts below 1 is treated as 1.
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Retrier{config: config, sleep: WaitForBackoff, jitter: rand.Float64}
}

// Do invokes op until it succeeds, fails permanently, hits an open circuit,
// or exhausts MaxAttempts. It returns the output, the number of invocations
// and the final error. On exhaustion the last error keeps its code and gains
// an "attempts" detail.
func (r *Retrier) Do(ctx context.Context, op Operation, hook RetryHook) (any, int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, attempt, err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		if hook != nil {
			hook(attempt, delay, err)
		}
		if werr := r.sleep(ctx, delay); werr != nil {
			return nil, attempt, err
		}
	}

	return nil, r.config.MaxAttempts, withAttempts(lastErr, r.config.MaxAttempts)
}

// withAttempts copies err's structured form and records the attempt count.
// The copy wraps err, so errors.Is and errors.As still reach the original.
func withAttempts(err error, attempts int) *schema.Error {
	se := *schema.Classify(err)
	details := make(map[string]any, len(se.Details)+1)
	maps.Copy(details, se.Details)
	details["attempts"] = attempts
	se.Details = details
	se.Cause = err
	return &se
}

func (r *Retrier) delay(attempt int) time.Duration {
	d := r.config.Backoff(attempt)
	if r.config.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := (r.jitter()*2 - 1) * r.config.Jitter
	return time.Duration(float64(d) * (1 + spread))
}

// retryable excludes permanent failures, open circuits and cancellation.
func retryable(err error) bool {
	if schema.HasCode(err, schema.ErrCodeCircuitOpen) {
		return false
	}
	return schema.IsTransient(err)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
