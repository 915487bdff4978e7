package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rendis/tradeflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open before allowing a probe.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int `json:"half_open_max,omitempty"`
}

// DefaultBreakerConfig returns the breaker used for provider and action nodes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMax:      1,
	}
}

// StateObserver is notified after every breaker state change.
type StateObserver func(key string, from, to CircuitState)

// CircuitBreaker tracks consecutive failures of one dependency.
type CircuitBreaker struct {
	key    string
	config BreakerConfig
	now    func() time.Time

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
	observer            StateObserver
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(key string, config BreakerConfig) *CircuitBreaker {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreaker{key: key, config: config, now: time.Now}
}

// Allow returns nil when a call may proceed, or a CIRCUIT_OPEN error.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.config.RecoveryTimeout {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker open for %q after %d consecutive failures", cb.key, cb.consecutiveFailures).
				WithDetails(map[string]any{
					"key":                  cb.key,
					"consecutive_failures": cb.consecutiveFailures,
					"recovery_remaining":   (cb.config.RecoveryTimeout - elapsed).String(),
				})
		}
		cb.transition(CircuitHalfOpen)
		cb.halfOpenAttempts = 1 // this call is the first probe
		return nil

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: probe in flight", cb.key)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.transition(CircuitClosed)
}

// RecordFailure counts a failure and returns the resulting state.
// A failed half-open probe reopens the circuit and restarts the recovery timeout.
func (cb *CircuitBreaker) RecordFailure() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.openedAt = cb.now()
		cb.halfOpenAttempts = 0
		cb.transition(CircuitOpen)
	}
	return cb.state
}

// RecordCancelled gives back the probe slot of a half-open call the caller
// abandoned. The state is left unchanged.
func (cb *CircuitBreaker) RecordCancelled() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.halfOpenAttempts > 0 {
		cb.halfOpenAttempts--
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Do runs op if the circuit allows it and records the outcome.
// Cancellation by the caller is not counted as a failure.
func (cb *CircuitBreaker) Do(ctx context.Context, op Operation) (any, error) {
	if err := cb.Allow(); err != nil {
		return nil, err
	}
	out, err := op(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled):
		cb.RecordCancelled()
	default:
		cb.RecordFailure()
	}
	return out, err
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.observer != nil {
		cb.observer(cb.key, from, to)
	}
}

// BreakerRegistry hands out one breaker per key, e.g. "provider/market_data",
// shared by every run of the process.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	observer StateObserver
	now      func() time.Time
}

// NewBreakerRegistry creates an empty registry. observer may be nil.
func NewBreakerRegistry(observer StateObserver) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		observer: observer,
		now:      time.Now,
	}
}

// Get returns the breaker for key, creating it with config on first use.
func (r *BreakerRegistry) Get(key string, config BreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, config)
		cb.observer = r.observer
		cb.now = r.now
		r.breakers[key] = cb
	}
	return cb
}

// States returns a snapshot of every breaker state, keyed and sorted by key.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)

	out := make(map[string]CircuitState, len(keys))
	for _, k := range keys {
		r.mu.Lock()
		cb := r.breakers[k]
		r.mu.Unlock()
		out[k] = cb.State()
	}
	return out
}
