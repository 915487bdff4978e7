package resilience

import (
	"context"
	"time"

	"github.com/rendis/tradeflow/pkg/schema"
)

// PolicyConfig selects the wrappers applied to one node category.
// A nil Retry or Breaker and a zero Timeout leave that wrapper out.
type PolicyConfig struct {
	Retry   *RetryConfig   `json:"retry,omitempty"`
	Breaker *BreakerConfig `json:"breaker,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty"`
}

// DefaultTimeout bounds provider and action handler calls.
const DefaultTimeout = 10 * time.Second

// DefaultPolicies returns the per-category defaults: provider and action
// nodes get retry, breaker and timeout; the rest run unwrapped.
func DefaultPolicies() map[schema.Category]PolicyConfig {
	wrapped := func() PolicyConfig {
		r := DefaultRetryConfig()
		b := DefaultBreakerConfig()
		return PolicyConfig{Retry: &r, Breaker: &b, Timeout: DefaultTimeout}
	}
	return map[schema.Category]PolicyConfig{
		schema.CategoryProvider:  wrapped(),
		schema.CategoryAction:    wrapped(),
		schema.CategoryTrigger:   {},
		schema.CategoryCondition: {},
		schema.CategoryRisk:      {},
	}
}

// Policy composes timeout → circuit breaker → retry around an operation:
// every retry attempt passes through the breaker and is individually bounded
// by the timeout.
type Policy struct {
	config   PolicyConfig
	breakers *BreakerRegistry
	retrier  *Retrier
}

// NewPolicy builds a Policy. breakers may be nil when config has no Breaker.
func NewPolicy(config PolicyConfig, breakers *BreakerRegistry) *Policy {
	p := &Policy{config: config, breakers: breakers}
	if config.Retry != nil {
		p.retrier = NewRetrier(*config.Retry)
	}
	if config.Breaker != nil && breakers == nil {
		p.breakers = NewBreakerRegistry(nil)
	}
	return p
}

// CallOption customizes a single Policy.Do call.
type CallOption func(*callOptions)

type callOptions struct {
	onRetry RetryHook
	timeout time.Duration
}

// OnRetry registers a hook invoked before each retry wait.
func OnRetry(hook RetryHook) CallOption {
	return func(o *callOptions) { o.onRetry = hook }
}

// WithTimeoutOverride replaces the configured timeout for this call.
func WithTimeoutOverride(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Do runs op under the policy. key selects the shared circuit breaker.
// It returns the output, the number of attempts and the final error.
func (p *Policy) Do(ctx context.Context, key string, op Operation, opts ...CallOption) (any, int, error) {
	co := callOptions{timeout: p.config.Timeout}
	for _, o := range opts {
		o(&co)
	}

	attempt := func(ctx context.Context) (any, error) {
		return WithTimeout(ctx, co.timeout, op)
	}
	if p.config.Breaker != nil {
		cb := p.breakers.Get(key, *p.config.Breaker)
		bounded := attempt
		attempt = func(ctx context.Context) (any, error) {
			return cb.Do(ctx, bounded)
		}
	}

	if p.retrier == nil {
		out, err := attempt(ctx)
		return out, 1, err
	}
	return p.retrier.Do(ctx, attempt, co.onRetry)
}

// Breakers exposes the registry backing this policy.
func (p *Policy) Breakers() *BreakerRegistry {
	return p.breakers
}
