// Package emergency implements the process-wide trading kill-switch.
//
// A single Controller is created at process start in NORMAL and injected by
// reference into every executor. All transitions, including the automatic
// halt triggered by a failed risk check, are serialized by one mutex.
package emergency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/tradeflow/internal/metrics"
	"github.com/rendis/tradeflow/internal/streaming"
	"github.com/rendis/tradeflow/pkg/schema"
)

// Transition action names, also used as the topic suffix "emergency.<action>".
const (
	ActionPause         = "pause"
	ActionHalt          = "halt"
	ActionResume        = "resume"
	ActionEmergencyHalt = "emergency_halt"
	ActionOverride      = "override"
	ActionAutoHalt      = "auto_halt"
)

// ValidTransitions maps each action to the states it may be applied from and
// the state it leads to.
var ValidTransitions = map[string]struct {
	From []schema.EmergencyState
	To   schema.EmergencyState
}{
	ActionPause:         {From: []schema.EmergencyState{schema.EmergencyNormal}, To: schema.EmergencyAlert},
	ActionHalt:          {From: []schema.EmergencyState{schema.EmergencyNormal, schema.EmergencyAlert}, To: schema.EmergencyHalt},
	ActionAutoHalt:      {From: []schema.EmergencyState{schema.EmergencyNormal, schema.EmergencyAlert}, To: schema.EmergencyHalt},
	ActionResume:        {From: []schema.EmergencyState{schema.EmergencyAlert, schema.EmergencyHalt}, To: schema.EmergencyNormal},
	ActionEmergencyHalt: {From: []schema.EmergencyState{schema.EmergencyNormal, schema.EmergencyAlert, schema.EmergencyHalt}, To: schema.EmergencyShutdown},
	ActionOverride:      {From: []schema.EmergencyState{schema.EmergencyShutdown}, To: schema.EmergencyNormal},
}

// Controller is the emergency state machine.
type Controller struct {
	mu      sync.Mutex
	state   schema.EmergencyState
	halted  chan struct{} // closed while HALT or SHUTDOWN
	history []schema.EmergencyTransition

	bus     streaming.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithBus publishes every transition on the bus.
func WithBus(bus streaming.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithMetrics reports state and transition counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a controller in NORMAL.
func New(opts ...Option) *Controller {
	c := &Controller{
		state:  schema.EmergencyNormal,
		halted: make(chan struct{}),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "emergency")
	c.metrics.SetEmergencyState(string(c.state))
	return c
}

// State returns the current state.
func (c *Controller) State() schema.EmergencyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel that is closed once the controller enters HALT or
// SHUTDOWN. After a resume a fresh channel is handed out.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// History returns every applied transition in order.
func (c *Controller) History() []schema.EmergencyTransition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.EmergencyTransition, len(c.history))
	copy(out, c.history)
	return out
}

// Pause moves NORMAL to ALERT: trading continues with warnings.
func (c *Controller) Pause(reason string) error {
	return c.apply(ActionPause, reason)
}

// Halt blocks trading until Resume.
func (c *Controller) Halt(reason string) error {
	return c.apply(ActionHalt, reason)
}

// Resume returns ALERT or HALT to NORMAL. It is rejected in SHUTDOWN.
func (c *Controller) Resume(reason string) error {
	return c.apply(ActionResume, reason)
}

// EmergencyHalt moves any state to SHUTDOWN. Calling it in SHUTDOWN is a no-op.
func (c *Controller) EmergencyHalt(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == schema.EmergencyShutdown {
		return nil
	}
	return c.transitionLocked(ActionEmergencyHalt, reason)
}

// Override is the administrative exit from SHUTDOWN back to NORMAL.
func (c *Controller) Override(reason string) error {
	return c.apply(ActionOverride, reason)
}

// Permit reports whether a node may be dispatched now. Only trading nodes of
// the action and provider categories are gated; they are refused with
// EMERGENCY_HALTED in HALT and SHUTDOWN. The observed state is returned so
// callers can warn in ALERT.
func (c *Controller) Permit(category schema.Category, trading bool) (schema.EmergencyState, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if !trading || (category != schema.CategoryAction && category != schema.CategoryProvider) {
		return state, nil
	}
	if state.Blocking() {
		return state, schema.NewErrorf(schema.ErrCodeEmergencyHalted,
			"trading blocked: emergency state is %s", state).
			WithDetails(map[string]any{"state": string(state), "category": string(category)})
	}
	return state, nil
}

func (c *Controller) apply(action, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(action, reason)
}

// transitionLocked must be called with c.mu held.
func (c *Controller) transitionLocked(action, reason string) error {
	rule, ok := ValidTransitions[action]
	if !ok || !stateIn(c.state, rule.From) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot %s from %s", action, c.state).
			WithDetails(map[string]any{"action": action, "state": string(c.state)})
	}

	from := c.state
	c.state = rule.To
	switch {
	case rule.To.Blocking() && !from.Blocking():
		close(c.halted)
	case !rule.To.Blocking() && from.Blocking():
		c.halted = make(chan struct{})
	}

	tr := schema.EmergencyTransition{
		From:      from,
		To:        rule.To,
		Action:    action,
		Reason:    reason,
		Timestamp: c.now().UTC(),
	}
	c.history = append(c.history, tr)

	c.metrics.SetEmergencyState(string(rule.To))
	c.metrics.IncTransition(action)
	c.logger.Warn("emergency transition",
		"action", action, "from", string(from), "to", string(rule.To), "reason", reason)

	// Published under the lock so observers see transitions in order.
	c.publish(schema.Topic(schema.TopicEmergency, action), schema.Event{
		Type:      schema.EventEmergencyTransition,
		Status:    string(rule.To),
		Output:    tr,
		Timestamp: tr.Timestamp,
	})
	return nil
}

func (c *Controller) publish(topic string, e schema.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(context.Background(), topic, e); err != nil {
		c.logger.Warn("publish emergency event", "topic", topic, "error", err)
	}
}

func stateIn(s schema.EmergencyState, set []schema.EmergencyState) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
