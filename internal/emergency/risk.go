package emergency

import (
	"math"

	"github.com/rendis/tradeflow/pkg/schema"
)

// Violated applies the kind-specific comparator.
//
// Loss limits are signed: a negative threshold (-500) is breached when the
// value falls to or below it, a positive one (500, loss as magnitude) when the
// value reaches it. Position size compares the absolute exposure so shorts
// count. Trade frequency and unknown kinds are plain upper bounds.
func Violated(kind string, value, threshold float64) bool {
	switch kind {
	case schema.RiskDailyLoss:
		if threshold < 0 {
			return value <= threshold
		}
		return value >= threshold
	case schema.RiskPositionSize:
		return math.Abs(value) >= math.Abs(threshold)
	default:
		return value >= threshold
	}
}

// CheckRiskLimit returns a RISK_LIMIT_EXCEEDED error when value breaches
// limit. With AutoHalt the controller enters HALT inside the same critical
// section, before the error is returned.
func (c *Controller) CheckRiskLimit(kind string, value float64, limit schema.RiskLimit) error {
	if limit.Kind == "" {
		limit.Kind = kind
	}
	if !Violated(kind, value, limit.Threshold) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	halted := false
	if limit.AutoHalt && !c.state.Blocking() {
		reason := "risk limit " + kind + " exceeded"
		if err := c.transitionLocked(ActionAutoHalt, reason); err == nil {
			halted = true
		}
	}

	c.metrics.IncRiskViolation(kind)
	c.logger.Error("risk limit exceeded",
		"kind", kind, "value", value, "threshold", limit.Threshold, "auto_halted", halted)

	details := map[string]any{
		"kind":        kind,
		"value":       value,
		"threshold":   limit.Threshold,
		"auto_halted": halted,
		"state":       string(c.state),
	}
	c.publish(schema.Topic(schema.TopicEmergency, schema.EventRiskLimitExceeded), schema.Event{
		Type:      schema.EventRiskLimitExceeded,
		Status:    string(c.state),
		Output:    details,
		Timestamp: c.now().UTC(),
	})

	return schema.NewErrorf(schema.ErrCodeRiskLimitExceeded,
		"%s %v breaches threshold %v", kind, value, limit.Threshold).
		WithDetails(details)
}
