package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Collectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRun("completed", 120*time.Millisecond)
	m.ObserveRun("halted", time.Second)
	m.ObserveNode("action", "failed", 30*time.Millisecond)
	m.ObserveNode("action", "skipped", 0)
	m.IncRetry("provider")
	m.IncRetry("provider")
	m.SetBreakerState("action/trade", 1)
	m.SetEmergencyState("HALT")
	m.IncTransition("halt")
	m.IncRiskViolation("daily_loss")
	m.NodeStarted()
	m.NodeStarted()
	m.NodeFinished()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("halted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodesTotal.WithLabelValues("action", "skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retriesTotal.WithLabelValues("provider")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("action/trade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.emergencyState.WithLabelValues("HALT")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.emergencyState.WithLabelValues("NORMAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("halt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskViolations.WithLabelValues("daily_loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflightNodes))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun("completed", time.Second)
		m.ObserveNode("action", "completed", time.Second)
		m.IncRetry("action")
		m.SetBreakerState("k", 0)
		m.SetEmergencyState("NORMAL")
		m.IncTransition("pause")
		m.IncRiskViolation("position_size")
		m.NodeStarted()
		m.NodeFinished()
	})
}
