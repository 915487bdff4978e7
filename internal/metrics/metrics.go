// Package metrics holds the Prometheus collectors for workflow runs, node
// dispatch, resilience wrappers and the emergency controller.
//
// Every method is safe on a nil *Metrics, so components can be built
// without metrics in tests and embedded use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tradeflow"

// Metrics groups every tradeflow collector.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	inflightNodes  prometheus.Gauge
	nodesTotal     *prometheus.CounterVec
	nodeLatency    *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	emergencyState *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	riskViolations *prometheus.CounterVec
}

// EmergencyStates lists the label values of the emergency_state gauge.
var EmergencyStates = []string{"NORMAL", "ALERT", "HALT", "SHUTDOWN"}

// New creates and registers all collectors with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Workflow runs by terminal status",
		}, []string{"status"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a workflow run",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}),
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_nodes",
			Help:      "Node handlers currently executing",
		}),
		nodesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Resolved nodes by category and status",
		}, []string{"category", "status"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds, including retries",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"category", "status"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts by node category",
		}, []string{"category"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per handler (0 closed, 1 open, 2 half-open)",
		}, []string{"key"}),
		emergencyState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emergency_state",
			Help:      "1 for the current emergency state, 0 otherwise",
		}, []string{"state"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_transitions_total",
			Help:      "Emergency controller transitions by action",
		}, []string{"action"}),
		riskViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_violations_total",
			Help:      "Failed risk limit checks by kind",
		}, []string{"kind"}),
	}
	m.SetEmergencyState("NORMAL")
	return m
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// NodeStarted increments the in-flight gauge.
func (m *Metrics) NodeStarted() {
	if m == nil {
		return
	}
	m.inflightNodes.Inc()
}

// NodeFinished decrements the in-flight gauge.
func (m *Metrics) NodeFinished() {
	if m == nil {
		return
	}
	m.inflightNodes.Dec()
}

// ObserveNode records a resolved node. Nodes that never ran pass d == 0.
func (m *Metrics) ObserveNode(category, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodesTotal.WithLabelValues(category, status).Inc()
	if d > 0 {
		m.nodeLatency.WithLabelValues(category, status).Observe(float64(d.Milliseconds()))
	}
}

// IncRetry counts one retry attempt.
func (m *Metrics) IncRetry(category string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(category).Inc()
}

// SetBreakerState publishes a breaker state as its numeric value.
func (m *Metrics) SetBreakerState(key string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(key).Set(float64(state))
}

// SetEmergencyState marks state as current.
func (m *Metrics) SetEmergencyState(state string) {
	if m == nil {
		return
	}
	for _, s := range EmergencyStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.emergencyState.WithLabelValues(s).Set(v)
	}
}

// IncTransition counts an emergency transition.
func (m *Metrics) IncTransition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

// IncRiskViolation counts a failed risk check.
func (m *Metrics) IncRiskViolation(kind string) {
	if m == nil {
		return
	}
	m.riskViolations.WithLabelValues(kind).Inc()
}
