package schema

import "time"

// Event type constants published on the event bus.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionHalted    = "execution_halted"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"

	EventEmergencyWarning    = "emergency_warning"
	EventEmergencyTransition = "emergency_transition"
	EventRiskLimitExceeded   = "risk_limit_exceeded"

	EventNotification = "notification"
)

// Topic prefixes used by publishers.
const (
	TopicExecution = "execution"
	TopicEmergency = "emergency"
	TopicNotify    = "notify"
)

// Topic joins a prefix and an event type into a bus topic, e.g. "execution.node_started".
func Topic(prefix, eventType string) string {
	return prefix + "." + eventType
}

// Event is the observer-facing record of a lifecycle or telemetry change.
type Event struct {
	Type            string    `json:"type"`
	WorkflowID      string    `json:"workflow_id,omitempty"`
	NodeID          string    `json:"node_id,omitempty"`
	BotID           string    `json:"bot_id,omitempty"`
	StrategyID      string    `json:"strategy_id,omitempty"`
	Status          string    `json:"status"`
	Output          any       `json:"output,omitempty"`
	ExecutionTimeMs *int64    `json:"execution_time_ms,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
}

// RunStatus is the terminal status of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusHalted    RunStatus = "halted"
)

// NodeStatus represents the lifecycle state of a node within one run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusFailed    NodeStatus = "failed"
)

// Terminal reports whether the status is final for the run.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusSkipped || s == NodeStatusFailed
}

// NodeResult is the per-node outcome recorded in an execution context.
type NodeResult struct {
	NodeID      string     `json:"node_id"`
	Status      NodeStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       *Error     `json:"error,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
