package schema

import "time"

// EmergencyState is the process-wide trading gate.
type EmergencyState string

const (
	EmergencyNormal   EmergencyState = "NORMAL"
	EmergencyAlert    EmergencyState = "ALERT"
	EmergencyHalt     EmergencyState = "HALT"
	EmergencyShutdown EmergencyState = "SHUTDOWN"
)

// Blocking reports whether trade-executing nodes are refused in this state.
func (s EmergencyState) Blocking() bool {
	return s == EmergencyHalt || s == EmergencyShutdown
}

// Risk limit kinds with dedicated comparators.
const (
	RiskDailyLoss      = "daily_loss"
	RiskPositionSize   = "position_size"
	RiskTradeFrequency = "trade_frequency"
)

// RiskLimit bounds a monitored quantity. When AutoHalt is set a violation
// moves the emergency controller to HALT before the check returns.
type RiskLimit struct {
	Kind      string  `json:"kind"`
	Threshold float64 `json:"threshold"`
	AutoHalt  bool    `json:"auto_halt,omitempty"`
}

// EmergencyTransition is an audit record of one state change.
type EmergencyTransition struct {
	From      EmergencyState `json:"from"`
	To        EmergencyState `json:"to"`
	Action    string         `json:"action"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
