package schema

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeGraph             = "GRAPH_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNode              = "NODE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRiskLimitExceeded = "RISK_LIMIT_EXCEEDED"
	ErrCodeEmergencyHalted   = "EMERGENCY_HALTED"
	ErrCodeUpstreamFailed    = "UPSTREAM_FAILED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeHandlerNotFound   = "HANDLER_NOT_FOUND"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// Error is the structured error type shared by every tradeflow component.
// Transient marks failures that a retry policy may attempt again.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	NodeID    string         `json:"node_id,omitempty"`
	Transient bool           `json:"transient,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TransientError is a retry-eligible handler failure.
func TransientError(format string, args ...any) *Error {
	return &Error{Code: ErrCodeNode, Message: fmt.Sprintf(format, args...), Transient: true}
}

// PermanentError is a handler failure that must not be retried.
func PermanentError(format string, args ...any) *Error {
	return &Error{Code: ErrCodeNode, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsTransient marks the error as retry-eligible.
func (e *Error) AsTransient() *Error {
	e.Transient = true
	return e
}

// HasCode reports whether err (or anything it wraps) is an *Error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Code == code {
		return true
	}
	return e.Cause != nil && HasCode(e.Cause, code)
}

// IsTransient reports whether err is eligible for retry.
//
// Structured errors carry their own classification. Deadline expiry is
// transient, cancellation is not, and anything else unknown is treated as
// transient so that the retry budget bounds it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Classify converts any error into an *Error, preserving structured errors
// and wrapping everything else as a NODE_ERROR with the inferred transience.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrCodeTimeout, err.Error()).AsTransient().WithCause(err)
	}
	return &Error{
		Code:      ErrCodeNode,
		Message:   err.Error(),
		Transient: IsTransient(err),
		Cause:     err,
	}
}
