package core

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	// Registry errors
	ErrCallableNotFound = errors.New("callable not found")
	ErrDuplicateLink    = errors.New("agent callable link already exists")

	// Call errors
	ErrUnserializableArguments = errors.New("arguments are not serializable")
	ErrSchemaValidation        = errors.New("arguments do not match input schema")
	ErrExecutionFailed         = errors.New("callable reported an execution error")
	ErrCircuitOpen             = errors.New("circuit breaker is open")
	ErrCancelled               = errors.New("call cancelled")
	ErrPanic                   = errors.New("call panicked")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRequestFailed      = errors.New("request failed")
)

// ErrorKind is the classification of a failure. It is the only input the
// retry controller uses to decide whether a call is re-dispatched.
type ErrorKind string

const (
	KindServer     ErrorKind = "SERVER_ERROR"
	KindValidation ErrorKind = "VALIDATION_ERROR"
	KindRateLimit  ErrorKind = "RATE_LIMIT"
	KindAuth       ErrorKind = "AUTH_ERROR"
	KindTimeout    ErrorKind = "TIMEOUT"
	KindUnknown    ErrorKind = "UNKNOWN"

	// KindExecution means the remote callable ran and reported failure.
	KindExecution ErrorKind = "EXECUTION_ERROR"
	// KindCancelled marks calls resolved by batch cancellation.
	KindCancelled ErrorKind = "CANCELLED"
)

// Terminal reports whether a failure of this kind must never be retried.
func (k ErrorKind) Terminal() bool {
	return k == KindAuth || k == KindExecution || k == KindCancelled
}

// CallError provides structured error information for a failed call.
// It implements the error interface and supports error wrapping.
type CallError struct {
	Op         string    // Operation that failed (e.g., "execution.Execute")
	Kind       ErrorKind // Classification, empty when not yet classified
	CallableID string    // Optional callable involved
	StatusCode int       // HTTP status when the failure came from the remote endpoint
	Message    string    // Human-readable message
	Err        error     // Underlying error for wrapping

	// RetryAfter carries a server supplied Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

// Error returns the string representation of the error
func (e *CallError) Error() string {
	if e.Message != "" {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s", e.Op, e.Message)
		}
		return e.Message
	}
	if e.Op != "" && e.Err != nil {
		if e.CallableID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.CallableID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *CallError) Unwrap() error {
	return e.Err
}

// NewCallError creates a new CallError
func NewCallError(op string, kind ErrorKind, err error) *CallError {
	return &CallError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// KindOf extracts the ErrorKind carried by err, or "" when none is attached.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCallableNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
