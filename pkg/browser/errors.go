package browser

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable    = errors.New("browser runtime unavailable")
	ErrSessionClosed  = errors.New("browser session closed")
	ErrSessionExists  = errors.New("browser session already exists")
	ErrNoSession      = errors.New("no active browser session")
	ErrQueryTimeout   = errors.New("query timed out")
	ErrInvalidMessage = errors.New("invalid instrumentation message")
	ErrConnectionLost = errors.New("engine connection lost")
)

// Engine error codes.
const (
	CodeLaunchFailed     = "launch_failed"
	CodeInstrumentFailed = "instrument_failed"
	CodeNavigateFailed   = "navigate_failed"
	CodeConnectionLost   = "connection_lost"
	CodeUnavailable      = "unavailable"
	CodeTimeout          = "timeout"
)

// EngineError wraps failures reported by the embedded browser engine.
// Session creation failures are always surfaced as an *EngineError.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("engine error [%s]: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError.
func NewEngineError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// WrapEngineError wraps an existing error with engine context.
func WrapEngineError(code, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}

// IsConnectionError returns true if the error indicates a lost engine connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code == CodeConnectionLost || engineErr.Code == CodeUnavailable
	}
	return false
}

// IsRetryableError returns true if the error might succeed on retry.
// A query timeout is retryable; a missing session is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrQueryTimeout) {
		return true
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		switch engineErr.Code {
		case CodeConnectionLost, CodeTimeout, CodeUnavailable:
			return true
		}
	}
	return false
}
