package model

import (
	"errors"
	"fmt"
)

var (
	ErrAuth               = errors.New("invalid api key")
	ErrUnknownApp         = errors.New("unknown app")
	ErrNotRegistered      = errors.New("not registered")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionEnded       = errors.New("session ended")
	ErrAppNotActive       = errors.New("app not active in session")
	ErrNotSystemDashboard = errors.New("only the system dashboard may do this")
	ErrInvalidRequest     = errors.New("invalid request")
)

// ProtocolError marks a malformed or out-of-order message. The message is
// dropped; the connection survives until the violation threshold is crossed.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

// TransientNetworkError is a close or timeout without a deliberate reason.
type TransientNetworkError struct {
	Code   int
	Reason string
}

func (e *TransientNetworkError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transient network error: close code %d", e.Code)
	}
	return fmt.Sprintf("transient network error: close code %d: %s", e.Code, e.Reason)
}

// ResourceCleanupError wraps a failing or panicking cleanup action.
type ResourceCleanupError struct {
	Label string
	Err   error
}

func (e *ResourceCleanupError) Error() string {
	return fmt.Sprintf("cleanup %q failed: %v", e.Label, e.Err)
}

func (e *ResourceCleanupError) Unwrap() error { return e.Err }
