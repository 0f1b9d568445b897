package shared

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNoLogger             = errors.New("no logger provided")
	ErrNoConfig             = errors.New("no config provided")
	ErrClientNotInitialized = errors.New("client not initialized")
	ErrNoCredentials        = errors.New("no credential provider given")
	ErrAlreadyConnected     = errors.New("session already connected")
	ErrNotConnected         = errors.New("session not connected")
	ErrTRHandlerAlreadySet  = errors.New("track remote handler already set")
	ErrTLHandlerAlreadySet  = errors.New("track local handler already set")
	ErrNoBookSelected       = errors.New("no book selected")
)

// ConnectionError covers credential, negotiation and media-access failures
// during connect. Retryable ones go through the retry policy; the rest fail
// the attempt immediately.
type ConnectionError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError marks a malformed or unroutable inbound message. Logged and
// dropped, never fatal.
type ChannelError struct {
	Reason  string
	Preview string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel error: %s (payload %q)", e.Reason, e.Preview)
}

// ToolExecutionError wraps an external service failure inside a tool call.
// The dispatcher converts it to a user-facing result so the remote agent can
// always continue its turn.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// StateConflictError reports a contract violation the remote agent can act
// on: duplicate call id, missing book selection, out-of-range page.
type StateConflictError struct {
	Reason string
}

func (e *StateConflictError) Error() string { return e.Reason }

// FatalError tears the session down: authentication failure or exhausted
// connect retries.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// IsAuthError reports whether err must skip the retry policy entirely.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// Retryable reports whether a connect-phase error may be retried.
func Retryable(err error) bool {
	if IsAuthError(err) {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return true
}
