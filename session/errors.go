package session

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for matching with errors.Is.
var (
	// ErrNotReady is returned by Send and Enqueue when the session is not in
	// the ready state. Messages are never implicitly queued across a down
	// period; callers wait for readiness or accept the rejection.
	ErrNotReady = errors.New("session not ready")

	// ErrDestroyed is returned by every method after Destroy.
	ErrDestroyed = errors.New("session destroyed")

	// ErrTerminal is the sentinel wrapped by TerminalError.
	ErrTerminal = errors.New("session terminally disconnected")

	// ErrFatal is the sentinel wrapped by FatalError.
	ErrFatal = errors.New("session halted by fatal error")

	// ErrPairingTimeout indicates a pairing challenge was not completed in
	// time, after the bounded pairing retries were spent.
	ErrPairingTimeout = errors.New("pairing not completed in time")
)

// TerminalError reports a disconnect that invalidated the credential.
// Automatic recovery is disabled; the remediation is to re-pair.
type TerminalError struct {
	SessionID string
	Reason    string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf(
		"session %s terminally disconnected (reason: %s); re-pair: clear the stored credential and initialize again",
		e.SessionID, e.Reason)
}

func (e *TerminalError) Unwrap() error { return ErrTerminal }

// FatalError reports a condition that disabled automatic recovery entirely,
// such as exhausted initialize retries. Repair or ClearFatal re-enables it.
type FatalError struct {
	SessionID string
	Cause     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("session %s halted: %v; automatic recovery disabled until repaired", e.SessionID, e.Cause)
}

func (e *FatalError) Unwrap() []error { return []error{ErrFatal, e.Cause} }

// ReadyTimeoutError reports that WaitUntilReady gave up. Operators diagnose
// stuck sessions exclusively from this text, so it carries the full picture:
// current state, authentication status, the last recorded error and a
// concrete remediation step.
type ReadyTimeoutError struct {
	SessionID     string
	State         State
	Authenticated bool
	LastErr       error
	Timeout       time.Duration
}

func (e *ReadyTimeoutError) Error() string {
	auth := "not yet authenticated"
	if e.Authenticated {
		auth = "authenticated"
	}
	lastErr := "none"
	if e.LastErr != nil {
		lastErr = e.LastErr.Error()
	}
	return fmt.Sprintf(
		"session %s not ready after %s: state %s, %s, last error: %s; remediation: %s",
		e.SessionID, e.Timeout, e.State, auth, lastErr, e.remediation())
}

func (e *ReadyTimeoutError) remediation() string {
	switch e.State {
	case StateUninitialized:
		return "call Initialize before waiting for readiness"
	case StateAwaitingPairing:
		return "complete the pairing challenge (e.g. scan the pairing code)"
	case StateTerminalDown:
		return "re-pair: clear the stored credential and initialize again"
	default:
		return "check connectivity to the remote service and retry"
	}
}
