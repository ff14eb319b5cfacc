package transport

import (
	"errors"
	"fmt"
)

// Common errors returned by transport clients.
var (
	// ErrRateLimited indicates the remote service rejected a send because the
	// sender is over its rate budget. The dispatch queue retries these.
	ErrRateLimited = errors.New("rate limited by remote service")

	// ErrNotConnected indicates the client holds no usable link.
	ErrNotConnected = errors.New("transport not connected")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("transport closed")
)

// OpError wraps a transport failure with the operation and session that
// produced it.
type OpError struct {
	Op        string // operation that failed, e.g. "send"
	SessionID string // owning session, if known
	Err       error  // underlying error
}

func (e *OpError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("transport %s (session %s): %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
