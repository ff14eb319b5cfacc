package transport

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionState is a point-in-time, vendor-neutral view of a client's
// link to the remote service.
type ConnectionState uint8

const (
	// StateUnknown means the client could not determine its own state.
	StateUnknown ConnectionState = iota
	// StateDisconnected means the client holds no usable link.
	StateDisconnected
	// StateConnecting means a link is being established or re-established.
	StateConnecting
	// StateConnected means the link is open and usable.
	StateConnected
)

// String returns the lowercase name of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConnecting:
		return "connecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ParseConnectionState normalizes a vendor-reported state string to one of
// the four canonical values. Unrecognized inputs map to StateUnknown and are
// logged with their raw form so new vendor states can be classified later.
func ParseConnectionState(raw string) ConnectionState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "connected", "open", "online", "ready":
		return StateConnected
	case "connecting", "opening", "pairing", "syncing":
		return StateConnecting
	case "disconnected", "closed", "close", "offline", "logout":
		return StateDisconnected
	default:
		logrus.WithFields(logrus.Fields{
			"function":  "ParseConnectionState",
			"raw_state": raw,
		}).Warn("Unrecognized vendor connection state")
		return StateUnknown
	}
}

// InboundMessage is a message delivered by the remote service.
type InboundMessage struct {
	// ID is the vendor-assigned message identifier, unique per session.
	ID string
	// Source identifies the remote party that produced the message.
	Source string
	// Payload is the opaque message body.
	Payload []byte
	// Timestamp is the vendor-reported delivery time.
	Timestamp time.Time
}

// SendOptions carries per-send hints for the underlying client.
type SendOptions struct {
	// Urgent asks the client to skip any internal batching it performs.
	Urgent bool
	// Metadata is passed through to the vendor client untouched.
	Metadata map[string]string
}

// SendResult is the vendor client's acknowledgement of a send.
type SendResult struct {
	// MessageID is the vendor-assigned identifier of the sent message.
	MessageID string
	// Timestamp is when the vendor accepted the message.
	Timestamp time.Time
	// Acked reports whether the remote service confirmed receipt.
	Acked bool
}

// Handlers is the single set of lifecycle callbacks a client delivers events
// to. The session controller owns a client's Handlers exclusively; callers
// that need lifecycle events subscribe on the controller instead.
//
// Nil fields are skipped. Clients must never invoke handlers concurrently
// for the same event type.
type Handlers struct {
	// PairingChallenge fires when the service requires out-of-band pairing,
	// carrying the challenge payload (for example a scannable code).
	PairingChallenge func(payload []byte)
	// Authenticated fires once the session's identity is accepted, either
	// after pairing completes or after resuming from a stored credential.
	Authenticated func()
	// AuthFailed fires when a stored credential is rejected.
	AuthFailed func(reason string)
	// Ready fires when the session can send and receive messages. Some
	// vendor clients stall and never emit it; the session layer compensates.
	Ready func()
	// Disconnected fires when the link drops, carrying the vendor's raw
	// reason string.
	Disconnected func(reason string)
	// Message fires for every inbound message, before deduplication.
	Message func(msg InboundMessage)
}

// Client is the abstract vendor transport sessionwire drives. Implementations
// must be safe for concurrent use.
type Client interface {
	// Initialize begins pairing or credential resume. It returns once the
	// attempt is underway; progress is reported through Handlers.
	Initialize(ctx context.Context) error

	// ConnectionState queries the client's own view of the link. It is used
	// both to close readiness races and as the health monitor's probe.
	ConnectionState(ctx context.Context) (ConnectionState, error)

	// Send delivers a payload to a destination and returns the vendor
	// acknowledgement. Rate-limit rejections must unwrap to ErrRateLimited.
	Send(ctx context.Context, destination string, payload []byte, opts SendOptions) (*SendResult, error)

	// SetHandlers replaces the client's event sink. Passing a zero Handlers
	// detaches all callbacks.
	SetHandlers(h Handlers)

	// Close tears the client down. After Close, all methods fail with
	// ErrClosed and no further handlers fire.
	Close() error
}

// Factory produces a fresh Client for a session. The session layer calls it
// on every initialize so a stalled handle is never reused.
type Factory func(ctx context.Context, sessionID string) (Client, error)
