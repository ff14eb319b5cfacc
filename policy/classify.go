package policy

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Class is the recovery category assigned to a disconnect reason.
type Class uint8

const (
	// ClassUnknown marks a reason the classifier has no entry for. Unknown
	// reasons are retried like transient ones but tracked separately so the
	// health monitor can escalate when they repeat.
	ClassUnknown Class = iota
	// ClassTransient marks a disconnect expected to resolve via retry with
	// backoff, without re-pairing.
	ClassTransient
	// ClassTerminal marks a disconnect that invalidates the credential.
	// No automatic retry; the session must be explicitly re-paired.
	ClassTerminal
)

// String returns the lowercase name of the class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// terminalReasons are vendor-neutral signals that the credential is no longer
// valid: explicit logout, revocation, the session being replaced elsewhere,
// or a corrupted credential.
var terminalReasons = map[string]struct{}{
	"LOGGED_OUT":         {},
	"LOGOUT":             {},
	"CREDENTIAL_REVOKED": {},
	"UNPAIRED":           {},
	"SESSION_REPLACED":   {},
	"CONFLICT":           {},
	"REPLACED":           {},
	"CREDENTIAL_CORRUPT": {},
	"BAD_SESSION":        {},
	"BANNED":             {},
}

// transientReasons are signals expected to clear on their own: network blips,
// idle timeouts, server-requested restarts, generic unavailability.
var transientReasons = map[string]struct{}{
	"NETWORK_ERROR":       {},
	"CONNECTION_LOST":     {},
	"CONNECTION_CLOSED":   {},
	"IDLE_TIMEOUT":        {},
	"TIMED_OUT":           {},
	"TIMEOUT":             {},
	"SERVER_RESTART":      {},
	"RESTART_REQUIRED":    {},
	"UNAVAILABLE":         {},
	"SERVICE_UNAVAILABLE": {},
	"STREAM_ERRORED":      {},
}

// Classify maps a raw disconnect reason to its recovery class. Matching is
// case- and whitespace-insensitive. Reasons with no table entry return
// ClassUnknown and are always logged with their raw form so they can be
// classified in a later release; they are never silently dropped.
func Classify(reason string) Class {
	key := strings.ToUpper(strings.TrimSpace(reason))
	if _, ok := terminalReasons[key]; ok {
		return ClassTerminal
	}
	if _, ok := transientReasons[key]; ok {
		return ClassTransient
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Classify",
		"raw_reason": reason,
	}).Warn("Unrecognized disconnect reason, treating as unknown")
	return ClassUnknown
}
