package session

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/opd-ai/sessionwire/credential"
	"github.com/opd-ai/sessionwire/dedup"
	"github.com/opd-ai/sessionwire/dispatch"
	"github.com/opd-ai/sessionwire/transport"
)

// Defaults for every controller and monitor knob.
const (
	DefaultReadyTimeout        = 60 * time.Second
	DefaultPairingTimeout      = 120 * time.Second
	DefaultMaxInitRetries      = 3
	DefaultInitRetryBaseDelay  = 10 * time.Second
	DefaultMaxReconnectRetries = 5
	DefaultReconnectBaseDelay  = 5 * time.Second
	DefaultBackoffCap          = 15 * time.Minute

	DefaultHealthCheckInterval  = 5 * time.Minute
	DefaultFallbackPollInterval = 5 * time.Second
	DefaultPairingGrace         = 2 * time.Minute
	DefaultStateRetryMin        = 15 * time.Second
	DefaultStateRetryMax        = 30 * time.Second
	DefaultMaxStateRetries      = 3
	DefaultMaxReinitAttempts    = 2
	DefaultReinitCooldown       = 5 * time.Minute
	DefaultStateProbeTimeout    = 10 * time.Second
	DefaultInitWarnAfter        = 5 * time.Minute
	DefaultInitForceReinit      = 10 * time.Minute
)

// Config assembles one Controller. ID and Factory are required; everything
// else has a default, with one exception: HealthCheckInterval and
// FallbackPollInterval are disabled when zero or negative, so their defaults
// come from NewOptions rather than from this struct's zero value.
type Config struct {
	// ID is the stable, case-sensitive session identifier.
	ID string
	// Factory produces a fresh transport client for every initialize.
	Factory transport.Factory

	// Credentials decides the resume-vs-pair path on initialize and is
	// cleared on explicit re-pair or credential-clearing escalation. Nil
	// means the session always pairs from scratch.
	Credentials credential.Store
	// Dedup suppresses duplicate inbound messages. Nil builds a private
	// MemoryCache owned (and closed) by the controller; a provided cache is
	// shared and left open on Destroy.
	Dedup dedup.Cache

	// ReadyTimeout bounds WaitUntilReady.
	ReadyTimeout time.Duration
	// PairingTimeout bounds how long a pairing challenge may stay unanswered
	// before the pairing step is retried.
	PairingTimeout time.Duration
	// MaxInitRetries bounds initialize attempts (and pairing restarts)
	// before the session goes fatal.
	MaxInitRetries int
	// InitRetryBaseDelay seeds the initialize backoff curve.
	InitRetryBaseDelay time.Duration
	// MaxReconnectRetries bounds transient-disconnect reconnects before the
	// session goes fatal.
	MaxReconnectRetries int
	// ReconnectBaseDelay seeds the reconnect backoff curve.
	ReconnectBaseDelay time.Duration
	// BackoffCap bounds both backoff curves.
	BackoffCap time.Duration

	// HealthCheckInterval is the monitor's probe period. Zero or negative
	// disables the health loop.
	HealthCheckInterval time.Duration
	// FallbackPollInterval is the readiness poll period while the session is
	// authenticating. Zero or negative disables the poller.
	FallbackPollInterval time.Duration
	// PairingGrace suppresses monitor escalation after a pairing challenge;
	// the session may legitimately be waiting on a human.
	PairingGrace time.Duration
	// StateRetryMin/Max bound the randomized delay between health probes
	// within one check cycle.
	StateRetryMin time.Duration
	StateRetryMax time.Duration
	// MaxStateRetries is the number of probes per health cycle before
	// escalation.
	MaxStateRetries int
	// MaxReinitAttempts bounds monitor-triggered reinitializes before the
	// cooldown window.
	MaxReinitAttempts int
	// ReinitCooldown is how long the monitor pauses all recovery after
	// exhausting reinit attempts.
	ReinitCooldown time.Duration
	// StateProbeTimeout bounds each ConnectionState query.
	StateProbeTimeout time.Duration
	// InitWarnAfter / InitForceReinitAfter act on an initialize that is
	// still in flight when the health loop fires: log a warning past the
	// first, force a reinit past the second.
	InitWarnAfter        time.Duration
	InitForceReinitAfter time.Duration

	// Queue tunes the outbound dispatch queue. SessionID is filled in by
	// the controller; zero fields take the dispatch defaults.
	Queue dispatch.Config

	// DedupTTL and DedupSweepInterval tune the private dedup cache built
	// when Dedup is nil.
	DedupTTL           time.Duration
	DedupSweepInterval time.Duration

	// Rand seeds every jittered delay (backoff, probe retries). Nil uses a
	// time-seeded source; tests inject a fixed seed for reproducibility.
	Rand *rand.Rand
}

func (c *Config) withDefaults() {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = DefaultPairingTimeout
	}
	if c.MaxInitRetries <= 0 {
		c.MaxInitRetries = DefaultMaxInitRetries
	}
	if c.InitRetryBaseDelay <= 0 {
		c.InitRetryBaseDelay = DefaultInitRetryBaseDelay
	}
	if c.MaxReconnectRetries <= 0 {
		c.MaxReconnectRetries = DefaultMaxReconnectRetries
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	// HealthCheckInterval and FallbackPollInterval are deliberately not
	// defaulted here: zero disables the loop.
	if c.PairingGrace <= 0 {
		c.PairingGrace = DefaultPairingGrace
	}
	if c.StateRetryMin <= 0 {
		c.StateRetryMin = DefaultStateRetryMin
	}
	if c.StateRetryMax <= c.StateRetryMin {
		c.StateRetryMax = c.StateRetryMin + (DefaultStateRetryMax - DefaultStateRetryMin)
	}
	if c.MaxStateRetries <= 0 {
		c.MaxStateRetries = DefaultMaxStateRetries
	}
	if c.MaxReinitAttempts <= 0 {
		c.MaxReinitAttempts = DefaultMaxReinitAttempts
	}
	if c.ReinitCooldown <= 0 {
		c.ReinitCooldown = DefaultReinitCooldown
	}
	if c.StateProbeTimeout <= 0 {
		c.StateProbeTimeout = DefaultStateProbeTimeout
	}
	if c.InitWarnAfter <= 0 {
		c.InitWarnAfter = DefaultInitWarnAfter
	}
	if c.InitForceReinitAfter <= 0 {
		c.InitForceReinitAfter = DefaultInitForceReinit
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = dedup.DefaultTTL
	}
	if c.DedupSweepInterval == 0 {
		c.DedupSweepInterval = dedup.DefaultSweepInterval
	}
}

func (c *Config) validate() error {
	if c.ID == "" {
		return errors.New("session id required")
	}
	if c.Factory == nil {
		return errors.New("transport factory required")
	}
	return nil
}
