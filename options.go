package sessionwire

import (
	"time"

	"github.com/opd-ai/sessionwire/credential"
	"github.com/opd-ai/sessionwire/dedup"
	"github.com/opd-ai/sessionwire/dispatch"
	"github.com/opd-ai/sessionwire/session"
	"github.com/opd-ai/sessionwire/transport"
)

// Options configures a Registry and every session it creates. ClientFactory
// is the only required field; NewOptions fills the rest with production
// defaults. Zero durations take their defaults when the controller is
// built, except HealthCheckInterval and FallbackPollInterval: zero (or
// negative) disables that loop, so turning one off survives the defaulting
// pass.
type Options struct {
	// ClientFactory produces a vendor transport handle per session, called
	// again on every initialize and reinitialize.
	ClientFactory transport.Factory

	// CredentialStore persists pairing artifacts across restarts. Nil means
	// every session pairs from scratch on every initialize.
	CredentialStore credential.Store

	// DedupCache, when set, is shared by every session (keys are namespaced
	// by session id) and is NOT closed on Shutdown; the caller owns it.
	DedupCache dedup.Cache
	// SharedDedup builds one registry-owned in-memory cache shared by all
	// sessions instead of one private cache per session.
	SharedDedup bool
	// RedisAddr builds a registry-owned Redis-backed shared cache at the
	// given address. Takes precedence over SharedDedup.
	RedisAddr string
	// DedupTTL and DedupSweepInterval tune whichever cache the registry or
	// controller ends up building.
	DedupTTL           time.Duration
	DedupSweepInterval time.Duration
	// Clock overrides time for registry-built in-memory caches; tests use a
	// fake clock to cross TTL boundaries without sleeping.
	Clock dedup.Clock

	// RandSeed makes every jittered delay reproducible. Zero seeds from the
	// current time.
	RandSeed uint64

	ReadyTimeout        time.Duration
	PairingTimeout      time.Duration
	MaxInitRetries      int
	InitRetryBaseDelay  time.Duration
	MaxReconnectRetries int
	ReconnectBaseDelay  time.Duration
	BackoffCap          time.Duration

	HealthCheckInterval  time.Duration
	FallbackPollInterval time.Duration
	PairingGrace         time.Duration
	StateRetryMin        time.Duration
	StateRetryMax        time.Duration
	MaxStateRetries      int
	MaxReinitAttempts    int
	ReinitCooldown       time.Duration
	StateProbeTimeout    time.Duration
	InitWarnAfter        time.Duration
	InitForceReinitAfter time.Duration

	QueueCapacity   int
	QueueWindow     time.Duration
	QueueMinSpacing time.Duration
	QueueMaxRetries int
}

// NewOptions returns Options with every knob at its production default.
func NewOptions() *Options {
	return &Options{
		ReadyTimeout:        session.DefaultReadyTimeout,
		PairingTimeout:      session.DefaultPairingTimeout,
		MaxInitRetries:      session.DefaultMaxInitRetries,
		InitRetryBaseDelay:  session.DefaultInitRetryBaseDelay,
		MaxReconnectRetries: session.DefaultMaxReconnectRetries,
		ReconnectBaseDelay:  session.DefaultReconnectBaseDelay,
		BackoffCap:          session.DefaultBackoffCap,

		// Zero disables these two loops, so the defaults must be set here
		// rather than recovered downstream.
		HealthCheckInterval:  session.DefaultHealthCheckInterval,
		FallbackPollInterval: session.DefaultFallbackPollInterval,
		PairingGrace:         session.DefaultPairingGrace,
		StateRetryMin:        session.DefaultStateRetryMin,
		StateRetryMax:        session.DefaultStateRetryMax,
		MaxStateRetries:      session.DefaultMaxStateRetries,
		MaxReinitAttempts:    session.DefaultMaxReinitAttempts,
		ReinitCooldown:       session.DefaultReinitCooldown,
		StateProbeTimeout:    session.DefaultStateProbeTimeout,
		InitWarnAfter:        session.DefaultInitWarnAfter,
		InitForceReinitAfter: session.DefaultInitForceReinit,

		DedupTTL:           dedup.DefaultTTL,
		DedupSweepInterval: dedup.DefaultSweepInterval,

		QueueCapacity:   dispatch.DefaultCapacity,
		QueueWindow:     dispatch.DefaultWindow,
		QueueMinSpacing: dispatch.DefaultMinSpacing,
		QueueMaxRetries: dispatch.DefaultMaxRetries,
	}
}
