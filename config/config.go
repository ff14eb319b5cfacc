// Package config loads registry options and session declarations from a
// TOML file. Values overlay the production defaults: a key absent from the
// file leaves the default untouched, so a config file only needs to name
// what it changes.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionwire"
	"github.com/opd-ai/sessionwire/credential"
	"github.com/opd-ai/sessionwire/session"
)

// SessionSpec is one [[session]] block: a session to create at startup,
// with optional per-session overrides of the registry defaults.
type SessionSpec struct {
	ID             string
	ReadyTimeout   time.Duration
	PairingTimeout time.Duration
}

// Apply is a CreateSession override carrying this spec's non-zero values.
func (s SessionSpec) Apply(cfg *session.Config) {
	if s.ReadyTimeout > 0 {
		cfg.ReadyTimeout = s.ReadyTimeout
	}
	if s.PairingTimeout > 0 {
		cfg.PairingTimeout = s.PairingTimeout
	}
}

// duration accepts TOML duration strings ("45s", "2m30s").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

type fileConfig struct {
	LogLevel      string `toml:"log_level"`
	CredentialDir string `toml:"credential_dir"`
	CredentialKey string `toml:"credential_key"`
	RedisAddr     string `toml:"redis_addr"`
	SharedDedup   bool   `toml:"shared_dedup"`
	RandSeed      uint64 `toml:"rand_seed"`

	Defaults fileDefaults  `toml:"defaults"`
	Sessions []fileSession `toml:"session"`
}

type fileDefaults struct {
	ReadyTimeout        duration `toml:"ready_timeout"`
	PairingTimeout      duration `toml:"pairing_timeout"`
	MaxInitRetries      int      `toml:"max_init_retries"`
	InitRetryBaseDelay  duration `toml:"init_retry_base_delay"`
	MaxReconnectRetries int      `toml:"max_reconnect_retries"`
	ReconnectBaseDelay  duration `toml:"reconnect_base_delay"`
	BackoffCap          duration `toml:"backoff_cap"`

	HealthCheckInterval  duration `toml:"health_check_interval"`
	FallbackPollInterval duration `toml:"fallback_poll_interval"`
	PairingGrace         duration `toml:"pairing_grace"`
	StateRetryMin        duration `toml:"state_retry_min"`
	StateRetryMax        duration `toml:"state_retry_max"`
	MaxStateRetries      int      `toml:"max_state_retries"`
	MaxReinitAttempts    int      `toml:"max_reinit_attempts"`
	ReinitCooldown       duration `toml:"reinit_cooldown"`
	StateProbeTimeout    duration `toml:"state_probe_timeout"`
	InitWarnAfter        duration `toml:"init_warn_after"`
	InitForceReinitAfter duration `toml:"init_force_reinit_after"`

	QueueCapacity   int      `toml:"queue_capacity"`
	QueueWindow     duration `toml:"queue_window"`
	QueueMinSpacing duration `toml:"queue_min_spacing"`
	QueueMaxRetries int      `toml:"queue_max_retries"`

	DedupTTL           duration `toml:"dedup_ttl"`
	DedupSweepInterval duration `toml:"dedup_sweep_interval"`
}

type fileSession struct {
	ID             string   `toml:"id"`
	ReadyTimeout   duration `toml:"ready_timeout"`
	PairingTimeout duration `toml:"pairing_timeout"`
}

// Load reads path and returns registry options overlaid on the production
// defaults, plus the sessions the file declares. The caller still has to
// provide Options.ClientFactory. A credential_dir with a credential_key
// (64 hex characters) wires a file-backed credential store; log_level, when
// set, is applied to the process logger.
func Load(path string) (*sessionwire.Options, []SessionSpec, error) {
	opts := sessionwire.NewOptions()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("log_level") {
		level, err := logrus.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		logrus.SetLevel(level)
	}

	if meta.IsDefined("credential_dir") {
		store, err := fileStore(raw.CredentialDir, raw.CredentialKey)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		opts.CredentialStore = store
	}
	if meta.IsDefined("redis_addr") {
		opts.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("shared_dedup") {
		opts.SharedDedup = raw.SharedDedup
	}
	if meta.IsDefined("rand_seed") {
		opts.RandSeed = raw.RandSeed
	}

	applyDefaults(opts, raw.Defaults, meta)

	specs := make([]SessionSpec, 0, len(raw.Sessions))
	seen := make(map[string]struct{}, len(raw.Sessions))
	for _, s := range raw.Sessions {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, nil, fmt.Errorf("load config: session block without an id")
		}
		if _, dup := seen[id]; dup {
			return nil, nil, fmt.Errorf("load config: duplicate session id %q", id)
		}
		seen[id] = struct{}{}
		specs = append(specs, SessionSpec{
			ID:             id,
			ReadyTimeout:   time.Duration(s.ReadyTimeout),
			PairingTimeout: time.Duration(s.PairingTimeout),
		})
	}

	return opts, specs, nil
}

func applyDefaults(opts *sessionwire.Options, d fileDefaults, meta toml.MetaData) {
	set := func(key string) bool { return meta.IsDefined("defaults", key) }

	if set("ready_timeout") {
		opts.ReadyTimeout = time.Duration(d.ReadyTimeout)
	}
	if set("pairing_timeout") {
		opts.PairingTimeout = time.Duration(d.PairingTimeout)
	}
	if set("max_init_retries") {
		opts.MaxInitRetries = d.MaxInitRetries
	}
	if set("init_retry_base_delay") {
		opts.InitRetryBaseDelay = time.Duration(d.InitRetryBaseDelay)
	}
	if set("max_reconnect_retries") {
		opts.MaxReconnectRetries = d.MaxReconnectRetries
	}
	if set("reconnect_base_delay") {
		opts.ReconnectBaseDelay = time.Duration(d.ReconnectBaseDelay)
	}
	if set("backoff_cap") {
		opts.BackoffCap = time.Duration(d.BackoffCap)
	}
	if set("health_check_interval") {
		opts.HealthCheckInterval = time.Duration(d.HealthCheckInterval)
	}
	if set("fallback_poll_interval") {
		opts.FallbackPollInterval = time.Duration(d.FallbackPollInterval)
	}
	if set("pairing_grace") {
		opts.PairingGrace = time.Duration(d.PairingGrace)
	}
	if set("state_retry_min") {
		opts.StateRetryMin = time.Duration(d.StateRetryMin)
	}
	if set("state_retry_max") {
		opts.StateRetryMax = time.Duration(d.StateRetryMax)
	}
	if set("max_state_retries") {
		opts.MaxStateRetries = d.MaxStateRetries
	}
	if set("max_reinit_attempts") {
		opts.MaxReinitAttempts = d.MaxReinitAttempts
	}
	if set("reinit_cooldown") {
		opts.ReinitCooldown = time.Duration(d.ReinitCooldown)
	}
	if set("state_probe_timeout") {
		opts.StateProbeTimeout = time.Duration(d.StateProbeTimeout)
	}
	if set("init_warn_after") {
		opts.InitWarnAfter = time.Duration(d.InitWarnAfter)
	}
	if set("init_force_reinit_after") {
		opts.InitForceReinitAfter = time.Duration(d.InitForceReinitAfter)
	}
	if set("queue_capacity") {
		opts.QueueCapacity = d.QueueCapacity
	}
	if set("queue_window") {
		opts.QueueWindow = time.Duration(d.QueueWindow)
	}
	if set("queue_min_spacing") {
		opts.QueueMinSpacing = time.Duration(d.QueueMinSpacing)
	}
	if set("queue_max_retries") {
		opts.QueueMaxRetries = d.QueueMaxRetries
	}
	if set("dedup_ttl") {
		opts.DedupTTL = time.Duration(d.DedupTTL)
	}
	if set("dedup_sweep_interval") {
		opts.DedupSweepInterval = time.Duration(d.DedupSweepInterval)
	}
}

func fileStore(dir, keyHex string) (credential.Store, error) {
	dir = strings.TrimSpace(dir)
	keyHex = strings.TrimSpace(keyHex)
	if dir == "" {
		return nil, fmt.Errorf("credential_dir is empty")
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("credential_key must be 64 hex characters")
	}
	var key [32]byte
	copy(key[:], raw)
	return credential.NewFileStore(dir, key)
}
