package sessionwire

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionwire/dedup"
	"github.com/opd-ai/sessionwire/dispatch"
	"github.com/opd-ai/sessionwire/session"
)

var (
	// ErrSessionExists is returned by CreateSession for an id already held
	// by a live session.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned when no live session has the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRegistryClosed is returned after Shutdown.
	ErrRegistryClosed = errors.New("registry is shut down")
)

// Registry owns the set of live sessions. Creation and destruction are
// serialized under one mutex; the controllers themselves run independently.
// A destroyed id may be created again.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session.Controller
	closed   bool

	// sharedDedup is non-nil when the registry built or was handed one
	// cache for all sessions; ownedDedup marks whether Shutdown closes it.
	sharedDedup dedup.Cache
	ownedDedup  bool
}

// New builds a Registry from opts. ClientFactory is required. The shared
// dedup cache, when configured, is built here so every session the registry
// creates sees the same duplicate-suppression state.
func New(opts *Options) (*Registry, error) {
	if opts == nil || opts.ClientFactory == nil {
		return nil, errors.New("client factory required")
	}

	r := &Registry{
		opts:     *opts,
		sessions: make(map[string]*session.Controller),
	}

	switch {
	case opts.DedupCache != nil:
		r.sharedDedup = opts.DedupCache
	case opts.RedisAddr != "":
		r.sharedDedup = dedup.NewRedisCacheAddr(opts.RedisAddr, opts.DedupTTL)
		r.ownedDedup = true
	case opts.SharedDedup:
		r.sharedDedup = dedup.NewMemoryCache(dedup.MemoryConfig{
			TTL:           opts.DedupTTL,
			SweepInterval: opts.DedupSweepInterval,
			Clock:         opts.Clock,
		})
		r.ownedDedup = true
	}

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"shared_dedup": r.sharedDedup != nil,
		"redis":        opts.RedisAddr != "",
	}).Debug("Session registry created")
	return r, nil
}

// CreateSession builds, registers and returns a controller for id. The
// session starts uninitialized; call Initialize on the returned controller
// to begin pairing or resume. Overrides run on the derived per-session
// config before the controller is built.
func (r *Registry) CreateSession(ctx context.Context, id string, overrides ...func(*session.Config)) (*session.Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.New("session id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	cfg := r.sessionConfig(id)
	for _, o := range overrides {
		o(&cfg)
	}

	ctrl, err := session.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	r.sessions[id] = ctrl

	logrus.WithFields(logrus.Fields{
		"function":   "CreateSession",
		"session_id": id,
		"sessions":   len(r.sessions),
	}).Info("Session created")
	return ctrl, nil
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*session.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	ctrl, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ctrl, nil
}

// IDs returns the ids of every live session.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DestroySession tears the session down and removes it from the registry.
// The id becomes available for CreateSession again.
func (r *Registry) DestroySession(id string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	ctrl, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	if err := ctrl.Destroy(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "DestroySession",
			"session_id": id,
			"error":      err,
		}).Warn("Session teardown reported an error")
		return err
	}
	return nil
}

// Shutdown destroys every session and closes registry-owned shared
// resources. The registry rejects all calls afterwards. Idempotent.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()

	var firstErr error
	for id, ctrl := range sessions {
		if err := ctrl.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy session %s: %w", id, err)
		}
	}
	if r.ownedDedup {
		if err := r.sharedDedup.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close shared dedup cache: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
		"sessions": len(sessions),
	}).Info("Session registry shut down")
	return firstErr
}

// sessionConfig derives one controller's config from the registry options.
// Each session gets an independent jitter source so a fixed RandSeed stays
// reproducible per id regardless of creation order.
func (r *Registry) sessionConfig(id string) session.Config {
	var rng *rand.Rand
	if r.opts.RandSeed != 0 {
		h := fnv.New64a()
		h.Write([]byte(id))
		rng = rand.New(rand.NewPCG(r.opts.RandSeed, h.Sum64()))
	}

	return session.Config{
		ID:          id,
		Factory:     r.opts.ClientFactory,
		Credentials: r.opts.CredentialStore,
		Dedup:       r.sharedDedup,

		ReadyTimeout:        r.opts.ReadyTimeout,
		PairingTimeout:      r.opts.PairingTimeout,
		MaxInitRetries:      r.opts.MaxInitRetries,
		InitRetryBaseDelay:  r.opts.InitRetryBaseDelay,
		MaxReconnectRetries: r.opts.MaxReconnectRetries,
		ReconnectBaseDelay:  r.opts.ReconnectBaseDelay,
		BackoffCap:          r.opts.BackoffCap,

		HealthCheckInterval:  r.opts.HealthCheckInterval,
		FallbackPollInterval: r.opts.FallbackPollInterval,
		PairingGrace:         r.opts.PairingGrace,
		StateRetryMin:        r.opts.StateRetryMin,
		StateRetryMax:        r.opts.StateRetryMax,
		MaxStateRetries:      r.opts.MaxStateRetries,
		MaxReinitAttempts:    r.opts.MaxReinitAttempts,
		ReinitCooldown:       r.opts.ReinitCooldown,
		StateProbeTimeout:    r.opts.StateProbeTimeout,
		InitWarnAfter:        r.opts.InitWarnAfter,
		InitForceReinitAfter: r.opts.InitForceReinitAfter,

		Queue: dispatch.Config{
			Capacity:   r.opts.QueueCapacity,
			Window:     r.opts.QueueWindow,
			MinSpacing: r.opts.QueueMinSpacing,
			MaxRetries: r.opts.QueueMaxRetries,
		},

		DedupTTL:           r.opts.DedupTTL,
		DedupSweepInterval: r.opts.DedupSweepInterval,

		Rand: rng,
	}
}
