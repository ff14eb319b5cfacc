package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionwire/credential"
	"github.com/opd-ai/sessionwire/dedup"
	"github.com/opd-ai/sessionwire/dispatch"
	"github.com/opd-ai/sessionwire/policy"
	"github.com/opd-ai/sessionwire/transport"
)

// initAttempt tracks one in-flight initialize so concurrent Initialize calls
// join the same attempt instead of starting a second one.
type initAttempt struct {
	done chan struct{}
	err  error
}

// Controller is the single source of truth for one session's reachability.
// All session fields live here; the ReadinessMonitor and the dispatch queue
// act only through controller methods.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	state  State
	client transport.Client

	lastPairingIssuedAt  time.Time
	lastAuthenticatedAt  time.Time
	lastReadyAt          time.Time
	lastDisconnectAt     time.Time
	lastDisconnectReason string

	retryAttempt       int // transient-disconnect reconnects since last ready
	initAttempt        int // initialize attempts since last ready
	reinitAttempt      int // monitor escalations since last ready or cooldown
	unknownStateStreak int
	authFailStreak     int

	lastErr  error
	fatalErr error

	inFlight      *initAttempt
	initStartedAt time.Time

	backoffTimer *time.Timer
	pairingTimer *time.Timer

	destroyed bool

	queue     *dispatch.Queue
	dedupCache dedup.Cache
	ownsDedup  bool

	initBackoff      *policy.Backoff
	reconnectBackoff *policy.Backoff

	rngMu sync.Mutex
	rng   *rand.Rand

	events  *emitter
	monitor *ReadinessMonitor
}

// New assembles a controller in StateUninitialized and starts its readiness
// monitor. The session does nothing until Initialize is called.
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	rng := cfg.Rand
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>1))
	}

	c := &Controller{
		cfg:    cfg,
		state:  StateUninitialized,
		rng:    rng,
		events: newEmitter(),
	}

	// Each backoff gets its own source derived from the shared one, so the
	// two curves never contend on a single unsynchronized rand.
	c.initBackoff = policy.NewBackoff(
		cfg.InitRetryBaseDelay, cfg.BackoffCap, cfg.MaxInitRetries,
		rand.New(rand.NewPCG(c.randUint64(), c.randUint64())))
	c.reconnectBackoff = policy.NewBackoff(
		cfg.ReconnectBaseDelay, cfg.BackoffCap, cfg.MaxReconnectRetries,
		rand.New(rand.NewPCG(c.randUint64(), c.randUint64())))

	queueCfg := cfg.Queue
	queueCfg.SessionID = cfg.ID
	c.queue = dispatch.New(queueCfg, c.transportSend)

	if cfg.Dedup != nil {
		c.dedupCache = cfg.Dedup
	} else {
		c.dedupCache = dedup.NewMemoryCache(dedup.MemoryConfig{
			TTL:           cfg.DedupTTL,
			SweepInterval: cfg.DedupSweepInterval,
		})
		c.ownsDedup = true
	}

	c.monitor = newReadinessMonitor(c)
	c.monitor.start()

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"session_id": cfg.ID,
	}).Info("Session controller created")
	return c, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.cfg.ID }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot is an immutable diagnostic view of the session.
type Snapshot struct {
	ID    string
	State State

	LastPairingIssuedAt  time.Time
	LastAuthenticatedAt  time.Time
	LastReadyAt          time.Time
	LastDisconnectAt     time.Time
	LastDisconnectReason string

	RetryAttempt       int
	InitAttempt        int
	ReinitAttempt      int
	UnknownStateStreak int
	AuthFailStreak     int

	LastErr  error
	FatalErr error

	Queue dispatch.Stats
}

// Snapshot returns a point-in-time copy of the session's diagnostics.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		ID:                   c.cfg.ID,
		State:                c.state,
		LastPairingIssuedAt:  c.lastPairingIssuedAt,
		LastAuthenticatedAt:  c.lastAuthenticatedAt,
		LastReadyAt:          c.lastReadyAt,
		LastDisconnectAt:     c.lastDisconnectAt,
		LastDisconnectReason: c.lastDisconnectReason,
		RetryAttempt:         c.retryAttempt,
		InitAttempt:          c.initAttempt,
		ReinitAttempt:        c.reinitAttempt,
		UnknownStateStreak:   c.unknownStateStreak,
		AuthFailStreak:       c.authFailStreak,
		LastErr:              c.lastErr,
		FatalErr:             c.fatalErr,
	}
	c.mu.Unlock()
	s.Queue = c.queue.Stats()
	return s
}

// Initialize begins pairing or credential resume. It is idempotent: while an
// attempt is in flight (or the session is already past initialization) it
// joins the existing result instead of starting a second attempt. A nil
// return means the attempt is underway; use WaitUntilReady to wait for the
// session to become usable.
//
// On failure the controller applies the initialize backoff and self-schedules
// another attempt, unless MaxInitRetries is exhausted, in which case the
// session goes fatal and stays down until Repair.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.fatalErr != nil {
		err := c.fatalErr
		c.mu.Unlock()
		return err
	}
	switch c.state {
	case StateReady, StateAuthenticating, StateAwaitingPairing:
		// Already initialized or mid-handshake.
		c.mu.Unlock()
		return nil
	}
	if att := c.inFlight; att != nil {
		c.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	att, emits, ok := c.beginInitLocked()
	c.mu.Unlock()
	c.run(emits)
	if !ok {
		return fmt.Errorf("session %s: initialize not legal from current state", c.cfg.ID)
	}

	err := c.runInitAttempt(ctx, att)
	c.finishInit(att, err)
	return err
}

// beginInitLocked registers a fresh attempt and moves the machine to
// StateInitializing, hopping through StateReinitializing when recovering
// from a transient drop.
func (c *Controller) beginInitLocked() (*initAttempt, []func(), bool) {
	var emits []func()
	if c.state == StateTransientDown {
		c.transitionLocked(StateReinitializing, &emits)
	}
	if !c.transitionLocked(StateInitializing, &emits) {
		return nil, emits, false
	}

	c.stopTimerLocked(&c.backoffTimer)
	att := &initAttempt{done: make(chan struct{})}
	c.inFlight = att
	c.initStartedAt = time.Now()
	c.initAttempt++
	return att, emits, true
}

// runInitAttempt performs one attempt: teardown of the previous handle, a
// fresh client from the factory, handler wiring, the resume-vs-pair decision
// and the vendor initialize call.
func (c *Controller) runInitAttempt(ctx context.Context, att *initAttempt) error {
	c.mu.Lock()
	old := c.client
	c.client = nil
	c.mu.Unlock()
	if old != nil {
		old.SetHandlers(transport.Handlers{})
		if err := old.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "runInitAttempt",
				"session_id": c.cfg.ID,
				"error":      err,
			}).Debug("Closing previous transport handle failed")
		}
	}

	client, err := c.cfg.Factory(ctx, c.cfg.ID)
	if err != nil {
		return &transport.OpError{Op: "create", SessionID: c.cfg.ID, Err: err}
	}

	hasCred := c.loadCredential(ctx)

	client.SetHandlers(transport.Handlers{
		PairingChallenge: c.onPairingChallenge,
		Authenticated:    c.onAuthenticated,
		AuthFailed:       c.onAuthFailed,
		Ready:            c.onReady,
		Disconnected:     c.handleDisconnect,
		Message:          c.onInboundMessage,
	})

	c.mu.Lock()
	if c.destroyed || c.inFlight != att {
		// Destroyed, or this attempt was abandoned by a forced reinit; a
		// newer attempt owns the client slot now.
		destroyed := c.destroyed
		c.mu.Unlock()
		client.SetHandlers(transport.Handlers{})
		client.Close()
		if destroyed {
			return ErrDestroyed
		}
		return errors.New("initialize attempt superseded")
	}
	c.client = client
	c.mu.Unlock()

	if err := client.Initialize(ctx); err != nil {
		return &transport.OpError{Op: "initialize", SessionID: c.cfg.ID, Err: err}
	}

	// Resuming from a stored credential skips pairing; the handshake is now
	// waiting on the transport to become usable, which the fallback poller
	// watches from here on.
	var emits []func()
	c.mu.Lock()
	if hasCred && c.state == StateInitializing {
		c.transitionLocked(StateAuthenticating, &emits)
	}
	c.mu.Unlock()
	c.run(emits)

	logrus.WithFields(logrus.Fields{
		"function":       "runInitAttempt",
		"session_id":     c.cfg.ID,
		"has_credential": hasCred,
		"attempt":        c.attemptNumber(),
	}).Info("Initialize attempt underway")
	return nil
}

// loadCredential answers the resume-vs-pair question. Any load failure is
// treated as "no credential" so a corrupted store degrades to a fresh
// pairing instead of a dead session.
func (c *Controller) loadCredential(ctx context.Context) bool {
	if c.cfg.Credentials == nil {
		return false
	}
	cred, err := c.cfg.Credentials.Load(ctx, c.cfg.ID)
	switch {
	case err == nil:
		return cred != nil && len(cred.Data) > 0
	case errors.Is(err, credential.ErrNotFound):
		return false
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "loadCredential",
			"session_id": c.cfg.ID,
			"error":      err,
		}).Warn("Credential load failed, pairing from scratch")
		return false
	}
}

// finishInit resolves the attempt and, on failure, schedules the next one or
// goes fatal once retries are spent.
func (c *Controller) finishInit(att *initAttempt, err error) {
	var emits []func()

	c.mu.Lock()
	att.err = err
	if c.inFlight == att {
		c.inFlight = nil
	} else {
		// Attempt was abandoned by a forced reinit; its result no longer
		// drives retry scheduling.
		c.mu.Unlock()
		close(att.done)
		return
	}

	if err != nil && !c.destroyed && c.fatalErr == nil {
		attempt := c.initAttempt
		c.lastErr = err
		if attempt >= c.cfg.MaxInitRetries {
			c.setFatalLocked(fmt.Errorf("initialize failed after %d attempts: %w", attempt, err), &emits)
		} else {
			delay := c.initBackoff.Delay(attempt)
			c.backoffTimer = time.AfterFunc(delay, c.retryInit)
			logrus.WithFields(logrus.Fields{
				"function":   "finishInit",
				"session_id": c.cfg.ID,
				"attempt":    attempt,
				"delay":      delay,
				"error":      err,
			}).Warn("Initialize attempt failed, retry scheduled")
		}
	}
	c.mu.Unlock()

	close(att.done)
	c.run(emits)
}

// retryInit is the backoff timer callback for failed initialize attempts.
func (c *Controller) retryInit() {
	c.mu.Lock()
	if c.destroyed || c.fatalErr != nil || c.inFlight != nil {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateInitializing, StateReinitializing, StateTransientDown:
	default:
		c.mu.Unlock()
		return
	}
	att, emits, ok := c.beginInitLocked()
	c.mu.Unlock()
	c.run(emits)
	if !ok {
		return
	}

	err := c.runInitAttempt(context.Background(), att)
	c.finishInit(att, err)
}

// Reinitialize tears the session down and starts over, optionally clearing
// the stored credential first (forcing a fresh pairing).
func (c *Controller) Reinitialize(ctx context.Context, clearCredential bool) error {
	var emits []func()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state != StateReinitializing && c.state != StateUninitialized {
		if !c.transitionLocked(StateReinitializing, &emits) {
			state := c.state
			c.mu.Unlock()
			c.run(emits)
			return fmt.Errorf("session %s: reinitialize not legal from state %s", c.cfg.ID, state)
		}
	}
	c.mu.Unlock()
	c.run(emits)

	if clearCredential && c.cfg.Credentials != nil {
		if err := c.cfg.Credentials.Clear(ctx, c.cfg.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Reinitialize",
				"session_id": c.cfg.ID,
				"error":      err,
			}).Warn("Clearing stored credential failed")
		}
	}
	return c.Initialize(ctx)
}

// Repair is the explicit re-pair path out of a terminal or fatal condition:
// it clears the stored credential and the fatal error, resets every recovery
// counter and initializes from scratch.
func (c *Controller) Repair(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.fatalErr = nil
	c.retryAttempt = 0
	c.initAttempt = 0
	c.reinitAttempt = 0
	c.unknownStateStreak = 0
	c.authFailStreak = 0
	c.mu.Unlock()

	if c.cfg.Credentials != nil {
		if err := c.cfg.Credentials.Clear(ctx, c.cfg.ID); err != nil {
			return fmt.Errorf("clear credential for re-pair: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Repair",
		"session_id": c.cfg.ID,
	}).Info("Re-pairing session")
	return c.Initialize(ctx)
}

// ClearFatal re-enables automatic recovery without re-pairing. The caller is
// asserting the underlying condition was resolved externally.
func (c *Controller) ClearFatal() {
	c.mu.Lock()
	c.fatalErr = nil
	c.initAttempt = 0
	c.retryAttempt = 0
	c.mu.Unlock()
}

// WaitUntilReady blocks until the session can send and receive, the
// configured ready timeout elapses, ctx is cancelled, or the session fails
// terminally. A terminal or fatal session rejects immediately with no
// backoff delay.
func (c *Controller) WaitUntilReady(ctx context.Context) error {
	if err, done := c.readyOrRejectNow(); done {
		return err
	}

	// One direct inference probe closes the race where readiness happened
	// before this call but the event was missed.
	c.mu.Lock()
	client := c.client
	state := c.state
	c.mu.Unlock()
	if client != nil && state == StateAuthenticating {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.StateProbeTimeout)
		st, err := client.ConnectionState(probeCtx)
		cancel()
		if err == nil && st == transport.StateConnected && c.inferReady() {
			return nil
		}
	}

	readyCh := make(chan struct{}, 1)
	failCh := make(chan error, 1)

	readyID := c.OnReady(func() {
		select {
		case readyCh <- struct{}{}:
		default:
		}
	})
	stateID := c.OnStateChanged(func(from, to State) {
		if to == StateTerminalDown {
			select {
			case failCh <- c.terminalError():
			default:
			}
		}
	})
	fatalID := c.OnFatalError(func(err error) {
		select {
		case failCh <- err:
		default:
		}
	})
	defer c.Off(readyID)
	defer c.Off(stateID)
	defer c.Off(fatalID)

	// Re-check after subscribing: the state may have moved between the
	// probe and the listener registration.
	if err, done := c.readyOrRejectNow(); done {
		return err
	}

	timer := time.NewTimer(c.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-readyCh:
		return nil
	case err := <-failCh:
		return err
	case <-timer.C:
		return c.readyTimeoutError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readyOrRejectNow resolves the wait immediately when the session is already
// ready, destroyed, terminal or fatal.
func (c *Controller) readyOrRejectNow() (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.destroyed:
		return ErrDestroyed, true
	case c.state == StateReady:
		return nil, true
	case c.fatalErr != nil:
		return c.fatalErr, true
	case c.state == StateTerminalDown:
		return &TerminalError{SessionID: c.cfg.ID, Reason: c.lastDisconnectReason}, true
	}
	return nil, false
}

func (c *Controller) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &TerminalError{SessionID: c.cfg.ID, Reason: c.lastDisconnectReason}
}

func (c *Controller) readyTimeoutError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ReadyTimeoutError{
		SessionID:     c.cfg.ID,
		State:         c.state,
		Authenticated: !c.lastAuthenticatedAt.IsZero(),
		LastErr:       c.lastErr,
		Timeout:       c.cfg.ReadyTimeout,
	}
}

// Send enqueues a message and blocks until it resolves. The session must be
// ready; there is no implicit queueing across a down period.
func (c *Controller) Send(ctx context.Context, destination string, payload []byte, opts transport.SendOptions) (*transport.SendResult, error) {
	p, err := c.Enqueue(ctx, destination, payload, opts)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Enqueue is the promise form of Send: it returns once the message is
// queued, and the Pending resolves when delivery succeeds or fails.
func (c *Controller) Enqueue(ctx context.Context, destination string, payload []byte, opts transport.SendOptions) (*dispatch.Pending, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s in state %s: %w", c.cfg.ID, state, ErrNotReady)
	}
	c.mu.Unlock()

	return c.queue.Enqueue(ctx, destination, payload, opts)
}

// transportSend is the queue's SendFunc. It resolves the current client on
// every call so a reinitialize never leaves the queue with a stale handle.
func (c *Controller) transportSend(ctx context.Context, destination string, payload []byte, opts transport.SendOptions) (*transport.SendResult, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, &transport.OpError{Op: "send", SessionID: c.cfg.ID, Err: transport.ErrNotConnected}
	}

	res, err := client.Send(ctx, destination, payload, opts)
	if err != nil {
		return nil, &transport.OpError{Op: "send", SessionID: c.cfg.ID, Err: err}
	}
	return res, nil
}

// Destroy cancels every timer and loop, closes the queue (failing residual
// messages), releases the transport handle and makes every further call fail
// with ErrDestroyed. Irreversible and idempotent.
func (c *Controller) Destroy() error {
	var emits []func()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	if c.inFlight != nil {
		c.inFlight = nil
	}
	c.stopTimerLocked(&c.backoffTimer)
	c.stopTimerLocked(&c.pairingTimer)
	c.transitionLocked(StateDestroyed, &emits)
	client := c.client
	c.client = nil
	c.mu.Unlock()
	c.run(emits)

	c.monitor.stop()
	c.queue.Close()
	if client != nil {
		client.SetHandlers(transport.Handlers{})
		client.Close()
	}
	if c.ownsDedup {
		c.dedupCache.Close()
	}
	c.events.clear()

	logrus.WithFields(logrus.Fields{
		"function":   "Destroy",
		"session_id": c.cfg.ID,
	}).Info("Session destroyed")
	return nil
}

// --- transport event handlers ---

func (c *Controller) onPairingChallenge(payload []byte) {
	var emits []func()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if !c.transitionLocked(StateAwaitingPairing, &emits) {
		c.mu.Unlock()
		c.run(emits)
		return
	}
	c.lastPairingIssuedAt = time.Now()
	c.stopTimerLocked(&c.pairingTimer)
	c.pairingTimer = time.AfterFunc(c.cfg.PairingTimeout, c.onPairingTimeout)
	emits = append(emits, func() { c.emitPairingChallenge(payload) })
	c.mu.Unlock()
	c.run(emits)

	logrus.WithFields(logrus.Fields{
		"function":   "onPairingChallenge",
		"session_id": c.cfg.ID,
		"bytes":      len(payload),
	}).Info("Pairing challenge issued, waiting on out-of-band action")
}

// onPairingTimeout restarts the pairing step, bounded by the same budget as
// initialize attempts; past it the session goes fatal with ErrPairingTimeout.
func (c *Controller) onPairingTimeout() {
	var emits []func()

	c.mu.Lock()
	if c.destroyed || c.state != StateAwaitingPairing {
		c.mu.Unlock()
		return
	}
	if c.initAttempt >= c.cfg.MaxInitRetries {
		c.setFatalLocked(fmt.Errorf("%w after %d attempts", ErrPairingTimeout, c.initAttempt), &emits)
		c.mu.Unlock()
		c.run(emits)
		return
	}
	c.transitionLocked(StateReinitializing, &emits)
	c.mu.Unlock()
	c.run(emits)

	logrus.WithFields(logrus.Fields{
		"function":   "onPairingTimeout",
		"session_id": c.cfg.ID,
		"timeout":    c.cfg.PairingTimeout,
	}).Warn("Pairing challenge expired, restarting pairing")

	if err := c.Initialize(context.Background()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "onPairingTimeout",
			"session_id": c.cfg.ID,
			"error":      err,
		}).Warn("Pairing restart failed")
	}
}

func (c *Controller) onAuthenticated() {
	var emits []func()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.lastAuthenticatedAt = time.Now()
	c.authFailStreak = 0
	if c.state == StateInitializing || c.state == StateAwaitingPairing {
		c.transitionLocked(StateAuthenticating, &emits)
	}
	c.mu.Unlock()
	c.run(emits)

	logrus.WithFields(logrus.Fields{
		"function":   "onAuthenticated",
		"session_id": c.cfg.ID,
	}).Info("Session authenticated")
}

func (c *Controller) onAuthFailed(reason string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.authFailStreak++
	c.lastErr = fmt.Errorf("authentication failed: %s", reason)
	streak := c.authFailStreak
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "onAuthFailed",
		"session_id": c.cfg.ID,
		"reason":     reason,
		"streak":     streak,
	}).Warn("Stored credential rejected")
	c.emitAuthFailed(reason)
}

func (c *Controller) onReady() {
	c.markReady("event")
}

// inferReady synthesizes the ready transition when the transport reports a
// connected state but never emitted its ready signal. It only fires from
// StateAuthenticating, so a late real event can never produce a second
// transition.
func (c *Controller) inferReady() bool {
	c.mu.Lock()
	if c.destroyed || c.state != StateAuthenticating {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	return c.markReady("inferred")
}

func (c *Controller) markReady(via string) bool {
	var emits []func()

	c.mu.Lock()
	if c.destroyed || c.state == StateReady || c.state == StateTerminalDown {
		c.mu.Unlock()
		return false
	}
	// A ready signal straight out of pairing or initialize implies the
	// authentication step completed; pass through it.
	if c.state == StateInitializing || c.state == StateAwaitingPairing {
		if !c.transitionLocked(StateAuthenticating, &emits) {
			c.mu.Unlock()
			c.run(emits)
			return false
		}
		if c.lastAuthenticatedAt.IsZero() {
			c.lastAuthenticatedAt = time.Now()
		}
	}
	if !c.transitionLocked(StateReady, &emits) {
		c.mu.Unlock()
		c.run(emits)
		return false
	}
	c.lastReadyAt = time.Now()
	c.retryAttempt = 0
	c.initAttempt = 0
	c.reinitAttempt = 0
	c.unknownStateStreak = 0
	c.authFailStreak = 0
	emits = append(emits, c.emitReady)
	c.mu.Unlock()
	c.run(emits)

	logrus.WithFields(logrus.Fields{
		"function":   "markReady",
		"session_id": c.cfg.ID,
		"via":        via,
	}).Info("Session ready")
	return true
}

// handleDisconnect classifies the reason and routes recovery: terminal stops
// everything until an explicit re-pair, transient (and unknown) schedules a
// backoff reconnect until the retry budget runs out.
func (c *Controller) handleDisconnect(reason string) {
	class := policy.Classify(reason)
	var emits []func()

	c.mu.Lock()
	if c.destroyed || c.state == StateTerminalDown {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	c.lastDisconnectReason = reason
	c.lastDisconnectAt = now
	c.lastErr = fmt.Errorf("disconnected: %s", reason)

	if class == policy.ClassTerminal {
		c.stopTimerLocked(&c.backoffTimer)
		c.stopTimerLocked(&c.pairingTimer)
		c.transitionLocked(StateTerminalDown, &emits)
		emits = append(emits, func() { c.emitDisconnected(reason, class) })
		c.mu.Unlock()
		c.run(emits)

		logrus.WithFields(logrus.Fields{
			"function":   "handleDisconnect",
			"session_id": c.cfg.ID,
			"reason":     reason,
		}).Error("Terminal disconnect, re-pairing required")
		return
	}

	if class == policy.ClassUnknown {
		c.unknownStateStreak++
	}
	c.retryAttempt++
	attempt := c.retryAttempt
	c.transitionLocked(StateTransientDown, &emits)
	emits = append(emits, func() { c.emitDisconnected(reason, class) })

	if c.reconnectBackoff.Exhausted(attempt) {
		c.setFatalLocked(fmt.Errorf("reconnect attempts exhausted after %d tries (last reason: %s)", attempt-1, reason), &emits)
		c.mu.Unlock()
		c.run(emits)
		return
	}

	delay := c.reconnectBackoff.Delay(attempt)
	c.backoffTimer = time.AfterFunc(delay, c.reconnectFromBackoff)
	c.mu.Unlock()
	c.run(emits)

	logrus.WithFields(logrus.Fields{
		"function":   "handleDisconnect",
		"session_id": c.cfg.ID,
		"reason":     reason,
		"class":      class.String(),
		"attempt":    attempt,
		"delay":      delay,
	}).Warn("Transient disconnect, reconnect scheduled")
}

// reconnectFromBackoff is the backoff timer callback after a transient
// disconnect.
func (c *Controller) reconnectFromBackoff() {
	c.mu.Lock()
	if c.destroyed || c.fatalErr != nil || c.state != StateTransientDown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.Reinitialize(context.Background(), false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "reconnectFromBackoff",
			"session_id": c.cfg.ID,
			"error":      err,
		}).Warn("Scheduled reconnect failed")
	}
}

// onInboundMessage runs the dedup gate before handing a message to
// subscribers. A dedup backend failure fails open: the message is processed
// and the error logged, trading strict once-only for availability.
func (c *Controller) onInboundMessage(msg transport.InboundMessage) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	key := dedup.SessionKey(c.cfg.ID, msg.ID)
	ctx := context.Background()

	dup, err := c.dedupCache.IsDuplicate(ctx, key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "onInboundMessage",
			"session_id": c.cfg.ID,
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Dedup lookup failed, processing message anyway")
	} else if dup {
		logrus.WithFields(logrus.Fields{
			"function":   "onInboundMessage",
			"session_id": c.cfg.ID,
			"message_id": msg.ID,
		}).Debug("Duplicate inbound message suppressed")
		return
	} else if err := c.dedupCache.MarkProcessed(ctx, key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "onInboundMessage",
			"session_id": c.cfg.ID,
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Dedup mark failed")
	}

	c.emitMessage(msg)
}

// --- monitor support ---

// monitorView is the read-only slice of session state the monitor acts on.
type monitorView struct {
	state               State
	fatal               bool
	lastPairingIssuedAt time.Time
	initInFlight        bool
	initStartedAt       time.Time
	reinitAttempt       int
	authFailStreak      int
}

func (c *Controller) viewForMonitor() monitorView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return monitorView{
		state:               c.state,
		fatal:               c.fatalErr != nil,
		lastPairingIssuedAt: c.lastPairingIssuedAt,
		initInFlight:        c.inFlight != nil,
		initStartedAt:       c.initStartedAt,
		reinitAttempt:       c.reinitAttempt,
		authFailStreak:      c.authFailStreak,
	}
}

// probeConnectionState asks the transport directly for its own view.
func (c *Controller) probeConnectionState(ctx context.Context) (transport.ConnectionState, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return transport.StateUnknown, transport.ErrNotConnected
	}
	return client.ConnectionState(ctx)
}

// noteUnknownState records one degraded/unknown probe result.
func (c *Controller) noteUnknownState() {
	c.mu.Lock()
	c.unknownStateStreak++
	c.mu.Unlock()
}

// resetEscalation clears the monitor's escalation counters, either on a
// healthy probe or when a cooldown window expires.
func (c *Controller) resetEscalation() {
	c.mu.Lock()
	c.reinitAttempt = 0
	c.unknownStateStreak = 0
	c.mu.Unlock()
}

// escalateReinit performs one monitor-driven reinitialize. An in-flight
// initialize suppresses it unless force is set, in which case the stale
// attempt is abandoned. The stored credential is cleared when repeated
// auth-failure indicators are present.
func (c *Controller) escalateReinit(force bool) {
	c.mu.Lock()
	if c.destroyed || c.fatalErr != nil ||
		c.state == StateTerminalDown || c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	if c.inFlight != nil {
		if !force {
			c.mu.Unlock()
			return
		}
		c.inFlight = nil
	}
	c.reinitAttempt++
	attempt := c.reinitAttempt
	clearCred := c.authFailStreak >= 2
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":         "escalateReinit",
		"session_id":       c.cfg.ID,
		"reinit_attempt":   attempt,
		"clear_credential": clearCred,
		"forced":           force,
	}).Warn("Health monitor escalating to reinitialize")

	if err := c.Reinitialize(context.Background(), clearCred); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "escalateReinit",
			"session_id": c.cfg.ID,
			"error":      err,
		}).Warn("Escalated reinitialize failed")
	}
}

// --- internals ---

// transitionLocked performs one legal state-machine edge, cancelling timers
// owned by the departed state and queueing the stateChanged emission. A
// same-state transition is a no-op that succeeds. Callers hold c.mu and run
// the collected emissions after unlocking.
func (c *Controller) transitionLocked(to State, emits *[]func()) bool {
	from := c.state
	if from == to {
		return true
	}
	if !legalTransition(from, to) {
		logrus.WithFields(logrus.Fields{
			"function":   "transition",
			"session_id": c.cfg.ID,
			"from":       from.String(),
			"to":         to.String(),
		}).Warn("Illegal state transition rejected")
		return false
	}

	switch from {
	case StateAwaitingPairing:
		c.stopTimerLocked(&c.pairingTimer)
	case StateTransientDown:
		c.stopTimerLocked(&c.backoffTimer)
	}
	if to == StateTerminalDown || to == StateDestroyed {
		c.stopTimerLocked(&c.backoffTimer)
		c.stopTimerLocked(&c.pairingTimer)
	}

	c.state = to
	logrus.WithFields(logrus.Fields{
		"function":   "transition",
		"session_id": c.cfg.ID,
		"from":       from.String(),
		"to":         to.String(),
	}).Debug("Session state changed")

	*emits = append(*emits, func() { c.emitStateChanged(from, to) })
	return true
}

// setFatalLocked records the condition that disabled automatic recovery and
// queues the fatalError emission after the pending stateChanged ones, so
// event observers and rejected waiters see a consistent picture.
func (c *Controller) setFatalLocked(cause error, emits *[]func()) {
	fatal := &FatalError{SessionID: c.cfg.ID, Cause: cause}
	c.fatalErr = fatal
	c.lastErr = cause
	c.stopTimerLocked(&c.backoffTimer)
	c.stopTimerLocked(&c.pairingTimer)

	logrus.WithFields(logrus.Fields{
		"function":   "setFatal",
		"session_id": c.cfg.ID,
		"error":      cause,
	}).Error("Session halted, automatic recovery disabled")

	*emits = append(*emits, func() { c.emitFatalError(fatal) })
}

func (c *Controller) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// run executes queued emissions outside the session mutex.
func (c *Controller) run(emits []func()) {
	for _, fn := range emits {
		fn()
	}
}

func (c *Controller) attemptNumber() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initAttempt
}

func (c *Controller) randUint64() uint64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Uint64()
}

// jitterBetween returns a uniform random duration in [min, max].
func (c *Controller) jitterBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return min + time.Duration(c.rng.Int64N(int64(max-min)+1))
}
