package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionwire/transport"
)

// ReadinessMonitor covers the gap passive event wiring leaves open: a
// transport that is actually usable but never emitted its ready signal, and
// a session stuck in a down state with no event ever coming.
//
// Two loops cooperate. The fallback poller runs only while the session is
// authenticating and synthesizes the ready transition when the transport
// reports a connected state. The health loop probes the transport on a long
// interval and, when the state stays degraded, escalates in stages (bounded
// re-probes, then a reinitialize, then a cooldown). Polling is bounded and
// randomized so a fleet of sessions never reinitializes in lockstep.
//
// The monitor never mutates session fields; every recovery action goes
// through a controller method.
type ReadinessMonitor struct {
	c *Controller

	mu            sync.Mutex
	pollCancel    chan struct{}
	cooldownUntil time.Time

	subID    uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newReadinessMonitor(c *Controller) *ReadinessMonitor {
	return &ReadinessMonitor{
		c:      c,
		stopCh: make(chan struct{}),
	}
}

// start wires the monitor to the controller's event surface and launches the
// health loop. The fallback poller starts lazily when the session enters
// StateAuthenticating.
func (m *ReadinessMonitor) start() {
	m.subID = m.c.OnStateChanged(func(from, to State) {
		if to == StateAuthenticating {
			m.startFallbackPoll()
		} else {
			m.stopFallbackPoll()
		}
	})

	if m.c.cfg.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthLoop()
	}
}

// stop cancels both loops and waits for them to exit.
func (m *ReadinessMonitor) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.stopFallbackPoll()
	m.wg.Wait()
	m.c.Off(m.subID)
}

// CooldownUntil reports the end of the active escalation cooldown, zero when
// none is active.
func (m *ReadinessMonitor) CooldownUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownUntil
}

// --- fallback poller ---

func (m *ReadinessMonitor) startFallbackPoll() {
	if m.c.cfg.FallbackPollInterval <= 0 {
		return
	}

	m.mu.Lock()
	if m.pollCancel != nil {
		m.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	m.pollCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.fallbackPollLoop(cancel)

	logrus.WithFields(logrus.Fields{
		"function":   "startFallbackPoll",
		"session_id": m.c.ID(),
		"interval":   m.c.cfg.FallbackPollInterval,
	}).Debug("Fallback readiness poller started")
}

func (m *ReadinessMonitor) stopFallbackPoll() {
	m.mu.Lock()
	if m.pollCancel != nil {
		close(m.pollCancel)
		m.pollCancel = nil
	}
	m.mu.Unlock()
}

// fallbackPollLoop queries the transport's own state accessor until the
// session leaves StateAuthenticating by any path. A connected answer
// synthesizes the ready transition the transport failed to signal.
func (m *ReadinessMonitor) fallbackPollLoop(cancel chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.c.cfg.FallbackPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.c.State() != StateAuthenticating {
				return
			}
			ctx, cancelProbe := context.WithTimeout(context.Background(), m.c.cfg.StateProbeTimeout)
			st, err := m.c.probeConnectionState(ctx)
			cancelProbe()
			if err != nil || st != transport.StateConnected {
				continue
			}
			if m.c.inferReady() {
				logrus.WithFields(logrus.Fields{
					"function":   "fallbackPollLoop",
					"session_id": m.c.ID(),
				}).Info("Ready inferred from transport state, no ready event received")
			}
			return
		case <-cancel:
			return
		case <-m.stopCh:
			return
		}
	}
}

// --- health loop ---

func (m *ReadinessMonitor) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runHealthCheck()
		case <-m.stopCh:
			return
		}
	}
}

// runHealthCheck executes one escalation cycle: suppression checks first,
// then up to MaxStateRetries probes with randomized gaps, then either a
// reinitialize or the cooldown window.
func (m *ReadinessMonitor) runHealthCheck() {
	view := m.c.viewForMonitor()

	switch view.state {
	case StateReady, StateTransientDown, StateReinitializing,
		StateInitializing, StateAuthenticating, StateAwaitingPairing:
	default:
		// Nothing to watch before the first initialize; terminal and
		// destroyed sessions are recovered only by explicit calls.
		return
	}
	if view.fatal {
		return
	}

	// A freshly issued pairing challenge may legitimately be waiting on a
	// human; escalating would only destroy the challenge.
	if !view.lastPairingIssuedAt.IsZero() &&
		time.Since(view.lastPairingIssuedAt) < m.c.cfg.PairingGrace {
		logrus.WithFields(logrus.Fields{
			"function":   "runHealthCheck",
			"session_id": m.c.ID(),
		}).Debug("Within pairing grace window, skipping health check")
		return
	}

	if view.initInFlight {
		m.checkLongInit(view)
		return
	}

	if m.inCooldown() {
		return
	}

	if m.probeUntilConnected() {
		return
	}

	// Probes exhausted: escalate or park.
	view = m.c.viewForMonitor()
	if view.state == StateDestroyed || view.state == StateTerminalDown || view.fatal {
		return
	}
	if view.reinitAttempt < m.c.cfg.MaxReinitAttempts {
		m.c.escalateReinit(false)
		return
	}

	until := time.Now().Add(m.c.cfg.ReinitCooldown)
	m.mu.Lock()
	m.cooldownUntil = until
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "runHealthCheck",
		"session_id":     m.c.ID(),
		"reinit_attempt": view.reinitAttempt,
		"cooldown":       m.c.cfg.ReinitCooldown,
	}).Warn("Reinit attempts exhausted, entering recovery cooldown")
}

// checkLongInit watches an initialize that was already in flight when the
// health loop fired: warn past one threshold, force a reinit past the other.
func (m *ReadinessMonitor) checkLongInit(view monitorView) {
	age := time.Since(view.initStartedAt)
	switch {
	case age >= m.c.cfg.InitForceReinitAfter:
		logrus.WithFields(logrus.Fields{
			"function":   "checkLongInit",
			"session_id": m.c.ID(),
			"age":        age,
		}).Warn("Initialize stuck past hard limit, forcing reinitialize")
		m.c.escalateReinit(true)
	case age >= m.c.cfg.InitWarnAfter:
		logrus.WithFields(logrus.Fields{
			"function":   "checkLongInit",
			"session_id": m.c.ID(),
			"age":        age,
		}).Warn("Initialize running long")
	}
}

// inCooldown reports whether escalation is parked, resetting the counters
// once the window expires.
func (m *ReadinessMonitor) inCooldown() bool {
	m.mu.Lock()
	until := m.cooldownUntil
	m.mu.Unlock()

	if until.IsZero() {
		return false
	}
	if time.Now().Before(until) {
		return true
	}

	m.mu.Lock()
	m.cooldownUntil = time.Time{}
	m.mu.Unlock()
	m.c.resetEscalation()

	logrus.WithFields(logrus.Fields{
		"function":   "inCooldown",
		"session_id": m.c.ID(),
	}).Info("Recovery cooldown expired, resuming monitoring")
	return false
}

// probeUntilConnected runs the bounded probe cycle. It returns true when the
// transport reported a connected state (or the cycle should be abandoned),
// false when every probe came back degraded.
func (m *ReadinessMonitor) probeUntilConnected() bool {
	for probe := 1; ; probe++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.c.cfg.StateProbeTimeout)
		st, err := m.c.probeConnectionState(ctx)
		cancel()

		if err == nil && st == transport.StateConnected {
			m.c.resetEscalation()
			return true
		}

		m.c.noteUnknownState()
		logrus.WithFields(logrus.Fields{
			"function":   "probeUntilConnected",
			"session_id": m.c.ID(),
			"probe":      probe,
			"state":      st.String(),
			"error":      err,
		}).Warn("Transport state probe degraded")

		if probe >= m.c.cfg.MaxStateRetries {
			return false
		}

		delay := m.c.jitterBetween(m.c.cfg.StateRetryMin, m.c.cfg.StateRetryMax)
		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return true
		}

		switch m.c.State() {
		case StateDestroyed, StateTerminalDown:
			return true
		}
	}
}
