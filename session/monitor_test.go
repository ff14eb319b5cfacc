package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sessionwire/transport"
)

func TestFallbackPollerInfersReadiness(t *testing.T) {
	pollInterval := 20 * time.Millisecond
	env := newTestEnv(t, func(cfg *Config) {
		cfg.FallbackPollInterval = pollInterval
	})
	env.saveCredential()
	// Transport reports connected but never emits its ready event.
	env.onNewClient = func(m *transport.MockClient) {
		m.SetConnectionState(transport.StateConnected)
	}

	require.NoError(t, env.ctrl.Initialize(context.Background()))
	require.Equal(t, StateAuthenticating, env.ctrl.State())

	start := time.Now()
	waitState(t, env.ctrl, StateReady, time.Second)
	assert.Less(t, time.Since(start), 2*pollInterval,
		"fallback poller took too long to infer readiness")
}

func TestFallbackPollerStopsOnceReady(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.FallbackPollInterval = 10 * time.Millisecond
	})
	env.saveCredential()
	env.onNewClient = func(m *transport.MockClient) {
		m.SetConnectionState(transport.StateConnected)
	}

	require.NoError(t, env.ctrl.Initialize(context.Background()))
	waitState(t, env.ctrl, StateReady, time.Second)

	// Once ready, the poller must be gone: no further state queries.
	time.Sleep(30 * time.Millisecond)
	calls := env.client().ConnectionStateCalls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, env.client().ConnectionStateCalls(),
		"fallback poller kept querying after the session became ready")
}

func TestFallbackPollerStopsOnTerminalDisconnect(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.FallbackPollInterval = 10 * time.Millisecond
	})
	env.saveCredential()

	require.NoError(t, env.ctrl.Initialize(context.Background()))
	require.Equal(t, StateAuthenticating, env.ctrl.State())

	env.client().EmitDisconnected("CREDENTIAL_REVOKED")
	waitState(t, env.ctrl, StateTerminalDown, time.Second)

	time.Sleep(20 * time.Millisecond)
	calls := env.client().ConnectionStateCalls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, env.client().ConnectionStateCalls(),
		"fallback poller survived a terminal disconnect")
}

func TestHealthCheckEscalatesExactlyOncePerCycle(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.HealthCheckInterval = 30 * time.Millisecond
		cfg.FallbackPollInterval = -1
		cfg.MaxStateRetries = 2
		cfg.StateRetryMin = 3 * time.Millisecond
		cfg.StateRetryMax = 6 * time.Millisecond
		cfg.MaxReinitAttempts = 2
	})
	// Every client reports an unknown state and never becomes ready.
	env.onNewClient = func(m *transport.MockClient) {
		m.SetConnectionState(transport.StateUnknown)
	}
	env.saveCredential()
	require.NoError(t, env.ctrl.Initialize(context.Background()))
	env.client().EmitReady()
	waitState(t, env.ctrl, StateReady, time.Second)
	require.Equal(t, 1, env.clientCount())

	// One health cycle: MaxStateRetries degraded probes, then exactly one
	// reinitialize.
	waitFor(t, time.Second, func() bool { return env.clientCount() == 2 },
		"health monitor never escalated to a reinitialize")
	assert.Equal(t, 1, env.ctrl.Snapshot().ReinitAttempt)
}

func TestHealthCheckCooldownStopsReinitStorm(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.HealthCheckInterval = 25 * time.Millisecond
		cfg.FallbackPollInterval = -1
		cfg.MaxStateRetries = 1
		cfg.MaxReinitAttempts = 1
		cfg.ReinitCooldown = 250 * time.Millisecond
	})
	env.onNewClient = func(m *transport.MockClient) {
		m.SetConnectionState(transport.StateUnknown)
	}
	env.saveCredential()
	require.NoError(t, env.ctrl.Initialize(context.Background()))
	env.client().EmitReady()
	waitState(t, env.ctrl, StateReady, time.Second)

	// First degraded cycle escalates once; the next one exhausts the reinit
	// budget and parks in cooldown.
	waitFor(t, time.Second, func() bool { return env.clientCount() == 2 },
		"first escalation never happened")
	waitFor(t, time.Second, func() bool { return !env.ctrl.monitor.CooldownUntil().IsZero() },
		"monitor never entered cooldown")

	// No recovery while the cooldown holds.
	count := env.clientCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, env.clientCount(), "monitor reinitialized during cooldown")

	// After the cooldown expires, counters reset and escalation resumes.
	waitFor(t, 2*time.Second, func() bool { return env.clientCount() > count },
		"monitoring did not resume after cooldown expiry")
}

func TestHealthCheckResetsCountersWhenConnected(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.HealthCheckInterval = 20 * time.Millisecond
		cfg.FallbackPollInterval = -1
	})
	env.onNewClient = func(m *transport.MockClient) {
		m.SetConnectionState(transport.StateConnected)
	}
	env.makeReady()

	// Seed a stale streak; a healthy probe clears it.
	env.ctrl.noteUnknownState()
	env.ctrl.noteUnknownState()

	waitFor(t, time.Second, func() bool {
		snap := env.ctrl.Snapshot()
		return snap.UnknownStateStreak == 0 && snap.ReinitAttempt == 0
	}, "healthy probe did not reset escalation counters")
	assert.Equal(t, 1, env.clientCount(), "healthy session was reinitialized")
}

func TestHealthCheckSuppressedDuringPairingGrace(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.HealthCheckInterval = 15 * time.Millisecond
		cfg.FallbackPollInterval = -1
		cfg.PairingGrace = time.Hour
		cfg.PairingTimeout = time.Hour
	})
	require.NoError(t, env.ctrl.Initialize(context.Background()))
	env.client().EmitPairingChallenge([]byte("qr"))
	waitState(t, env.ctrl, StateAwaitingPairing, time.Second)

	// The session is degraded from the transport's point of view, but a
	// human may be mid-scan: no escalation.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, env.clientCount(), "monitor escalated inside the pairing grace window")
	assert.Equal(t, StateAwaitingPairing, env.ctrl.State())
}

func TestHealthCheckForcesReinitOfStuckInitialize(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.HealthCheckInterval = 15 * time.Millisecond
		cfg.FallbackPollInterval = 10 * time.Millisecond
		cfg.InitWarnAfter = 20 * time.Millisecond
		cfg.InitForceReinitAfter = 50 * time.Millisecond
	})
	initCtx, cancelInit := context.WithCancel(context.Background())
	t.Cleanup(cancelInit)
	first := true
	env.onNewClient = func(m *transport.MockClient) {
		if first {
			first = false
			// First initialize hangs until its context is cancelled.
			m.SetInitializeFunc(func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
		}
		m.SetConnectionState(transport.StateConnected)
	}
	env.saveCredential()

	go env.ctrl.Initialize(initCtx)

	// Past InitForceReinitAfter the monitor abandons the stuck attempt and
	// reinitializes with a fresh client.
	waitFor(t, 2*time.Second, func() bool { return env.clientCount() >= 2 },
		"stuck initialize was never forced into a reinit")
	waitState(t, env.ctrl, StateReady, 2*time.Second)
}

func TestZeroIntervalDisablesLoops(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.HealthCheckInterval = 0
		cfg.FallbackPollInterval = 0
	})
	// Zero must survive defaulting: an operator turning a loop off must not
	// silently get the production interval back.
	assert.Equal(t, time.Duration(0), env.ctrl.cfg.HealthCheckInterval)
	assert.Equal(t, time.Duration(0), env.ctrl.cfg.FallbackPollInterval)

	env.onNewClient = func(m *transport.MockClient) {
		m.SetConnectionState(transport.StateUnknown)
	}
	env.makeReady()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, env.clientCount(), "disabled loops still escalated to a reinitialize")
	assert.Equal(t, 0, env.client().ConnectionStateCalls(), "disabled loops still probed the transport")
}

func TestHealthLoopDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.HealthCheckInterval = -1
		cfg.FallbackPollInterval = -1
	})
	env.onNewClient = func(m *transport.MockClient) {
		m.SetConnectionState(transport.StateUnknown)
	}
	env.makeReady()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, env.clientCount(), "disabled health loop still escalated")
	assert.Equal(t, 0, env.client().ConnectionStateCalls(), "disabled loops still probed the transport")
}
