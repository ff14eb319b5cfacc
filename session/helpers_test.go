package session

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sessionwire/credential"
	"github.com/opd-ai/sessionwire/dispatch"
	"github.com/opd-ai/sessionwire/transport"
)

// testEnv wires a Controller to a factory of scriptable mock clients with
// millisecond-scale timings, so lifecycle behavior is observable in real
// time without fake clocks.
type testEnv struct {
	t *testing.T

	mu          sync.Mutex
	clients     []*transport.MockClient
	onNewClient func(m *transport.MockClient)
	factoryErr  error

	store *credential.MemoryStore
	ctrl  *Controller
}

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()

	env := &testEnv{t: t, store: credential.NewMemoryStore()}
	cfg := Config{
		ID:          "s1",
		Factory:     env.factory,
		Credentials: env.store,

		ReadyTimeout:        400 * time.Millisecond,
		PairingTimeout:      time.Hour,
		MaxInitRetries:      3,
		InitRetryBaseDelay:  10 * time.Millisecond,
		MaxReconnectRetries: 5,
		ReconnectBaseDelay:  5 * time.Millisecond,
		BackoffCap:          40 * time.Millisecond,

		HealthCheckInterval:  -1, // enabled per-test
		FallbackPollInterval: 20 * time.Millisecond,
		PairingGrace:         time.Hour,
		StateRetryMin:        3 * time.Millisecond,
		StateRetryMax:        6 * time.Millisecond,
		MaxStateRetries:      3,
		MaxReinitAttempts:    2,
		ReinitCooldown:       time.Hour,
		StateProbeTimeout:    50 * time.Millisecond,
		InitWarnAfter:        time.Hour,
		InitForceReinitAfter: 2 * time.Hour,

		Queue: dispatch.Config{
			MinSpacing:     time.Millisecond,
			RetryDelayUnit: 5 * time.Millisecond,
		},
		DedupSweepInterval: -1,

		Rand: rand.New(rand.NewPCG(7, 11)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctrl, err := New(cfg)
	require.NoError(t, err)
	env.ctrl = ctrl
	t.Cleanup(func() { ctrl.Destroy() })
	return env
}

func (e *testEnv) factory(ctx context.Context, sessionID string) (transport.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.factoryErr != nil {
		return nil, e.factoryErr
	}
	m := transport.NewMockClient()
	if e.onNewClient != nil {
		e.onNewClient(m)
	}
	e.clients = append(e.clients, m)
	return m, nil
}

// client returns the most recently created mock.
func (e *testEnv) client() *transport.MockClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.clients) == 0 {
		e.t.Fatal("no transport client created yet")
	}
	return e.clients[len(e.clients)-1]
}

func (e *testEnv) clientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

func (e *testEnv) setFactoryErr(err error) {
	e.mu.Lock()
	e.factoryErr = err
	e.mu.Unlock()
}

// saveCredential seeds the store so the next initialize resumes instead of
// pairing.
func (e *testEnv) saveCredential() {
	err := e.store.Save(context.Background(), &credential.Credential{
		SessionID: "s1",
		Data:      []byte("stored-pairing-artifact"),
	})
	require.NoError(e.t, err)
}

// makeReady drives the session to StateReady through the resume path.
func (e *testEnv) makeReady() {
	e.t.Helper()
	e.saveCredential()
	require.NoError(e.t, e.ctrl.Initialize(context.Background()))
	e.client().EmitReady()
	waitState(e.t, e.ctrl, StateReady, time.Second)
}

func waitState(t *testing.T, c *Controller, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state %s not reached within %v (current %s)", want, timeout, c.State())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
