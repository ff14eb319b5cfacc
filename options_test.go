package sessionwire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/sessionwire/session"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()

	assert.Equal(t, 60*time.Second, opts.ReadyTimeout)
	assert.Equal(t, 120*time.Second, opts.PairingTimeout)
	assert.Equal(t, 3, opts.MaxInitRetries)
	assert.Equal(t, 10*time.Second, opts.InitRetryBaseDelay)
	assert.Equal(t, 5, opts.MaxReconnectRetries)
	assert.Equal(t, 5*time.Second, opts.ReconnectBaseDelay)
	assert.Equal(t, 15*time.Minute, opts.BackoffCap)

	assert.Equal(t, 5*time.Minute, opts.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, opts.FallbackPollInterval)
	assert.Equal(t, 2*time.Minute, opts.PairingGrace)
	assert.Equal(t, 15*time.Second, opts.StateRetryMin)
	assert.Equal(t, 30*time.Second, opts.StateRetryMax)
	assert.Equal(t, 3, opts.MaxStateRetries)
	assert.Equal(t, 2, opts.MaxReinitAttempts)
	assert.Equal(t, 5*time.Minute, opts.ReinitCooldown)

	assert.Equal(t, 40, opts.QueueCapacity)
	assert.Equal(t, time.Minute, opts.QueueWindow)
	assert.Equal(t, 350*time.Millisecond, opts.QueueMinSpacing)
	assert.Equal(t, 3, opts.QueueMaxRetries)

	assert.Equal(t, 24*time.Hour, opts.DedupTTL)

	assert.Nil(t, opts.ClientFactory, "the factory has no default")
}

func TestSessionConfigCarriesEveryKnob(t *testing.T) {
	opts := testOptions()
	opts.ReadyTimeout = 7 * time.Second
	opts.MaxReconnectRetries = 9
	opts.QueueCapacity = 11
	reg, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Shutdown()

	var got session.Config
	_, err = reg.CreateSession(context.Background(), "acct-1", func(cfg *session.Config) {
		got = *cfg
	})
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, "acct-1", got.ID)
	assert.Equal(t, 7*time.Second, got.ReadyTimeout)
	assert.Equal(t, 9, got.MaxReconnectRetries)
	assert.Equal(t, 11, got.Queue.Capacity)
}
