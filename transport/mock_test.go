package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sessionwire/credential"
)

func TestMockClientSendRecording(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	res, err := m.Send(ctx, "dest-1", []byte("hello"), SendOptions{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Acked)
	assert.Equal(t, "mock-1", res.MessageID)

	res, err = m.Send(ctx, "dest-2", []byte("world"), SendOptions{Urgent: true})
	require.NoError(t, err)
	assert.Equal(t, "mock-2", res.MessageID)

	sends := m.Sends()
	require.Len(t, sends, 2)
	assert.Equal(t, "dest-1", sends[0].Destination)
	assert.Equal(t, []byte("hello"), sends[0].Payload)
	assert.Equal(t, "dest-2", sends[1].Destination)
	assert.True(t, sends[1].Opts.Urgent)
}

func TestMockClientScriptedSendError(t *testing.T) {
	m := NewMockClient()
	m.SetSendFunc(func(ctx context.Context, destination string, payload []byte, opts SendOptions) (*SendResult, error) {
		return nil, ErrRateLimited
	})

	_, err := m.Send(context.Background(), "d", []byte("x"), SendOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	// Failed sends are still recorded.
	assert.Equal(t, 1, m.SendCount())
}

func TestMockClientEmitsReachHandlers(t *testing.T) {
	m := NewMockClient()

	var (
		challenge []byte
		authed    bool
		ready     bool
		reason    string
		inbound   []InboundMessage
	)

	m.SetHandlers(Handlers{
		PairingChallenge: func(payload []byte) { challenge = payload },
		Authenticated:    func() { authed = true },
		Ready:            func() { ready = true },
		Disconnected:     func(r string) { reason = r },
		Message:          func(msg InboundMessage) { inbound = append(inbound, msg) },
	})

	m.EmitPairingChallenge([]byte("qr-data"))
	m.EmitAuthenticated()
	m.EmitReady()
	m.EmitDisconnected("NETWORK_ERROR")
	m.EmitMessage(InboundMessage{ID: "m1", Source: "peer", Payload: []byte("hi")})

	assert.Equal(t, []byte("qr-data"), challenge)
	assert.True(t, authed)
	assert.True(t, ready)
	assert.Equal(t, "NETWORK_ERROR", reason)
	require.Len(t, inbound, 1)
	assert.Equal(t, "m1", inbound[0].ID)
}

func TestMockClientCloseSilencesEvents(t *testing.T) {
	m := NewMockClient()

	fired := false
	m.SetHandlers(Handlers{Ready: func() { fired = true }})

	require.NoError(t, m.Close())
	m.EmitReady()
	assert.False(t, fired, "events must not fire after Close")

	_, err := m.Send(context.Background(), "d", nil, SendOptions{})
	assert.True(t, errors.Is(err, ErrClosed))

	_, err = m.ConnectionState(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))

	assert.True(t, errors.Is(m.Initialize(context.Background()), ErrClosed))
	assert.True(t, m.Closed())
}

func TestMockClientConnectionStateScripting(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	st, err := m.ConnectionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, st)

	m.SetConnectionState(StateConnected)
	st, err = m.ConnectionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, st)

	probeErr := errors.New("probe failed")
	m.SetConnectionStateError(probeErr)
	st, err = m.ConnectionState(ctx)
	assert.True(t, errors.Is(err, probeErr))
	assert.Equal(t, StateUnknown, st)

	// Scripting a fresh state clears the error.
	m.SetConnectionState(StateConnecting)
	st, err = m.ConnectionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, st)
	assert.Equal(t, 4, m.ConnectionStateCalls())
}

func TestMockClientCredentialSink(t *testing.T) {
	store := credential.NewMemoryStore()
	m := NewMockClient()
	m.SetCredentialSink(store, "s1", []byte("pairing-artifact"))

	var authed bool
	m.SetHandlers(Handlers{Authenticated: func() { authed = true }})
	m.EmitAuthenticated()

	assert.True(t, authed)
	cred, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("pairing-artifact"), cred.Data)
}
