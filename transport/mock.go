package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sessionwire/credential"
)

// MockClient implements Client for testing. Every behavior is scriptable:
// connection-state answers, send outcomes, initialize outcomes, and all
// lifecycle events via the Emit* methods.
type MockClient struct {
	mu       sync.Mutex
	handlers Handlers

	state    ConnectionState
	stateErr error

	initFunc func(ctx context.Context) error
	sendFunc func(ctx context.Context, destination string, payload []byte, opts SendOptions) (*SendResult, error)

	sends      []MockSend
	initCalls  int
	stateCalls int
	closed     bool

	credStore     credential.Store
	credSessionID string
	credData      []byte

	nextMessageID int
}

// MockSend records one Send call observed by the mock.
type MockSend struct {
	Destination string
	Payload     []byte
	Opts        SendOptions
	At          time.Time
}

// NewMockClient creates a mock that reports StateDisconnected and accepts
// every send until scripted otherwise.
func NewMockClient() *MockClient {
	return &MockClient{
		state: StateDisconnected,
		sends: make([]MockSend, 0),
	}
}

// Initialize implements Client.Initialize.
func (m *MockClient) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.initCalls++
	fn := m.initFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// ConnectionState implements Client.ConnectionState.
func (m *MockClient) ConnectionState(ctx context.Context) (ConnectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return StateUnknown, ErrClosed
	}
	m.stateCalls++
	if m.stateErr != nil {
		return StateUnknown, m.stateErr
	}
	return m.state, nil
}

// Send implements Client.Send. The default behavior records the send and
// acknowledges it with a generated message ID.
func (m *MockClient) Send(ctx context.Context, destination string, payload []byte, opts SendOptions) (*SendResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	m.sends = append(m.sends, MockSend{
		Destination: destination,
		Payload:     body,
		Opts:        opts,
		At:          time.Now(),
	})
	fn := m.sendFunc
	m.nextMessageID++
	id := m.nextMessageID
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, destination, payload, opts)
	}
	return &SendResult{
		MessageID: fmt.Sprintf("mock-%d", id),
		Timestamp: time.Now(),
		Acked:     true,
	}, nil
}

// SetHandlers implements Client.SetHandlers.
func (m *MockClient) SetHandlers(h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
}

// Close implements Client.Close. Subsequent emits are dropped.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = Handlers{}
	return nil
}

// SetConnectionState scripts the answer ConnectionState returns.
func (m *MockClient) SetConnectionState(s ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.stateErr = nil
}

// SetConnectionStateError makes ConnectionState fail with err until a new
// state is scripted.
func (m *MockClient) SetConnectionStateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateErr = err
}

// SetInitializeFunc overrides Initialize behavior.
func (m *MockClient) SetInitializeFunc(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initFunc = fn
}

// SetSendFunc overrides Send behavior. The mock still records every call.
func (m *MockClient) SetSendFunc(fn func(ctx context.Context, destination string, payload []byte, opts SendOptions) (*SendResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendFunc = fn
}

// EmitPairingChallenge simulates the vendor issuing a pairing challenge.
func (m *MockClient) EmitPairingChallenge(payload []byte) {
	if h := m.snapshotHandlers(); h.PairingChallenge != nil {
		h.PairingChallenge(payload)
	}
}

// SetCredentialSink makes EmitAuthenticated persist data to store the way a
// vendor client persists its own pairing artifact, so resume paths can be
// driven end to end.
func (m *MockClient) SetCredentialSink(store credential.Store, sessionID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credStore = store
	m.credSessionID = sessionID
	m.credData = data
}

// EmitAuthenticated simulates a successful pairing or credential resume,
// writing the configured credential sink first.
func (m *MockClient) EmitAuthenticated() {
	m.mu.Lock()
	store, id, data := m.credStore, m.credSessionID, m.credData
	m.mu.Unlock()
	if store != nil {
		// Handlers still fire on a failed save; the next initialize just
		// falls back to fresh pairing.
		if err := store.Save(context.Background(), &credential.Credential{SessionID: id, Data: data}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "EmitAuthenticated",
				"session_id": id,
				"error":      err,
			}).Warn("Credential sink save failed")
		}
	}
	if h := m.snapshotHandlers(); h.Authenticated != nil {
		h.Authenticated()
	}
}

// EmitAuthFailed simulates the vendor rejecting a stored credential.
func (m *MockClient) EmitAuthFailed(reason string) {
	if h := m.snapshotHandlers(); h.AuthFailed != nil {
		h.AuthFailed(reason)
	}
}

// EmitReady simulates the vendor's explicit ready signal.
func (m *MockClient) EmitReady() {
	if h := m.snapshotHandlers(); h.Ready != nil {
		h.Ready()
	}
}

// EmitDisconnected simulates a link drop with the given raw reason.
func (m *MockClient) EmitDisconnected(reason string) {
	if h := m.snapshotHandlers(); h.Disconnected != nil {
		h.Disconnected(reason)
	}
}

// EmitMessage simulates an inbound message.
func (m *MockClient) EmitMessage(msg InboundMessage) {
	if h := m.snapshotHandlers(); h.Message != nil {
		h.Message(msg)
	}
}

// Sends returns a copy of every Send observed so far.
func (m *MockClient) Sends() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sends))
	copy(out, m.sends)
	return out
}

// SendCount returns how many Send calls the mock has observed.
func (m *MockClient) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

// InitializeCalls returns how many times Initialize was called.
func (m *MockClient) InitializeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// ConnectionStateCalls returns how many times ConnectionState was queried.
func (m *MockClient) ConnectionStateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateCalls
}

// Closed reports whether Close has been called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockClient) snapshotHandlers() Handlers {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Handlers{}
	}
	return m.handlers
}
