package credential

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no credential exists for a session.
// Callers treat it as "pair from scratch", not as a failure.
var ErrNotFound = errors.New("credential not found")

// Credential is an opaque pairing artifact for one session. Data is
// vendor-defined; sessionwire stores it without interpretation.
type Credential struct {
	SessionID string
	Data      []byte
	UpdatedAt time.Time
}

// Store persists credentials keyed by session id. Implementations must be
// safe for concurrent use.
type Store interface {
	// Load returns the stored credential, or ErrNotFound when absent.
	Load(ctx context.Context, sessionID string) (*Credential, error)
	// Save stores or replaces the credential for cred.SessionID.
	Save(ctx context.Context, cred *Credential) error
	// Clear removes the credential. Clearing an absent credential is a no-op.
	Clear(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-process Store for tests and examples.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*Credential)}
}

// Load implements Store.Load.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cred
	out.Data = append([]byte(nil), cred.Data...)
	return &out, nil
}

// Save implements Store.Save.
func (s *MemoryStore) Save(ctx context.Context, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cred == nil || cred.SessionID == "" {
		return errors.New("credential missing session id")
	}

	stored := *cred
	stored.Data = append([]byte(nil), cred.Data...)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	s.creds[cred.SessionID] = &stored
	s.mu.Unlock()
	return nil
}

// Clear implements Store.Clear.
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.creds, sessionID)
	s.mu.Unlock()
	return nil
}
