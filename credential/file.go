package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize = 24
	fileExt   = ".cred"

	dirPerm  = 0o700
	filePerm = 0o600
)

// DecryptError indicates a credential file exists but cannot be decrypted,
// typically after key rotation or on-disk corruption. Callers usually treat
// it as "no credential" and re-pair, but it is surfaced as its own type so
// the corruption is never silent.
type DecryptError struct {
	SessionID string
	Path      string
	Err       error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("credential for %s at %s cannot be decrypted: %v", e.SessionID, e.Path, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// FileStore keeps one encrypted file per session under a directory. Payloads
// are sealed with nacl/secretbox under a 32-byte key; each file carries its
// random nonce as a prefix. Saves are atomic via rename.
type FileStore struct {
	dir string
	key [32]byte
}

// NewFileStore creates the directory if needed (0700) and returns a store
// sealing with the given key.
func NewFileStore(dir string, key [32]byte) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("credential directory not set")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	return &FileStore{dir: dir, key: key}, nil
}

// Load implements Store.Load. A file that cannot be decrypted yields a
// *DecryptError.
func (s *FileStore) Load(ctx context.Context, sessionID string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.path(sessionID)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat credential file: %w", err)
	}

	if len(raw) < nonceSize {
		return nil, s.decryptError(sessionID, path, errors.New("file shorter than nonce"))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	data, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, s.decryptError(sessionID, path, errors.New("secretbox open failed"))
	}

	return &Credential{
		SessionID: sessionID,
		Data:      data,
		UpdatedAt: info.ModTime(),
	}, nil
}

// Save implements Store.Save.
func (s *FileStore) Save(ctx context.Context, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cred == nil || cred.SessionID == "" {
		return errors.New("credential missing session id")
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], cred.Data, &nonce, &s.key)

	path := s.path(cred.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, filePerm); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace credential file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Save",
		"session_id": cred.SessionID,
		"bytes":      len(cred.Data),
	}).Debug("Credential saved")
	return nil
}

// Clear implements Store.Clear.
func (s *FileStore) Clear(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(s.path(sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

// path maps a session id to its file. Ids are hex-encoded so arbitrary id
// strings can never escape the store directory.
func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(sessionID))+fileExt)
}

func (s *FileStore) decryptError(sessionID, path string, cause error) error {
	logrus.WithFields(logrus.Fields{
		"function":   "Load",
		"session_id": sessionID,
		"path":       path,
		"error":      cause,
	}).Warn("Stored credential is unreadable")
	return &DecryptError{SessionID: sessionID, Path: path, Err: cause}
}
