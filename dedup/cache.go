package dedup

import (
	"context"
	"time"
)

// Default tuning for caches that are not explicitly configured.
const (
	// DefaultTTL is how long a processed key suppresses duplicates.
	DefaultTTL = 24 * time.Hour
	// DefaultSweepInterval is how often MemoryCache deletes expired entries.
	// Correctness never depends on the sweep; reads expire entries lazily.
	DefaultSweepInterval = time.Hour
)

// Cache is a TTL-keyed set. IsDuplicate reports whether a key was marked
// within its TTL; MarkProcessed records a key with a fresh TTL.
type Cache interface {
	IsDuplicate(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
	Close() error
}

// SessionKey builds the conventional dedup key for an inbound message:
// session id and vendor message id joined by a pipe. Namespacing by session
// id is what makes a single cache safe to share across sessions.
func SessionKey(sessionID, messageID string) string {
	return sessionID + "|" + messageID
}
