package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryConfig tunes a MemoryCache. Zero fields take the package defaults.
type MemoryConfig struct {
	// TTL is how long a marked key counts as a duplicate.
	TTL time.Duration
	// SweepInterval is how often the background sweep runs. Negative
	// disables the sweep entirely; lazy expiry on read still applies.
	SweepInterval time.Duration
	// Clock supplies time; nil uses the system clock.
	Clock Clock
}

// MemoryCache is an in-process Cache backed by a map. Expired entries are
// deleted lazily when read and in bulk by a background sweep, so lookups stay
// correct even when the sweep lags.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key -> expiresAt

	ttl   time.Duration
	clock Clock

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryCache creates a cache and starts its sweep loop.
func NewMemoryCache(cfg MemoryConfig) *MemoryCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}

	c := &MemoryCache{
		entries: make(map[string]time.Time),
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		stopCh:  make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(cfg.SweepInterval)
	}
	return c
}

// IsDuplicate reports whether key was marked within the TTL. An expired entry
// encountered on read is deleted immediately.
func (c *MemoryCache) IsDuplicate(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.RLock()
	expiresAt, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if c.clock.Now().Before(expiresAt) {
		return true, nil
	}

	// Expired. Delete under the write lock, re-checking in case a concurrent
	// MarkProcessed refreshed the entry between the two lock holds.
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && !c.clock.Now().Before(cur) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return false, nil
}

// MarkProcessed records key with a fresh TTL, extending any existing entry.
func (c *MemoryCache) MarkProcessed(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.entries[key] = c.clock.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweep loop. The cache remains readable afterwards.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}

func (c *MemoryCache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.clock.Now()

	c.mu.Lock()
	removed := 0
	for key, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "sweep",
			"removed":   removed,
			"remaining": remaining,
		}).Debug("Dedup sweep removed expired entries")
	}
}
