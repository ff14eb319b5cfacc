package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(clk Clock, ttl time.Duration) *MemoryCache {
	// Negative sweep interval: expiry behavior under test must not depend
	// on the background sweep.
	return NewMemoryCache(MemoryConfig{TTL: ttl, SweepInterval: -1, Clock: clk})
}

func TestMemoryCacheMarkThenDuplicate(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(clk, time.Hour)
	defer c.Close()
	ctx := context.Background()

	dup, err := c.IsDuplicate(ctx, "s1|m1")
	require.NoError(t, err)
	assert.False(t, dup, "unmarked key reported as duplicate")

	require.NoError(t, c.MarkProcessed(ctx, "s1|m1"))

	dup, err = c.IsDuplicate(ctx, "s1|m1")
	require.NoError(t, err)
	assert.True(t, dup, "marked key not reported as duplicate")
}

func TestMemoryCacheTTLBoundary(t *testing.T) {
	clk := newFakeClock()
	ttl := 24 * time.Hour
	c := newTestCache(clk, ttl)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.MarkProcessed(ctx, "k"))

	clk.Advance(ttl - time.Millisecond)
	dup, err := c.IsDuplicate(ctx, "k")
	require.NoError(t, err)
	assert.True(t, dup, "key expired before TTL elapsed")

	clk.Advance(2 * time.Millisecond)
	dup, err = c.IsDuplicate(ctx, "k")
	require.NoError(t, err)
	assert.False(t, dup, "key still duplicate after TTL elapsed")
}

func TestMemoryCacheLazyExpiryDeletesEntry(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(clk, time.Minute)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.MarkProcessed(ctx, "k"))
	require.Equal(t, 1, c.Len())

	clk.Advance(2 * time.Minute)
	dup, err := c.IsDuplicate(ctx, "k")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 0, c.Len(), "expired entry not removed on read")
}

func TestMemoryCacheMarkRefreshesTTL(t *testing.T) {
	clk := newFakeClock()
	c := newTestCache(clk, time.Hour)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.MarkProcessed(ctx, "k"))
	clk.Advance(50 * time.Minute)
	require.NoError(t, c.MarkProcessed(ctx, "k"))
	clk.Advance(50 * time.Minute)

	dup, err := c.IsDuplicate(ctx, "k")
	require.NoError(t, err)
	assert.True(t, dup, "refreshed entry expired on the original schedule")
}

func TestMemoryCacheSweepRemovesExpired(t *testing.T) {
	clk := newFakeClock()
	c := NewMemoryCache(MemoryConfig{TTL: time.Minute, SweepInterval: -1, Clock: clk})
	defer c.Close()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.MarkProcessed(ctx, k))
	}
	require.NoError(t, c.MarkProcessed(ctx, "fresh"))
	clk.Advance(30 * time.Second)
	require.NoError(t, c.MarkProcessed(ctx, "fresh"))
	clk.Advance(45 * time.Second)

	// a, b, c are 75s old (expired); fresh is 45s old.
	c.sweep()
	assert.Equal(t, 1, c.Len())

	dup, err := c.IsDuplicate(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestMemoryCacheCanceledContext(t *testing.T) {
	c := newTestCache(newFakeClock(), time.Hour)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.IsDuplicate(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, c.MarkProcessed(ctx, "k"), context.Canceled)
}

func TestMemoryCacheCloseIsIdempotent(t *testing.T) {
	c := NewMemoryCache(MemoryConfig{TTL: time.Hour, SweepInterval: 10 * time.Millisecond})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "s1|m42", SessionKey("s1", "m42"))
}
