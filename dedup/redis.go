package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces dedup keys so a shared Redis can serve other
// workloads alongside sessionwire.
const DefaultKeyPrefix = "sessionwire:dedup:"

// RedisCache is a Cache backed by Redis. Expiry is delegated to Redis key
// TTLs, so no sweep loop runs and many processes can share one identity
// without double-processing inbound events.
type RedisCache struct {
	client     redis.UniversalClient
	ttl        time.Duration
	keyPrefix  string
	ownsClient bool
}

// NewRedisCache wraps an existing client. The caller keeps ownership of the
// client; Close on the cache does not close it. A non-positive ttl takes
// DefaultTTL.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		client:    client,
		ttl:       ttl,
		keyPrefix: DefaultKeyPrefix,
	}
}

// NewRedisCacheAddr dials a single Redis address and owns the resulting
// client, closing it when the cache is closed.
func NewRedisCacheAddr(addr string, ttl time.Duration) *RedisCache {
	c := NewRedisCache(redis.NewClient(&redis.Options{Addr: addr}), ttl)
	c.ownsClient = true
	return c
}

// IsDuplicate reports whether key was marked within the TTL.
func (c *RedisCache) IsDuplicate(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records key with a fresh TTL, extending any existing entry.
func (c *RedisCache) MarkProcessed(ctx context.Context, key string) error {
	if err := c.client.Set(ctx, c.keyPrefix+key, "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("dedup redis set: %w", err)
	}
	return nil
}

// Close releases the client if this cache owns it.
func (c *RedisCache) Close() error {
	if !c.ownsClient {
		return nil
	}
	return c.client.Close()
}
