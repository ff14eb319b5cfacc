// Package dedup provides a TTL-keyed set used to suppress duplicate
// processing of inbound events.
//
// Two backends implement the Cache interface: MemoryCache, a map with a
// background sweep and lazy expiry on read, and RedisCache, which delegates
// expiry to Redis so many processes can share one identity. Keys are
// caller-chosen; when a cache is shared across sessions the caller must
// namespace keys by session id. Growth is bounded only by TTL expiry, so keys
// must be granular enough to bound cardinality.
package dedup
