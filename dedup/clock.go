package dedup

import "time"

// Clock abstracts time for deterministic TTL tests. Implementations must be
// safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the standard library time functions.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
