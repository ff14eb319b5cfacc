package policy

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff computes retry delays on an exponential curve with additive jitter:
//
//	delay(attempt) = min(Base * 2^(attempt-1), Cap) + jitter
//
// where jitter is uniform in [0, 0.2*cappedDelay]. Jitter is drawn from an
// injected random source, so a Backoff built with a seeded source produces a
// reproducible schedule.
type Backoff struct {
	// Base is the delay for the first attempt, before jitter.
	Base time.Duration
	// Cap bounds the exponential term. Jitter is applied on top of the cap,
	// so the absolute maximum delay is 1.2*Cap.
	Cap time.Duration
	// MaxAttempts bounds how many attempts callers should make. Zero means
	// unbounded; the Backoff itself never refuses to compute a delay.
	MaxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a policy with the given curve. A nil rng falls back to
// a time-seeded source; tests inject rand.New(rand.NewPCG(seed, seed)) for
// determinism.
func NewBackoff(base, cap time.Duration, maxAttempts int, rng *rand.Rand) *Backoff {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>1))
	}
	return &Backoff{
		Base:        base,
		Cap:         cap,
		MaxAttempts: maxAttempts,
		rng:         rng,
	}
}

// Delay returns the wait before the given attempt. Attempts below 1 are
// treated as 1. Safe for concurrent use.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	capped := b.Cap
	// Shifts of 63+ bits overflow time.Duration; the cap applies long before.
	if shift := uint(attempt - 1); shift < 63 {
		d := b.Base << shift
		if d > 0 && d < b.Cap {
			capped = d
		}
	}

	jitterRange := int64(capped / 5)
	if jitterRange <= 0 {
		return capped
	}

	b.mu.Lock()
	jitter := time.Duration(b.rng.Int64N(jitterRange + 1))
	b.mu.Unlock()

	return capped + jitter
}

// Exhausted reports whether the given attempt count has passed MaxAttempts.
// A zero MaxAttempts never exhausts.
func (b *Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
