package policy

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededBackoff(base, cap time.Duration, max int, seed uint64) *Backoff {
	return NewBackoff(base, cap, max, rand.New(rand.NewPCG(seed, seed)))
}

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	b := seededBackoff(10*time.Second, 15*time.Minute, 3, 1)

	for attempt := 1; attempt <= 5; attempt++ {
		base := 10 * time.Second << uint(attempt-1)
		d := b.Delay(attempt)
		require.GreaterOrEqual(t, d, base, "attempt %d below base curve", attempt)
		require.LessOrEqual(t, d, base+base/5, "attempt %d jitter above 20%%", attempt)
	}
}

func TestBackoffDelayRespectsCap(t *testing.T) {
	cap := 15 * time.Minute
	b := seededBackoff(10*time.Second, cap, 0, 2)

	for _, attempt := range []int{8, 20, 64, 1000} {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, cap)
		assert.LessOrEqual(t, d, cap+cap/5)
	}
}

func TestBackoffDelayDeterministicUnderSeed(t *testing.T) {
	a := seededBackoff(5*time.Second, 15*time.Minute, 5, 42)
	b := seededBackoff(5*time.Second, 15*time.Minute, 5, 42)

	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, a.Delay(attempt), b.Delay(attempt),
			"attempt %d diverged between identically seeded policies", attempt)
	}
}

func TestBackoffDelayTreatsLowAttemptsAsFirst(t *testing.T) {
	b := seededBackoff(time.Second, time.Minute, 3, 7)

	for _, attempt := range []int{-3, 0, 1} {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Second+time.Second/5)
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := seededBackoff(time.Second, time.Minute, 3, 9)

	assert.False(t, b.Exhausted(1))
	assert.False(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))

	unbounded := seededBackoff(time.Second, time.Minute, 0, 9)
	assert.False(t, unbounded.Exhausted(1000))
}

func TestBackoffNilRandStillWorks(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 3, nil)
	d := b.Delay(2)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.LessOrEqual(t, d, 2*time.Second+(2*time.Second)/5)
}
