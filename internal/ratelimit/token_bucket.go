// Package ratelimit bounds how fast a single signaling connection may send.
package ratelimit

import (
	"math"
	"sync"
	"time"

	clockpkg "github.com/prchen818/MicLink/internal/clock"
)

// Clock is the time source for buckets. clock.Real and clock.Fake both
// satisfy it.
type Clock interface {
	Now() time.Time
}

// nano is one token in the bucket's fixed-point unit. At this scale a rate
// of r tokens/sec adds exactly r units per elapsed nanosecond.
const nano = int64(time.Second)

// TokenBucket admits events at a steady integer rate with a bounded burst.
// It is safe for concurrent use.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	burst int64 // whole tokens
	rate  int64 // tokens per second

	level int64 // fixed-point tokens
	at    time.Time
}

// NewTokenBucket returns a full bucket. Negative burst or rate are treated
// as zero; a zero rate never refills.
func NewTokenBucket(clock Clock, burst, rate int64) *TokenBucket {
	if clock == nil {
		clock = clockpkg.Real{}
	}
	burst = max(burst, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock: clock,
		burst: burst,
		rate:  rate,
		level: toFixed(burst),
		at:    clock.Now(),
	}
}

// Allow takes n tokens if the bucket holds them. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toFixed(n)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.level < cost {
		return false
	}
	b.level -= cost
	return true
}

// Available reports whole tokens currently in the bucket.
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.level / nano
}

// advance refills for the time since the last call. A clock that moved
// backwards only rebases the bucket.
func (b *TokenBucket) advance() {
	now := b.clock.Now()
	elapsed := now.Sub(b.at).Nanoseconds()
	b.at = now
	if elapsed <= 0 || b.rate == 0 {
		return
	}

	full := toFixed(b.burst)
	gap := full - b.level
	// elapsed*rate would overflow long before the bucket could hold it.
	if gap <= 0 || elapsed > gap/b.rate {
		b.level = full
		return
	}
	b.level += elapsed * b.rate
}

func toFixed(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > math.MaxInt64/nano {
		return math.MaxInt64
	}
	return tokens * nano
}
