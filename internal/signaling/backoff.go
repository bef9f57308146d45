package signaling

import "time"

const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second

	// maxBackoffShift caps the exponent so the delay stops doubling after
	// five failures even if maxDelay is very large.
	maxBackoffShift = 5
)

// Backoff returns the delay before reconnect attempt number attempt
// (zero-based): min(base * 2^min(attempt, 5), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	d := base << uint(attempt)
	if max > 0 && d > max {
		d = max
	}
	return d
}
