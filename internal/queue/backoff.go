package queue

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before retry attempt n (1-based): exponential
// growth from base, capped, with full jitter so a burst of failures does not
// retry in lockstep.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 10 * time.Minute
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if delay > cap {
		delay = cap
	}
	// Full jitter in [base/2, delay].
	min := base / 2
	if delay <= min {
		return delay
	}
	return min + time.Duration(rand.Int63n(int64(delay-min)))
}
