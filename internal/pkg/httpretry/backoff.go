package httpretry

import (
	"math"
	"math/rand"
	"time"
)

// MinDelay is the floor applied to every jittered delay.
const MinDelay = 100 * time.Millisecond

// Backoff returns the wait before retry number attempt (1-based) using
// exponential backoff with full jitter:
// random(0, min(maxDelay, base * 2^(attempt-1))), floored at MinDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(maxDelay) {
		exp = float64(maxDelay)
	}
	d := time.Duration(rand.Float64() * exp)
	if d < MinDelay {
		d = MinDelay
	}
	return d
}
