package connection

import (
	"math"
	"math/rand"
	"time"
)

const backoffFactor = 1.5

// Backoff returns the delay before reconnect attempt n (counted from 1):
// base * 1.5^(n-1) + jitter, capped at MaxDelay.
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(backoffFactor, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	delay := time.Duration(d)
	if p.MaxJitter > 0 && p.Jitter != nil {
		delay += p.Jitter(p.MaxJitter)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}
