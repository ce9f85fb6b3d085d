package delivery

import (
	"math/rand"
	"time"
)

const (
	// MaxAttempts is the retry budget before a delivery is dead-lettered.
	MaxAttempts = 5

	backoffBaseSeconds = 10.0
	backoffCapSeconds  = 900.0
	jitterCapSeconds   = 30.0
)

// backoffBase is the deterministic part of the retry delay in seconds:
// 10s doubling per attempt, capped at 15 minutes.
func backoffBase(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	exp := backoffBaseSeconds
	for i := 1; i < attempt; i++ {
		exp *= 2
		if exp >= backoffCapSeconds {
			return backoffCapSeconds
		}
	}
	return exp
}

// jitterBound returns the maximum jitter for a given base delay:
// a third of the delay, capped at 30s.
func jitterBound(base float64) float64 {
	j := base / 3
	if j > jitterCapSeconds {
		j = jitterCapSeconds
	}
	return j
}

// RetryDelay returns the full randomized delay before the next attempt.
func RetryDelay(attempt int) time.Duration {
	base := backoffBase(attempt)
	delay := base + rand.Float64()*jitterBound(base)
	return time.Duration(delay * float64(time.Second))
}
