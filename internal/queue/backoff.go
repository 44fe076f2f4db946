package queue

import (
	"math/rand"
	"time"
)

// Retry policy defaults: 30s, 60s, 120s, ... capped at 10 minutes, with a
// little jitter so a burst of failures does not retry in lockstep.
const (
	DefaultBackoffBase  = 30 * time.Second
	DefaultBackoffCap   = 10 * time.Minute
	DefaultMaxAttempts  = 5
	backoffJitterFactor = 0.1
)

// Backoff computes the retry delay after the given attempt count
// (1-based: attempt 1 is the first failure).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Delay returns the capped exponential delay for the attempt, jittered up
// to 10% above the base value.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			delay = b.Cap
			break
		}
	}
	if delay > b.Cap {
		delay = b.Cap
	}

	jitter := time.Duration(rand.Int63n(int64(float64(delay)*backoffJitterFactor) + 1))
	return delay + jitter
}
