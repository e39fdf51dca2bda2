// Package outbox implements transactional-outbox delivery: post-commit
// publishing, claim-safe retry sweeps, and dead-letter escalation.
package outbox

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential growth from Base doubling per
// attempt, capped at Max, with a proportional jitter fraction added to avoid
// thundering-herd retries.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// NewBackoff constructs a Backoff policy. Non-positive Base or Max fall back
// to 1s and 5m respectively.
func NewBackoff(base, max time.Duration, jitter float64) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if jitter < 0 {
		jitter = 0
	}
	return Backoff{Base: base, Max: max, Jitter: jitter}
}

// Delay returns the wait before the given attempt. attempt counts from 1, so
// the first failure waits Base, the second 2*Base, and so on until Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}
