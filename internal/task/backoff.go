package task

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay between retry attempts. The default is
// exponential growth with full jitter; a fixed delay is expressed as
// Multiplier 1 and Jitter 0.
type BackoffPolicy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the computed delay before jitter is applied.
	Max time.Duration

	// Multiplier scales the delay for each subsequent retry.
	Multiplier float64

	// Jitter is the fraction of the delay randomized away, in [0, 1].
	// A value of 0.5 yields delays uniformly in [d/2, d].
	Jitter float64
}

// DefaultBackoffPolicy returns the policy used when none is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.5,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.Max > 0 && d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter > 0 {
		d -= rand.Float64() * p.Jitter * d
	}

	return time.Duration(d)
}
