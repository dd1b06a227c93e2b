// Package delay provides jittered sleep helpers for organic-looking browser
// timing, adapted from the teacher's pkg/delay.Jitter/NaturalDelay/
// PageLoadDelay. The teacher's hand-rolled TokenBucket is replaced by
// golang.org/x/time/rate.Limiter for the one place this fleet wants a smooth
// refill rate rather than a hard admission gate (the launch budget in
// internal/fleet is a counting semaphore instead, per its acquire/release
// semantics).
package delay

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Jitter returns a duration within ±percent of base.
func Jitter(base time.Duration, percent float64) time.Duration {
	if percent <= 0 || percent > 100 {
		return base
	}
	delta := float64(base) * (percent / 100)
	lo := float64(base) - delta
	hi := float64(base) + delta
	if lo < 0 {
		lo = 0
	}
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

// Settle is the pause after the browser opens and after a vote click,
// before reading page state: at least 3s, plus up to 1.2s of jitter so
// successive attempts don't read the DOM at a perfectly identical instant.
func Settle() time.Duration {
	return 3*time.Second + Jitter(600*time.Millisecond, 100)
}

// NaturalDelay mimics the pause a human takes after a page loads.
func NaturalDelay() time.Duration {
	return Jitter(3*time.Second, 80)
}

// Limiter wraps golang.org/x/time/rate.Limiter for smoothing a
// request/attempt rate (not admission control — see internal/fleet.LaunchBudget
// for the hard gate).
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter builds a Limiter refilling at ratePerMinute with the given
// burst capacity.
func NewLimiter(ratePerMinute int, burst int) *Limiter {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	every := time.Minute / time.Duration(ratePerMinute)
	return &Limiter{rl: rate.NewLimiter(rate.Every(every), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}
