// Package backoff implements the capped exponential retry policy used for
// relay reconnection and for resetting failed peer negotiations.
package backoff

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a retry schedule: Base, 2*Base, 4*Base ... capped at Max,
// for at most MaxAttempts attempts. MaxAttempts <= 0 means no retries.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Clock defaults to the system clock.
	Clock backoff.Clock
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}
	initial := min(p.Base, ceiling)
	clk := p.Clock
	if clk == nil {
		clk = backoff.SystemClock
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
		Stop:                backoff.Stop,
		Clock:               clk,
	}
	b.Reset()
	return b
}

// Delay returns the wait before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Retry is one retry sequence following a Policy. It is not safe for
// concurrent use; each owner keeps its own.
type Retry struct {
	policy   Policy
	seq      backoff.BackOff
	attempts int
}

func New(p Policy) *Retry {
	r := &Retry{policy: p}
	if p.MaxAttempts > 0 {
		r.seq = backoff.WithMaxRetries(p.exponential(), uint64(p.MaxAttempts))
	}
	return r
}

// Next consumes an attempt and returns the delay to wait before it. ok is
// false once the policy is exhausted.
func (r *Retry) Next() (delay time.Duration, ok bool) {
	if r.seq == nil {
		return 0, false
	}
	d := r.seq.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}

// Attempts returns how many attempts have been consumed.
func (r *Retry) Attempts() int { return r.attempts }

// Exhausted reports whether Next would fail.
func (r *Retry) Exhausted() bool { return r.attempts >= r.policy.MaxAttempts }

// Reset starts the sequence over, typically after a success.
func (r *Retry) Reset() {
	r.attempts = 0
	if r.seq != nil {
		r.seq.Reset()
	}
}
