// Package backoff computes reconnect delays shared by every stream reconnect path.
package backoff

import (
	"math/rand"
	"time"

	jpbackoff "github.com/jpillora/backoff"
)

// Policy bounds an exponential reconnect delay.
//
// Duration(n) is min(Max, Base*2^n) plus a uniform jitter in [0, Jitter).
// Once the attempt counter passes ResetAfter it falls back to ResetLevel so a
// long outage does not pin every retry at Max.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	ResetAfter int
	ResetLevel int
	Jitter     time.Duration
}

// DefaultPolicy mirrors the values the feed has been running with in production.
func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Max:        60 * time.Second,
		ResetAfter: 7,
		ResetLevel: 3,
		Jitter:     time.Second,
	}
}

// Duration returns the sleep for the given attempt number (zero based).
func (p Policy) Duration(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := &jpbackoff.Backoff{
		Min:    p.Base,
		Max:    p.Max,
		Factor: 2,
	}
	d := b.ForAttempt(float64(attempt))
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// Next advances the attempt counter, applying the reset cycle.
func (p Policy) Next(attempt int) int {
	attempt++
	if p.ResetAfter > 0 && attempt > p.ResetAfter {
		return p.ResetLevel
	}
	return attempt
}

// Retrier tracks the attempt counter for one reconnect loop.
type Retrier struct {
	policy  Policy
	attempt int
}

// NewRetrier returns a Retrier starting at attempt zero.
func NewRetrier(p Policy) *Retrier {
	return &Retrier{policy: p}
}

// Delay returns the delay for the current attempt and advances the counter.
func (r *Retrier) Delay() time.Duration {
	d := r.policy.Duration(r.attempt)
	r.attempt = r.policy.Next(r.attempt)
	return d
}

// Attempt reports the current attempt counter.
func (r *Retrier) Attempt() int { return r.attempt }

// Reset clears the counter after a successful connection.
func (r *Retrier) Reset() { r.attempt = 0 }
