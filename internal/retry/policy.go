// Package retry decides whether a failed delivery gets another attempt and
// when, and keeps the durable schedule of due retries.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// JitterFraction is the half-width of the uniform jitter band.
const JitterFraction = 0.25

type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// normalized fills zero fields from DefaultPolicy.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	return p
}

// Delay is the un-jittered wait before the retry that follows `attempts`
// executed attempts: base * factor^(attempts-1), capped at MaxDelay.
func (p Policy) Delay(attempts int) time.Duration {
	p = p.normalized()
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(exp))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Jittered applies ±JitterFraction to d when jitter is enabled. r must
// return values in [0,1).
func (p Policy) Jittered(d time.Duration, r func() float64) time.Duration {
	if !p.Jitter {
		return d
	}
	if r == nil {
		r = rand.Float64
	}
	f := 1 + (r()*2-1)*JitterFraction
	return time.Duration(float64(d) * f)
}
