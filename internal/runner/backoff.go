// Package runner contains the worker actor loop and the process
// supervisor that drives the form-submission fleet.
package runner

import (
	"math/rand"
	"time"
)

// Backoff defaults for the idle claim loop.
const (
	DefaultBackoffInitial = 2 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultJitterRatio    = 0.2
)

// Backoff produces the idle-sleep sequence for a worker: exponential
// doubling up to a cap, with symmetric jitter around the current value.
// Not safe for concurrent use; each worker owns one.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	ratio   float64
	cur     time.Duration
	rng     *rand.Rand
}

// NewBackoff constructs a backoff starting at initial, capped at max,
// with jitter of ±ratio*current.
func NewBackoff(initial, max time.Duration, ratio float64) *Backoff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if max < initial {
		max = initial
	}
	return &Backoff{
		initial: initial,
		max:     max,
		ratio:   ratio,
		cur:     initial,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the sleep for this idle iteration and advances the base
// toward the cap. Consecutive idle bases are non-decreasing; observed
// jitter stays within ratio*base.
func (b *Backoff) Next() time.Duration {
	base := b.cur
	d := b.jitter(base)
	b.cur = b.cur * 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset returns the base to its initial value after productive work.
func (b *Backoff) Reset() {
	b.cur = b.initial
}

func (b *Backoff) jitter(base time.Duration) time.Duration {
	if b.ratio <= 0 {
		return base
	}
	// Uniform in [-ratio, +ratio] around base.
	f := 1 + b.ratio*(2*b.rng.Float64()-1)
	return time.Duration(float64(base) * f)
}
