// Package throttle staggers concurrently started work across a rolling window
// of N lanes so bursts of fetch cycles do not hit the channel together.
package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type Throttle struct {
	lanes   int64
	unit    time.Duration
	counter atomic.Int64
}

type Option func(*Throttle)

// WithUnit changes the per-lane delay, one second by default.
func WithUnit(unit time.Duration) Option {
	return func(t *Throttle) {
		t.unit = unit
	}
}

// New returns a throttle with n lanes. n below one is treated as one.
func New(n int, opts ...Option) *Throttle {
	t := &Throttle{
		lanes: int64(max(n, 1)),
		unit:  time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Acquire takes the next lane. The returned slot must be released on every
// exit path, typically with defer.
func (t *Throttle) Acquire() *Slot {
	n := t.counter.Add(1) - 1

	return &Slot{
		throttle: t,
		number:   int(n % t.lanes),
	}
}

// InFlight is the number of acquired and not yet released slots.
func (t *Throttle) InFlight() int {
	return int(t.counter.Load())
}

type Slot struct {
	throttle *Throttle
	number   int
	once     sync.Once
}

func (s *Slot) Number() int {
	return s.number
}

func (s *Slot) Delay() time.Duration {
	return time.Duration(s.number) * s.throttle.unit
}

// Wait sleeps for the slot's stagger or until ctx is done.
func (s *Slot) Wait(ctx context.Context) error {
	delay := s.Delay()
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Release returns the lane. Calling it more than once is harmless.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.throttle.counter.Add(-1)
	})
}
