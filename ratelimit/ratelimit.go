// Package ratelimit paces node-removal decisions.
//
// The coordinator acquires one Permit per pending removal (an
// unreachable transition waiting to commit) and acts only when the
// permit fires. Cancelling a permit — a node reregistering before its
// turn — returns the slot to the limiter.
package ratelimit

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Limiter hands out permits at a bounded rate.
type Limiter struct {
	lim   *rate.Limiter
	clock clockwork.Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used to pace permits. Tests pass a
// clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = clock }
}

// New creates a limiter allowing eventsPerSecond sustained with the
// given burst.
func New(eventsPerSecond float64, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		lim:   rate.NewLimiter(rate.Limit(eventsPerSecond), burst),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Unlimited creates a limiter whose permits always fire immediately.
func Unlimited(opts ...Option) *Limiter {
	l := &Limiter{
		lim:   rate.NewLimiter(rate.Inf, 0),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Permit is a future slot in the limiter's schedule. Done is closed
// when the slot arrives; Cancel abandons the slot and refunds it.
//
// Fire and cancel race at most once: whichever settles the permit
// first wins, the other becomes a no-op.
type Permit struct {
	done     chan struct{}
	cancelCh chan struct{}
	settle   sync.Once

	res   *rate.Reservation
	clock clockwork.Clock
}

// Done returns a channel closed when the permit fires.
func (p *Permit) Done() <-chan struct{} { return p.done }

// Cancel abandons the permit and refunds its slot. Safe to call
// multiple times, and after the permit has fired (a no-op then).
func (p *Permit) Cancel() {
	p.settle.Do(func() {
		close(p.cancelCh)
		if p.res != nil {
			p.res.CancelAt(p.clock.Now())
		}
	})
}

// Acquire reserves the next slot. It never blocks; the caller waits on
// the returned permit's Done channel.
func (l *Limiter) Acquire() *Permit {
	p := &Permit{
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
		clock:    l.clock,
	}

	now := l.clock.Now()
	res := l.lim.ReserveN(now, 1)
	if !res.OK() {
		// Unsatisfiable reservation (burst 0): leave the permit
		// pending forever; only Cancel releases the caller.
		return p
	}
	p.res = res

	delay := res.DelayFrom(now)
	if delay <= 0 {
		p.settle.Do(func() { close(p.done) })
		return p
	}

	// The timer registers with the clock before Acquire returns, so a
	// fake-clock Advance immediately after Acquire is race-free.
	timer := l.clock.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.Chan():
			p.settle.Do(func() { close(p.done) })
		case <-p.cancelCh:
		}
	}()
	return p
}
