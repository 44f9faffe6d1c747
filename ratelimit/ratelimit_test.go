package ratelimit_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fleet/ratelimit"
)

func fired(p *ratelimit.Permit) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

func waitFired(t *testing.T, p *ratelimit.Permit) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("permit did not fire")
	}
}

func TestAcquireWithinBurst(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := ratelimit.New(1, 2, ratelimit.WithClock(clock))

	// Burst of 2: both fire immediately.
	waitFired(t, l.Acquire())
	waitFired(t, l.Acquire())

	// Third is paced.
	p := l.Acquire()
	if fired(p) {
		t.Fatal("third permit fired immediately, want paced")
	}

	clock.Advance(time.Second)
	waitFired(t, p)
}

func TestCancelRefundsSlot(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := ratelimit.New(1, 1, ratelimit.WithClock(clock))

	waitFired(t, l.Acquire())

	// Paced permit, cancelled before its turn.
	p := l.Acquire()
	p.Cancel()
	if fired(p) {
		t.Fatal("cancelled permit fired")
	}

	// The refunded slot goes to the next acquire at the same schedule.
	next := l.Acquire()
	clock.Advance(time.Second)
	waitFired(t, next)
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(1, 1)
	p := l.Acquire()
	waitFired(t, p)
	p.Cancel()
	p.Cancel()

	// Done stays closed.
	waitFired(t, p)
}

func TestUnlimited(t *testing.T) {
	t.Parallel()

	l := ratelimit.Unlimited()
	for i := 0; i < 100; i++ {
		waitFired(t, l.Acquire())
	}
}
