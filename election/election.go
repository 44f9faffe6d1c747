// Package election drives coordinator leader election over a
// TTL-leased leadership record.
//
// Exactly one coordinator holds the lease at a time; the holder renews
// at half the TTL and every other coordinator keeps trying to acquire.
// Registry store backends carry the leadership record, so any
// registry.Store satisfies the Store contract here.
package election

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fleet/id"
)

// Store is the leadership persistence contract.
type Store interface {
	// AcquireLeadership attempts to take the lease. Returns true if
	// this coordinator now holds it.
	AcquireLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the holder's lease. Returns false if
	// this coordinator no longer holds it.
	RenewLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error)

	// GetLeader returns the current holder, or id.Nil if none.
	GetLeader(ctx context.Context) (id.CoordinatorID, error)
}

// Elector runs the acquire/renew loop for one coordinator instance.
type Elector struct {
	store   Store
	coordID id.CoordinatorID
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger

	onAcquired func()
	onLost     func()

	mu       sync.Mutex
	isLeader bool

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Option configures an Elector.
type Option func(*Elector)

// WithClock sets the clock driving the renew ticker. Tests pass a
// clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Elector) { e.clock = clock }
}

// WithCallbacks sets the leadership transition callbacks. Both are
// invoked from the elector's goroutine.
func WithCallbacks(onAcquired, onLost func()) Option {
	return func(e *Elector) {
		e.onAcquired = onAcquired
		e.onLost = onLost
	}
}

// New creates an elector for the given coordinator instance.
func New(store Store, coordID id.CoordinatorID, ttl time.Duration, logger *slog.Logger, opts ...Option) *Elector {
	e := &Elector{
		store:   store,
		coordID: coordID,
		ttl:     ttl,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the leadership loop: one attempt immediately, then one
// per half TTL.
func (e *Elector) Start() {
	// The ticker registers with the clock before Start returns, so a
	// fake-clock Advance immediately after Start is race-free.
	ticker := e.clock.NewTicker(e.ttl / 2)

	e.tryLeadership()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.Chan():
				e.tryLeadership()
			}
		}
	}()
}

// Stop halts the loop. It does not release the lease; the TTL expires
// it.
func (e *Elector) Stop() {
	e.stopped.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// IsLeader reports whether this coordinator held the lease at the last
// attempt.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// Leader returns the current lease holder, or id.Nil if none.
func (e *Elector) Leader(ctx context.Context) (id.CoordinatorID, error) {
	return e.store.GetLeader(ctx)
}

func (e *Elector) tryLeadership() {
	ctx := context.Background()

	// Try to renew first (cheap if already leader).
	renewed, err := e.store.RenewLeadership(ctx, e.coordID, e.ttl)
	if err != nil {
		e.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		return
	}
	if renewed {
		e.transition(true)
		return
	}

	// Not leader yet (or lost the lease); try to acquire.
	acquired, err := e.store.AcquireLeadership(ctx, e.coordID, e.ttl)
	if err != nil {
		e.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		return
	}
	e.transition(acquired)
}

// transition updates the leader flag and fires callbacks on changes.
func (e *Elector) transition(leader bool) {
	e.mu.Lock()
	was := e.isLeader
	e.isLeader = leader
	e.mu.Unlock()

	switch {
	case leader && !was:
		e.logger.Info("acquired coordinator leadership", slog.String("coordinator_id", e.coordID.String()))
		if e.onAcquired != nil {
			e.onAcquired()
		}
	case !leader && was:
		e.logger.Warn("lost coordinator leadership", slog.String("coordinator_id", e.coordID.String()))
		if e.onLost != nil {
			e.onLost()
		}
	}
}
