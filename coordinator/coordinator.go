package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/auth"
	"github.com/xraph/fleet/backoff"
	"github.com/xraph/fleet/election"
	"github.com/xraph/fleet/ext"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/lease"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/ratelimit"
	"github.com/xraph/fleet/registry"
	"github.com/xraph/fleet/stream"
	"github.com/xraph/fleet/task"
)

// Coordinator is the cluster's single writer. All fields below the
// "loop-owned" marker are touched only by the event-loop goroutine.
type Coordinator struct {
	cfg     fleet.Config
	coordID id.CoordinatorID
	clock   clockwork.Clock
	logger  *slog.Logger

	store   registry.Store
	limiter *ratelimit.Limiter
	authz   auth.Authorizer
	exts    *ext.Registry
	broker  *stream.Broker
	elector *election.Elector
	retry   backoff.Strategy

	events   chan func()
	stopCh   chan struct{}
	doneCh   chan struct{}
	lostCh   chan struct{}
	lostOnce sync.Once
	stopOnce sync.Once
	inflight inflightGauge

	allocTicker clockwork.Ticker
	hbTicker    clockwork.Ticker
	tickers     errgroup.Group

	// Loop-owned state.
	open            bool
	nodes           map[id.NodeID]*nodeState
	owners          map[id.OwnerID]*ownerState
	tasks           *task.Tracker
	leases          *lease.Manager
	unreachable     []registry.Tombstone
	gone            []registry.Tombstone
	completedOwners []*ownerArchive
	recoveryAttempt int
}

// nodeState is the loop's bookkeeping for one tracked node.
type nodeState struct {
	node        *node.Node
	conn        node.Conn
	missedPings int

	reregTimer clockwork.Timer
	reregGen   int

	// removal is the pending unreachable decision, nil when none.
	removal *removalAttempt
}

// removalAttempt tracks one rate-limited mark-unreachable decision from
// timer fire to registry apply. A reregistration observed at any point
// before the apply commits cancels it.
type removalAttempt struct {
	permit    *ratelimit.Permit
	cancel    chan struct{}
	cancelled bool
	applying  bool
	firedAt   time.Time

	// onDone replays a reregistration that arrived while the apply was
	// in flight.
	onDone func()
}

// ownerState is the loop's bookkeeping for one tracked owner.
type ownerState struct {
	owner *owner.Owner
	conn  owner.Conn

	failoverTimer clockwork.Timer
	failoverGen   int

	// completed holds acknowledged terminal tasks, newest last, bounded
	// by Config.MaxCompletedTasksPerOwner.
	completed []*task.Task
}

// ownerArchive retains a torn-down owner for late lookups.
type ownerArchive struct {
	owner     *owner.Owner
	completed []*task.Task
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig replaces the default configuration.
func WithConfig(cfg fleet.Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithClock injects the clock. Tests pass clockwork.NewFakeClock().
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithStore sets the registry store. Required.
func WithStore(store registry.Store) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithRateLimiter sets the removal rate limiter. Defaults to unlimited.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithAuthorizer sets the authorization collaborator. Defaults to
// auth.AllowAll().
func WithAuthorizer(a auth.Authorizer) Option {
	return func(c *Coordinator) { c.authz = a }
}

// WithExtension registers an extension with the coordinator.
func WithExtension(e ext.Extension) Option {
	return func(c *Coordinator) { c.exts.Register(e) }
}

// WithRetryStrategy sets the backoff used when registry replay fails
// after a leadership acquisition. Defaults to backoff.DefaultStrategy.
func WithRetryStrategy(s backoff.Strategy) Option {
	return func(c *Coordinator) { c.retry = s }
}

// WithCoordinatorID fixes the coordinator's identity instead of
// generating one.
func WithCoordinatorID(coordID id.CoordinatorID) Option {
	return func(c *Coordinator) { c.coordID = coordID }
}

// New creates a Coordinator and starts its event loop. The coordinator
// stays in standby — rejecting mutations with fleet.ErrNotLeader — until
// Start acquires leadership and failover recovery completes.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		cfg:     fleet.DefaultConfig(),
		coordID: id.NewCoordinatorID(),
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		events:  make(chan func(), 256),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		lostCh:  make(chan struct{}),
		nodes:   make(map[id.NodeID]*nodeState),
		owners:  make(map[id.OwnerID]*ownerState),
		tasks:   task.NewTracker(),
	}
	c.exts = ext.NewRegistry(c.logger)

	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil {
		return nil, fleet.ErrNoStore
	}
	if c.limiter == nil {
		c.limiter = ratelimit.Unlimited(ratelimit.WithClock(c.clock))
	}
	if c.authz == nil {
		c.authz = auth.AllowAll()
	}
	if c.retry == nil {
		c.retry = backoff.DefaultStrategy()
	}

	c.logger = c.logger.With(slog.String("component", "coordinator"))
	c.leases = lease.NewManager(c.clock, c.cfg.LeaseTimeout)

	c.broker = stream.NewBroker(c.logger)
	c.exts.Register(c.broker)

	c.elector = election.New(c.store, c.coordID, c.cfg.LeadershipTTL, c.logger,
		election.WithClock(c.clock),
		election.WithCallbacks(
			func() { c.post(c.leadershipAcquired) },
			func() { c.post(c.leadershipLost) },
		),
	)

	go c.loop()
	return c, nil
}

// ID returns this coordinator instance's identity.
func (c *Coordinator) ID() id.CoordinatorID { return c.coordID }

// Streams returns the cluster event broker for operator subscriptions.
func (c *Coordinator) Streams() *stream.Broker { return c.broker }

// Extensions returns the extension registry.
func (c *Coordinator) Extensions() *ext.Registry { return c.exts }

// Start begins leadership acquisition and the timer-driven cycles
// (allocation, lease expiry, heartbeats).
func (c *Coordinator) Start(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fleet.ErrClosed
	default:
	}

	if c.cfg.AllocationInterval > 0 {
		c.allocTicker = c.clock.NewTicker(c.cfg.AllocationInterval)
		c.tickers.Go(func() error {
			c.forwardTicks(c.allocTicker.Chan(), c.allocationTick)
			return nil
		})
	}
	if c.cfg.HeartbeatInterval > 0 {
		c.hbTicker = c.clock.NewTicker(c.cfg.HeartbeatInterval)
		c.tickers.Go(func() error {
			c.forwardTicks(c.hbTicker.Chan(), c.heartbeatTick)
			return nil
		})
	}

	c.elector.Start()
	return nil
}

// Run starts the coordinator and blocks until the context is canceled or
// leadership is lost, then shuts down. Leadership loss returns
// fleet.ErrLeadershipLost: the process is expected to exit rather than
// risk dual mastership.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
	case <-c.lostCh:
		cause = fleet.ErrLeadershipLost
	case <-c.stopCh:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil && cause == nil {
		cause = err
	}
	return cause
}

// Stop shuts the coordinator down: extensions get their shutdown hook,
// the tickers and the event loop stop. The registry store is the
// caller's to close.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.elector.Stop()

		done := make(chan struct{})
		c.post(func() {
			c.open = false
			c.exts.EmitShutdown(ctx)
			close(done)
		})
		select {
		case <-done:
		case <-ctx.Done():
		}

		close(c.stopCh)
		if c.allocTicker != nil {
			c.allocTicker.Stop()
		}
		if c.hbTicker != nil {
			c.hbTicker.Stop()
		}
		<-c.doneCh
	})
	c.tickers.Wait() //nolint:errcheck // forwarders always return nil
	return nil
}

// ── event loop ──────────────────────────────────────

func (c *Coordinator) loop() {
	defer close(c.doneCh)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.stopCh:
			return
		}
	}
}

// post enqueues fn for the loop. Returns false when the coordinator has
// stopped and fn was dropped.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.stopCh:
		return false
	}
}

// call posts fn and waits for its reply. fn runs on the loop and must
// call reply exactly once, possibly from a later completion event.
func (c *Coordinator) call(ctx context.Context, fn func(reply func(error))) error {
	done := make(chan error, 1)
	reply := func(err error) { done <- err }
	select {
	case c.events <- func() { fn(reply) }:
	case <-c.stopCh:
		return fleet.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-c.stopCh:
		return fleet.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs fn off-loop and re-injects the returned completion as a
// loop event. Call only from the loop. Settle waits for every spawned
// completion to be applied.
func (c *Coordinator) spawn(fn func() func()) {
	c.inflight.add(1)
	go func() {
		complete := fn()
		if !c.post(func() {
			if complete != nil {
				complete()
			}
			c.inflight.add(-1)
		}) {
			c.inflight.add(-1)
		}
	}()
}

const (
	settleRounds = 3
	settleGrace  = 2 * time.Millisecond
)

// Settle blocks until the coordinator is quiescent: the event queue is
// drained and every in-flight async completion has been applied. Timer
// and permit goroutines woken by a fake-clock advance get a short grace
// window to re-inject their events before the final drain. Test
// harnesses call Settle between clock advances instead of sleeping.
func (c *Coordinator) Settle() {
	for i := 0; i < settleRounds; i++ {
		c.drain()
		time.Sleep(settleGrace)
	}
	c.drain()
}

func (c *Coordinator) drain() {
	c.barrier()
	c.inflight.waitZero()
	c.barrier()
}

func (c *Coordinator) barrier() {
	done := make(chan struct{})
	if !c.post(func() { close(done) }) {
		return
	}
	<-done
}

// inflightGauge counts spawned completions not yet applied by the loop.
type inflightGauge struct {
	mu sync.Mutex
	cv *sync.Cond
	n  int
}

func (g *inflightGauge) add(d int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n += d
	if g.n <= 0 && g.cv != nil {
		g.cv.Broadcast()
	}
}

func (g *inflightGauge) waitZero() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cv == nil {
		g.cv = sync.NewCond(&g.mu)
	}
	for g.n > 0 {
		g.cv.Wait()
	}
}

func (c *Coordinator) forwardTicks(ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			c.post(fn)
		case <-c.stopCh:
			return
		}
	}
}

// ── leadership & failover recovery ──────────────────

func (c *Coordinator) leadershipAcquired() {
	if c.open {
		return
	}
	select {
	case <-c.lostCh:
		// A previous term already ended; this instance terminates.
		return
	default:
	}

	c.logger.Info("leadership acquired; replaying registry",
		slog.String("coordinator_id", c.coordID.String()))

	c.spawn(func() func() {
		snap, err := c.store.FetchAll(context.Background())
		return func() { c.finishRecovery(snap, err) }
	})
}

// finishRecovery rebuilds the node registry from the durable snapshot.
// Every known node loads as recovering with a reregistration timer; the
// mutation API opens once the replay lands.
func (c *Coordinator) finishRecovery(snap *registry.Snapshot, err error) {
	if err != nil {
		c.recoveryAttempt++
		delay := c.retry.Delay(c.recoveryAttempt)
		c.logger.Error("registry fetch failed; retrying",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))
		c.clock.AfterFunc(delay, func() { c.post(c.leadershipAcquired) })
		return
	}
	c.recoveryAttempt = 0

	c.unreachable = append([]registry.Tombstone(nil), snap.Unreachable...)
	c.gone = append([]registry.Tombstone(nil), snap.Gone...)

	for _, n := range snap.Nodes {
		rec := n.Clone()
		rec.State = node.StateRecovering
		ns := &nodeState{node: rec}
		c.nodes[rec.ID] = ns
		c.startReregTimer(ns)
	}

	c.open = true
	c.logger.Info("failover recovery complete",
		slog.Int("recovering_nodes", len(snap.Nodes)),
		slog.Int("unreachable", len(c.unreachable)),
		slog.Int("gone", len(c.gone)))
	c.exts.EmitLeadershipAcquired(context.Background(), c.coordID)
	c.allocatePass()
}

func (c *Coordinator) leadershipLost() {
	select {
	case <-c.lostCh:
		return
	default:
	}
	c.open = false
	c.logger.Warn("leadership lost; stopping",
		slog.String("coordinator_id", c.coordID.String()))
	c.exts.EmitLeadershipLost(context.Background(), c.coordID)
	c.lostOnce.Do(func() { close(c.lostCh) })
}

// ── allocation & expiry ─────────────────────────────

func (c *Coordinator) allocationTick() {
	c.expireLeases()
	c.allocatePass()
}

// allocatePass grants leases and delivers them to connected owners. It
// runs on the allocation interval and after every event that frees or
// adds resources.
func (c *Coordinator) allocatePass() {
	if !c.open {
		return
	}
	granted := c.leases.Allocate()
	if len(granted) == 0 {
		return
	}

	byOwner := make(map[id.OwnerID][]*lease.Lease)
	for _, l := range granted {
		c.exts.EmitLeaseGranted(context.Background(), l.Clone())
		byOwner[l.OwnerID] = append(byOwner[l.OwnerID], l.Clone())
	}
	for oid, ls := range byOwner {
		os := c.owners[oid]
		if os == nil || os.conn == nil {
			continue
		}
		if err := os.conn.Offer(context.Background(), ls); err != nil {
			c.logger.Warn("offer delivery failed",
				slog.String("owner_id", oid.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Coordinator) expireLeases() {
	for _, l := range c.leases.Expire() {
		c.notifyRescind(l)
	}
}

// notifyRescind tells the lease's owner it is withdrawn and emits the
// rescind hook.
func (c *Coordinator) notifyRescind(l *lease.Lease) {
	c.exts.EmitLeaseRescinded(context.Background(), l.Clone())
	os := c.owners[l.OwnerID]
	if os == nil || os.conn == nil {
		return
	}
	if err := os.conn.Rescind(context.Background(), l.ID); err != nil {
		c.logger.Warn("rescind delivery failed",
			slog.String("lease_id", l.ID.String()),
			slog.String("error", err.Error()))
	}
}

// ── task transitions ────────────────────────────────

// applyTransition moves a task through the state machine, handles
// exactly-once resource recovery, notifies the owner with a
// coordinator-generated status, and archives coordinator-forced
// terminals (they carry no update ID, so nothing waits for an ack).
func (c *Coordinator) applyTransition(t *task.Task, to task.State, reason task.Reason, msg string, when time.Time) {
	from := t.State
	if !t.Transition(to, reason, when) {
		return
	}

	if t.Terminal() && !t.ResourcesFreed {
		c.leases.Recover(t.NodeID, t.OwnerID, t.Role, t.Resources, t.Reserved)
		t.ResourcesFreed = true
	}

	st := task.Status{
		TaskID:    t.ID,
		OwnerID:   t.OwnerID,
		NodeID:    t.NodeID,
		State:     t.State,
		Reason:    reason,
		Message:   msg,
		Timestamp: when,
	}
	if t.State == task.StateUnreachable && t.UnreachableTime != nil {
		st.Timestamp = *t.UnreachableTime
	}
	t.Statuses = append(t.Statuses, st)
	c.notifyStatus(&st)
	c.exts.EmitTaskTransitioned(context.Background(), t.Clone(), from)

	if t.Terminal() {
		c.archiveTask(t)
	}
}

// notifyStatus forwards a status to the task's owner when connected.
func (c *Coordinator) notifyStatus(st *task.Status) {
	os := c.owners[st.OwnerID]
	if os == nil || os.conn == nil {
		return
	}
	cp := *st
	if err := os.conn.StatusUpdate(context.Background(), &cp); err != nil {
		c.logger.Warn("status delivery failed",
			slog.String("task_id", st.TaskID),
			slog.String("owner_id", st.OwnerID.String()),
			slog.String("error", err.Error()))
	}
}

// archiveTask moves an acknowledged terminal task from the active
// tracker into the owner's bounded completed list.
func (c *Coordinator) archiveTask(t *task.Task) {
	if _, ok := c.tasks.Remove(t.OwnerID, t.ID); !ok {
		return
	}
	os := c.owners[t.OwnerID]
	if os == nil {
		return
	}
	os.completed = append(os.completed, t)
	if max := c.cfg.MaxCompletedTasksPerOwner; max > 0 && len(os.completed) > max {
		os.completed = os.completed[len(os.completed)-max:]
	}
}

// ── tombstone mirrors ───────────────────────────────

func (c *Coordinator) inUnreachable(nodeID id.NodeID) bool {
	for i := range c.unreachable {
		if c.unreachable[i].NodeID == nodeID {
			return true
		}
	}
	return false
}

func (c *Coordinator) inGone(nodeID id.NodeID) bool {
	for i := range c.gone {
		if c.gone[i].NodeID == nodeID {
			return true
		}
	}
	return false
}

func (c *Coordinator) removeUnreachable(nodeID id.NodeID) {
	for i := range c.unreachable {
		if c.unreachable[i].NodeID == nodeID {
			c.unreachable = append(c.unreachable[:i], c.unreachable[i+1:]...)
			return
		}
	}
}

// pruneTombstones trims the unreachable and gone mirrors to their
// configured maxima, oldest first, through durable prune operations.
func (c *Coordinator) pruneTombstones() {
	if max := c.cfg.MaxUnreachableEntries; max > 0 && len(c.unreachable) > max {
		victims := tombstoneIDs(c.unreachable[:len(c.unreachable)-max])
		op := registry.PruneUnreachable(victims...)
		c.spawn(func() func() {
			err := c.store.Apply(context.Background(), op)
			return func() {
				if err != nil {
					c.logger.Warn("tombstone prune failed", slog.String("error", err.Error()))
					return
				}
				for _, nid := range victims {
					c.removeUnreachable(nid)
				}
			}
		})
	}
	if max := c.cfg.MaxGoneEntries; max > 0 && len(c.gone) > max {
		victims := tombstoneIDs(c.gone[:len(c.gone)-max])
		op := registry.PruneGone(victims...)
		c.spawn(func() func() {
			err := c.store.Apply(context.Background(), op)
			return func() {
				if err != nil {
					c.logger.Warn("tombstone prune failed", slog.String("error", err.Error()))
					return
				}
				kept := c.gone[:0]
				for _, ts := range c.gone {
					if !containsID(victims, ts.NodeID) {
						kept = append(kept, ts)
					}
				}
				c.gone = kept
			}
		})
	}
}

func tombstoneIDs(tombs []registry.Tombstone) []id.NodeID {
	out := make([]id.NodeID, len(tombs))
	for i, ts := range tombs {
		out[i] = ts.NodeID
	}
	return out
}

func containsID(ids []id.NodeID, nid id.NodeID) bool {
	for _, have := range ids {
		if have == nid {
			return true
		}
	}
	return false
}

// principalFor resolves the acting principal: an explicit one on the
// context wins, otherwise the owner's registered principal.
func principalFor(ctx context.Context, fallback string) string {
	if p := fleet.PrincipalFrom(ctx); p != "" {
		return p
	}
	return fallback
}

func wrapf(op string, err error) error {
	return fmt.Errorf("fleet/coordinator: %s: %w", op, err)
}
