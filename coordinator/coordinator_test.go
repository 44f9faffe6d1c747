package coordinator_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/auth"
	"github.com/xraph/fleet/coordinator"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/lease"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/ratelimit"
	"github.com/xraph/fleet/registry"
	"github.com/xraph/fleet/registry/memory"
	"github.com/xraph/fleet/resource"
	"github.com/xraph/fleet/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ── fakes ───────────────────────────────────────────

type launchCall struct {
	ownerID   id.OwnerID
	taskID    string
	resources resource.Bundle
}

type fakeNodeConn struct {
	mu        sync.Mutex
	pings     int
	launches  []launchCall
	kills     []string
	acks      []string
	shutdowns []string
}

func (f *fakeNodeConn) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeNodeConn) LaunchTask(_ context.Context, ownerID id.OwnerID, taskID string, res resource.Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, launchCall{ownerID, taskID, res})
	return nil
}

func (f *fakeNodeConn) KillTask(_ context.Context, _ id.OwnerID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, taskID)
	return nil
}

func (f *fakeNodeConn) AcknowledgeUpdate(_ context.Context, _ id.OwnerID, taskID string, _ id.UpdateID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, taskID)
	return nil
}

func (f *fakeNodeConn) Shutdown(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, reason)
	return nil
}

func (f *fakeNodeConn) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeNodeConn) lastLaunch() launchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches[len(f.launches)-1]
}

func (f *fakeNodeConn) lastAck() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.acks) == 0 {
		return ""
	}
	return f.acks[len(f.acks)-1]
}

func (f *fakeNodeConn) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kills)
}

func (f *fakeNodeConn) shutdownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shutdowns)
}

func (f *fakeNodeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

type fakeOwnerConn struct {
	mu       sync.Mutex
	offers   [][]*lease.Lease
	rescinds []id.LeaseID
	statuses []*task.Status
	errs     []string
}

func (f *fakeOwnerConn) Offer(_ context.Context, ls []*lease.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, ls)
	return nil
}

func (f *fakeOwnerConn) Rescind(_ context.Context, leaseID id.LeaseID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescinds = append(f.rescinds, leaseID)
	return nil
}

func (f *fakeOwnerConn) StatusUpdate(_ context.Context, st *task.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.statuses = append(f.statuses, &cp)
	return nil
}

func (f *fakeOwnerConn) Error(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, message)
	return nil
}

func (f *fakeOwnerConn) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func (f *fakeOwnerConn) lastOffer() []*lease.Lease {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.offers) == 0 {
		return nil
	}
	return f.offers[len(f.offers)-1]
}

func (f *fakeOwnerConn) rescindCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rescinds)
}

// lastStatus returns the most recent status delivered for taskID, nil
// when none arrived.
func (f *fakeOwnerConn) lastStatus(taskID string) *task.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.statuses) - 1; i >= 0; i-- {
		if f.statuses[i].TaskID == taskID {
			return f.statuses[i]
		}
	}
	return nil
}

func (f *fakeOwnerConn) statusCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.statuses {
		if st.TaskID == taskID {
			n++
		}
	}
	return n
}

// ── harness ─────────────────────────────────────────

type harness struct {
	t     *testing.T
	c     *coordinator.Coordinator
	clock *clockwork.FakeClock
	store registry.Store
	cfg   fleet.Config
}

func newHarness(t *testing.T, opts ...coordinator.Option) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return newHarnessWith(t, clock, memory.New(memory.WithClock(clock)), fleet.DefaultConfig(), opts...)
}

func newHarnessWith(t *testing.T, clock *clockwork.FakeClock, store registry.Store, cfg fleet.Config, opts ...coordinator.Option) *harness {
	t.Helper()
	all := append([]coordinator.Option{
		coordinator.WithConfig(cfg),
		coordinator.WithClock(clock),
		coordinator.WithStore(store),
		coordinator.WithLogger(testLogger()),
	}, opts...)
	c, err := coordinator.New(all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Settle()
	t.Cleanup(func() {
		if err := c.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return &harness{t: t, c: c, clock: clock, store: store, cfg: cfg}
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.c.Settle()
}

func (h *harness) register(conn node.Conn, decl coordinator.NodeDeclaration) id.NodeID {
	h.t.Helper()
	if decl.Hostname == "" {
		decl.Hostname = "node.example.com"
	}
	if decl.Version == "" {
		decl.Version = "2.0.0"
	}
	nid, err := h.c.RegisterNode(context.Background(), decl, conn)
	if err != nil {
		h.t.Fatalf("RegisterNode: %v", err)
	}
	h.c.Settle()
	return nid
}

func (h *harness) subscribe(conn owner.Conn, decl owner.Declaration) id.OwnerID {
	h.t.Helper()
	if decl.Name == "" {
		decl.Name = "svc"
	}
	oid, err := h.c.SubscribeOwner(context.Background(), id.Nil, decl, conn)
	if err != nil {
		h.t.Fatalf("SubscribeOwner: %v", err)
	}
	h.c.Settle()
	return oid
}

func (h *harness) acceptLaunch(ownerID id.OwnerID, leaseIDs []id.LeaseID, taskID string, res resource.Bundle) {
	h.t.Helper()
	ops := []lease.Operation{{
		Type:   lease.OpLaunch,
		Launch: &lease.Launch{TaskID: taskID, Resources: res},
	}}
	if err := h.c.AcceptLeases(context.Background(), ownerID, leaseIDs, ops, 0); err != nil {
		h.t.Fatalf("AcceptLeases: %v", err)
	}
	h.c.Settle()
}

func (h *harness) report(nodeID id.NodeID, ownerID id.OwnerID, taskID string, state task.State, updateID id.UpdateID) {
	h.t.Helper()
	st := &task.Status{
		TaskID:   taskID,
		OwnerID:  ownerID,
		NodeID:   nodeID,
		UpdateID: updateID,
		State:    state,
	}
	if err := h.c.UpdateTaskStatus(context.Background(), st); err != nil {
		h.t.Fatalf("UpdateTaskStatus: %v", err)
	}
	h.c.Settle()
}

var fourCPU = resource.Bundle{CPUs: 4, MemMB: 8192}

// ── tests ───────────────────────────────────────────

func TestRegisterNodeOffersToOwner(t *testing.T) {
	h := newHarness(t)
	nc := &fakeNodeConn{}
	oc := &fakeOwnerConn{}

	nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	if oc.offerCount() != 1 {
		t.Fatalf("offers = %d, want 1", oc.offerCount())
	}
	ls := oc.lastOffer()
	if len(ls) != 1 {
		t.Fatalf("offer carries %d leases, want 1", len(ls))
	}
	l := ls[0]
	if l.NodeID != nid || l.OwnerID != oid || l.Role != "web" {
		t.Errorf("lease = %+v, want node %s owner %s role web", l, nid, oid)
	}
	if l.Resources != fourCPU {
		t.Errorf("Resources = %s, want %s", l.Resources, fourCPU)
	}

	snap, err := h.c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.Leading {
		t.Error("not leading")
	}
	if len(snap.Nodes) != 1 || snap.Nodes[0].State != node.StateActive {
		t.Errorf("snapshot nodes = %+v, want one active node", snap.Nodes)
	}
	if snap.OutstandingLeases != 1 {
		t.Errorf("OutstandingLeases = %d, want 1", snap.OutstandingLeases)
	}
}

func TestRegistrationFiltersVersionAndDomain(t *testing.T) {
	cfg := fleet.DefaultConfig()
	cfg.MinVersion = "1.5.0"
	cfg.Domain = &fleet.Domain{Region: "us-east", Zone: "a"}
	clock := clockwork.NewFakeClock()
	h := newHarnessWith(t, clock, memory.New(memory.WithClock(clock)), cfg)
	oc := &fakeOwnerConn{}
	h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	_, err := h.c.RegisterNode(context.Background(), coordinator.NodeDeclaration{
		Hostname:  "old.example.com",
		Version:   "1.4.9",
		Domain:    &fleet.Domain{Region: "us-east", Zone: "b"},
		Resources: fourCPU,
	}, &fakeNodeConn{})
	if !errors.Is(err, fleet.ErrVersionRejected) {
		t.Errorf("stale version: err = %v, want ErrVersionRejected", err)
	}

	_, err = h.c.RegisterNode(context.Background(), coordinator.NodeDeclaration{
		Hostname:  "remote.example.com",
		Version:   "2.0.0",
		Domain:    &fleet.Domain{Region: "eu-west", Zone: "a"},
		Resources: fourCPU,
	}, &fakeNodeConn{})
	if !errors.Is(err, fleet.ErrDomainMismatch) {
		t.Errorf("remote region: err = %v, want ErrDomainMismatch", err)
	}

	h.c.Settle()
	if oc.offerCount() != 0 {
		t.Errorf("offers = %d, want 0: rejected nodes must contribute nothing", oc.offerCount())
	}

	// Same region, different zone is admitted.
	h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{
		Version:   "1.5.0",
		Domain:    &fleet.Domain{Region: "us-east", Zone: "b"},
		Resources: fourCPU,
	})
	if oc.offerCount() != 1 {
		t.Errorf("offers = %d, want 1 after compatible registration", oc.offerCount())
	}
}

func TestAcceptLaunchesAndReoffersRemainder(t *testing.T) {
	h := newHarness(t)
	nc := &fakeNodeConn{}
	oc := &fakeOwnerConn{}
	nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	l := oc.lastOffer()[0]
	taskRes := resource.Bundle{CPUs: 1, MemMB: 1024}
	h.acceptLaunch(oid, []id.LeaseID{l.ID}, "task-1", taskRes)

	if nc.launchCount() != 1 {
		t.Fatalf("launches = %d, want 1", nc.launchCount())
	}
	lc := nc.lastLaunch()
	if lc.taskID != "task-1" || lc.resources != taskRes {
		t.Errorf("launch = %+v, want task-1 with %s", lc, taskRes)
	}

	tk, err := h.c.Task(context.Background(), oid, "task-1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if tk.State != task.StateStaging || tk.NodeID != nid {
		t.Errorf("task = %+v, want staging on %s", tk, nid)
	}

	// The unlaunched remainder comes straight back.
	if oc.offerCount() != 2 {
		t.Fatalf("offers = %d, want 2", oc.offerCount())
	}
	rem := oc.lastOffer()[0]
	want := resource.Bundle{CPUs: 3, MemMB: 7168}
	if rem.Resources != want {
		t.Errorf("remainder = %s, want %s", rem.Resources, want)
	}
}

func TestAcceptInvalidLeasesFailsLaunches(t *testing.T) {
	for _, tc := range []struct {
		name string
		caps []owner.Capability
		want task.State
	}{
		{"default owner", nil, task.StateLost},
		{"partition aware", []owner.Capability{owner.CapabilityPartitionAware}, task.StateDropped},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			oc := &fakeOwnerConn{}
			h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
			oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}, Capabilities: tc.caps})

			ops := []lease.Operation{{
				Type:   lease.OpLaunch,
				Launch: &lease.Launch{TaskID: "phantom", Resources: resource.Bundle{CPUs: 1}},
			}}
			err := h.c.AcceptLeases(context.Background(), oid, []id.LeaseID{id.NewLeaseID()}, ops, 0)
			if !errors.Is(err, fleet.ErrInvalidLease) {
				t.Fatalf("err = %v, want ErrInvalidLease", err)
			}
			h.c.Settle()

			st := oc.lastStatus("phantom")
			if st == nil {
				t.Fatal("no status delivered for the failed launch")
			}
			if st.State != tc.want || st.Reason != task.ReasonInvalidLeases {
				t.Errorf("status = %s/%s, want %s/%s", st.State, st.Reason, tc.want, task.ReasonInvalidLeases)
			}
			if _, err := h.c.Task(context.Background(), oid, "phantom"); !errors.Is(err, fleet.ErrTaskNotFound) {
				t.Errorf("Task err = %v, want ErrTaskNotFound: the task must never exist", err)
			}
		})
	}
}

func TestDeclineFilterDelaysReoffer(t *testing.T) {
	h := newHarness(t)
	oc := &fakeOwnerConn{}
	h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	l := oc.lastOffer()[0]
	if err := h.c.DeclineLease(context.Background(), oid, l.ID, 10*time.Second); err != nil {
		t.Fatalf("DeclineLease: %v", err)
	}
	h.c.Settle()

	h.advance(h.cfg.AllocationInterval)
	if oc.offerCount() != 1 {
		t.Fatalf("offers = %d, want 1: the filter must suppress re-offering", oc.offerCount())
	}

	h.advance(10 * time.Second)
	if oc.offerCount() != 2 {
		t.Errorf("offers = %d, want 2 after the filter elapsed", oc.offerCount())
	}
}

func TestDeclineWithZeroFilterReoffersImmediately(t *testing.T) {
	h := newHarness(t)
	oc := &fakeOwnerConn{}
	h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	l := oc.lastOffer()[0]
	if err := h.c.DeclineLease(context.Background(), oid, l.ID, 0); err != nil {
		t.Fatalf("DeclineLease: %v", err)
	}
	h.c.Settle()
	h.advance(h.cfg.AllocationInterval)
	if oc.offerCount() != 2 {
		t.Errorf("offers = %d, want 2", oc.offerCount())
	}
}

func TestTerminalUpdateRecoversResourcesOnce(t *testing.T) {
	h := newHarness(t)
	nc := &fakeNodeConn{}
	oc := &fakeOwnerConn{}
	nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	l := oc.lastOffer()[0]
	h.acceptLaunch(oid, []id.LeaseID{l.ID}, "task-1", fourCPU)

	u1 := id.NewUpdateID()
	h.report(nid, oid, "task-1", task.StateFinished, u1)

	// The whole pool is offerable again.
	if oc.offerCount() != 2 {
		t.Fatalf("offers = %d, want 2", oc.offerCount())
	}
	if got := oc.lastOffer()[0].Resources; got != fourCPU {
		t.Errorf("recovered offer = %s, want %s", got, fourCPU)
	}
	delivered := oc.statusCount("task-1")

	// A retried duplicate is re-forwarded but recovers nothing.
	h.report(nid, oid, "task-1", task.StateFinished, u1)
	if oc.offerCount() != 2 {
		t.Errorf("offers = %d after duplicate, want 2 still", oc.offerCount())
	}
	if oc.statusCount("task-1") != delivered+1 {
		t.Errorf("statuses = %d, want %d: duplicates are re-forwarded", oc.statusCount("task-1"), delivered+1)
	}

	// Acking the terminal update archives the task.
	if err := h.c.AcknowledgeUpdate(context.Background(), oid, "task-1", u1); err != nil {
		t.Fatalf("AcknowledgeUpdate: %v", err)
	}
	h.c.Settle()
	if _, err := h.c.Task(context.Background(), oid, "task-1"); !errors.Is(err, fleet.ErrTaskNotFound) {
		t.Errorf("Task err = %v, want ErrTaskNotFound after terminal ack", err)
	}
	if nc.lastAck() != "task-1" {
		t.Error("ack not forwarded to the node")
	}
}

func TestLatestStateTerminalRecoversEarly(t *testing.T) {
	h := newHarness(t)
	oc := &fakeOwnerConn{}
	nid := h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	l := oc.lastOffer()[0]
	h.acceptLaunch(oid, []id.LeaseID{l.ID}, "task-1", fourCPU)

	// An out-of-order RUNNING delivery whose piggybacked latest state is
	// already terminal frees the resources without a terminal update.
	st := &task.Status{
		TaskID:      "task-1",
		OwnerID:     oid,
		NodeID:      nid,
		UpdateID:    id.NewUpdateID(),
		State:       task.StateRunning,
		LatestState: task.StateFinished,
	}
	if err := h.c.UpdateTaskStatus(context.Background(), st); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	h.c.Settle()

	if oc.offerCount() != 2 {
		t.Fatalf("offers = %d, want 2", oc.offerCount())
	}
	tk, err := h.c.Task(context.Background(), oid, "task-1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if tk.State != task.StateRunning {
		t.Errorf("state = %s, want running: only resources recover early", tk.State)
	}
	if !tk.ResourcesFreed {
		t.Error("ResourcesFreed = false, want true")
	}
}

func TestKillTaskFlow(t *testing.T) {
	h := newHarness(t)
	nc := &fakeNodeConn{}
	oc := &fakeOwnerConn{}
	nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	l := oc.lastOffer()[0]
	h.acceptLaunch(oid, []id.LeaseID{l.ID}, "task-1", fourCPU)
	h.report(nid, oid, "task-1", task.StateRunning, id.NewUpdateID())

	if err := h.c.KillTask(context.Background(), oid, "task-1"); err != nil {
		t.Fatalf("KillTask: %v", err)
	}
	h.c.Settle()
	if nc.killCount() != 1 {
		t.Fatalf("kills = %d, want 1", nc.killCount())
	}
	tk, _ := h.c.Task(context.Background(), oid, "task-1")
	if tk.State != task.StateKilling {
		t.Errorf("state = %s, want killing", tk.State)
	}

	// The node confirms; killing a terminal task is a no-op.
	h.report(nid, oid, "task-1", task.StateKilled, id.NewUpdateID())
	if err := h.c.KillTask(context.Background(), oid, "task-1"); err != nil {
		t.Errorf("KillTask on terminal: %v", err)
	}
	h.c.Settle()
	if nc.killCount() != 1 {
		t.Errorf("kills = %d, want 1: terminal kill must not reach the node", nc.killCount())
	}
}

func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	h := newHarness(t)
	nc := &fakeNodeConn{}
	oc := &fakeOwnerConn{}
	h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
	h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	// Never answers: one missed ping per interval until the cutoff.
	for i := 0; i <= h.cfg.MaxMissedHeartbeats; i++ {
		h.advance(h.cfg.HeartbeatInterval)
	}

	snap, _ := h.c.Snapshot(context.Background())
	if snap.Nodes[0].State != node.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", snap.Nodes[0].State)
	}
	if nc.pingCount() != h.cfg.MaxMissedHeartbeats {
		t.Errorf("pings = %d, want %d", nc.pingCount(), h.cfg.MaxMissedHeartbeats)
	}
	if oc.rescindCount() != 1 {
		t.Errorf("rescinds = %d, want 1: the outstanding lease must be withdrawn", oc.rescindCount())
	}
}

func TestPongKeepsNodeAlive(t *testing.T) {
	h := newHarness(t)
	nc := &fakeNodeConn{}
	nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})

	for i := 0; i < 2*h.cfg.MaxMissedHeartbeats; i++ {
		h.advance(h.cfg.HeartbeatInterval)
		h.c.PongNode(nid)
		h.c.Settle()
	}

	snap, _ := h.c.Snapshot(context.Background())
	if snap.Nodes[0].State != node.StateActive {
		t.Errorf("state = %s, want active", snap.Nodes[0].State)
	}
}

func TestReregisterAfterDisconnectRebuildsPool(t *testing.T) {
	h := newHarness(t)
	nc := &fakeNodeConn{}
	oc := &fakeOwnerConn{}
	nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	taskRes := resource.Bundle{CPUs: 1, MemMB: 1024}
	h.acceptLaunch(oid, []id.LeaseID{oc.lastOffer()[0].ID}, "task-1", taskRes)
	h.report(nid, oid, "task-1", task.StateRunning, id.NewUpdateID())

	h.c.DisconnectNode(nid)
	h.c.Settle()
	if oc.rescindCount() != 1 {
		t.Fatalf("rescinds = %d, want 1", oc.rescindCount())
	}

	offersBefore := oc.offerCount()
	nc2 := &fakeNodeConn{}
	err := h.c.ReregisterNode(context.Background(), nid, coordinator.NodeDeclaration{
		Hostname:  "node.example.com",
		Version:   "2.0.0",
		Resources: fourCPU,
	}, []coordinator.TaskInventory{{
		OwnerID:   oid,
		TaskID:    "task-1",
		Role:      "web",
		State:     task.StateRunning,
		Resources: taskRes,
	}}, nc2)
	if err != nil {
		t.Fatalf("ReregisterNode: %v", err)
	}
	h.c.Settle()

	tk, err := h.c.Task(context.Background(), oid, "task-1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if tk.State != task.StateRunning || tk.ResourcesFreed {
		t.Errorf("task = %+v, want running with resources consumed", tk)
	}

	if oc.offerCount() != offersBefore+1 {
		t.Fatalf("offers = %d, want %d", oc.offerCount(), offersBefore+1)
	}
	want := resource.Bundle{CPUs: 3, MemMB: 7168}
	if got := oc.lastOffer()[0].Resources; got != want {
		t.Errorf("re-offer = %s, want %s: the running task stays consumed", got, want)
	}
}

func TestReregisterDropsUnreportedTasks(t *testing.T) {
	h := newHarness(t)
	oc := &fakeOwnerConn{}
	nid := h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	h.acceptLaunch(oid, []id.LeaseID{oc.lastOffer()[0].ID}, "task-1", resource.Bundle{CPUs: 1, MemMB: 1024})
	h.c.DisconnectNode(nid)
	h.c.Settle()

	err := h.c.ReregisterNode(context.Background(), nid, coordinator.NodeDeclaration{
		Hostname:  "node.example.com",
		Version:   "2.0.0",
		Resources: fourCPU,
	}, nil, &fakeNodeConn{})
	if err != nil {
		t.Fatalf("ReregisterNode: %v", err)
	}
	h.c.Settle()

	st := oc.lastStatus("task-1")
	if st == nil || st.State != task.StateLost || st.Reason != task.ReasonReconciliation {
		t.Errorf("status = %+v, want lost/reconciliation", st)
	}
}

func TestUnreachableAfterReregisterTimeout(t *testing.T) {
	for _, tc := range []struct {
		name string
		caps []owner.Capability
		want task.State
	}{
		{"default owner", nil, task.StateLost},
		{"partition aware", []owner.Capability{owner.CapabilityPartitionAware}, task.StateUnreachable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			oc := &fakeOwnerConn{}
			nid := h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
			oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}, Capabilities: tc.caps})

			h.acceptLaunch(oid, []id.LeaseID{oc.lastOffer()[0].ID}, "task-1", resource.Bundle{CPUs: 1, MemMB: 1024})
			h.c.DisconnectNode(nid)
			h.c.Settle()

			fireAt := h.clock.Now().Add(h.cfg.ReregisterTimeout).UTC()
			h.advance(h.cfg.ReregisterTimeout)

			st := oc.lastStatus("task-1")
			if st == nil || st.State != tc.want {
				t.Fatalf("status = %+v, want state %s", st, tc.want)
			}
			if tc.want == task.StateUnreachable && !st.Timestamp.Equal(fireAt) {
				t.Errorf("Timestamp = %v, want the unreachable decision time %v", st.Timestamp, fireAt)
			}

			snap, _ := h.c.Snapshot(context.Background())
			if len(snap.Nodes) != 0 {
				t.Errorf("nodes = %+v, want none tracked", snap.Nodes)
			}
			if len(snap.Unreachable) != 1 || snap.Unreachable[0].NodeID != nid {
				t.Fatalf("unreachable = %+v, want tombstone for %s", snap.Unreachable, nid)
			}
			if !snap.Unreachable[0].Time.Equal(fireAt) {
				t.Errorf("tombstone time = %v, want %v", snap.Unreachable[0].Time, fireAt)
			}
		})
	}
}

func TestUnreachableNodeReregisters(t *testing.T) {
	h := newHarness(t)
	oc := &fakeOwnerConn{}
	nid := h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{
		Roles:        []string{"web"},
		Capabilities: []owner.Capability{owner.CapabilityPartitionAware},
	})

	taskRes := resource.Bundle{CPUs: 1, MemMB: 1024}
	h.acceptLaunch(oid, []id.LeaseID{oc.lastOffer()[0].ID}, "task-1", taskRes)
	h.c.DisconnectNode(nid)
	h.c.Settle()
	h.advance(h.cfg.ReregisterTimeout)

	err := h.c.ReregisterNode(context.Background(), nid, coordinator.NodeDeclaration{
		Hostname:  "node.example.com",
		Version:   "2.0.0",
		Resources: fourCPU,
	}, []coordinator.TaskInventory{{
		OwnerID:   oid,
		TaskID:    "task-1",
		Role:      "web",
		State:     task.StateRunning,
		Resources: taskRes,
	}}, &fakeNodeConn{})
	if err != nil {
		t.Fatalf("ReregisterNode: %v", err)
	}
	h.c.Settle()

	snap, _ := h.c.Snapshot(context.Background())
	if len(snap.Unreachable) != 0 {
		t.Errorf("unreachable = %+v, want empty after return", snap.Unreachable)
	}
	if len(snap.Nodes) != 1 || snap.Nodes[0].State != node.StateActive {
		t.Fatalf("nodes = %+v, want one active", snap.Nodes)
	}
	tk, err := h.c.Task(context.Background(), oid, "task-1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if tk.State != task.StateRunning || tk.ResourcesFreed {
		t.Errorf("task = %+v, want running with resources re-consumed", tk)
	}
}

func TestReregistrationCancelsPendingRemoval(t *testing.T) {
	// A limiter with zero burst never grants: the unreachable decision
	// stays queued behind its permit forever.
	clock := clockwork.NewFakeClock()
	store := memory.New(memory.WithClock(clock))
	h := newHarnessWith(t, clock, store, fleet.DefaultConfig(),
		coordinator.WithRateLimiter(ratelimit.New(1, 0, ratelimit.WithClock(clock))))

	nid := h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
	h.c.DisconnectNode(nid)
	h.c.Settle()
	h.advance(h.cfg.ReregisterTimeout)

	// The timer fired but the permit is still pending; the node is
	// neither removed nor durably unreachable.
	snap, _ := h.c.Snapshot(context.Background())
	if len(snap.Nodes) != 1 || snap.Nodes[0].State != node.StateDisconnected {
		t.Fatalf("nodes = %+v, want one disconnected", snap.Nodes)
	}

	err := h.c.ReregisterNode(context.Background(), nid, coordinator.NodeDeclaration{
		Hostname:  "node.example.com",
		Version:   "2.0.0",
		Resources: fourCPU,
	}, nil, &fakeNodeConn{})
	if err != nil {
		t.Fatalf("ReregisterNode: %v", err)
	}
	h.c.Settle()

	snap, _ = h.c.Snapshot(context.Background())
	if len(snap.Nodes) != 1 || snap.Nodes[0].State != node.StateActive {
		t.Fatalf("nodes = %+v, want one active", snap.Nodes)
	}

	// Nothing about the aborted removal reached the registry.
	durable, err := store.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(durable.Unreachable) != 0 {
		t.Errorf("durable unreachable = %+v, want empty", durable.Unreachable)
	}
	if len(durable.Nodes) != 1 {
		t.Errorf("durable nodes = %d, want 1", len(durable.Nodes))
	}
}

func TestMarkNodeGone(t *testing.T) {
	h := newHarness(t)
	nc := &fakeNodeConn{}
	oc := &fakeOwnerConn{}
	nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{
		Roles:        []string{"web"},
		Capabilities: []owner.Capability{owner.CapabilityPartitionAware},
	})
	h.acceptLaunch(oid, []id.LeaseID{oc.lastOffer()[0].ID}, "task-1", resource.Bundle{CPUs: 1, MemMB: 1024})

	if err := h.c.MarkNodeGone(context.Background(), nid); err != nil {
		t.Fatalf("MarkNodeGone: %v", err)
	}
	h.c.Settle()

	if nc.shutdownCount() != 1 {
		t.Errorf("shutdowns = %d, want 1", nc.shutdownCount())
	}
	st := oc.lastStatus("task-1")
	if st == nil || st.State != task.StateGoneByOperator {
		t.Errorf("status = %+v, want gone_by_operator", st)
	}
	snap, _ := h.c.Snapshot(context.Background())
	if len(snap.Nodes) != 0 || len(snap.Gone) != 1 {
		t.Errorf("nodes = %d gone = %d, want 0 and 1", len(snap.Nodes), len(snap.Gone))
	}

	// Marking again fails; reregistration is refused with a shutdown.
	if err := h.c.MarkNodeGone(context.Background(), nid); !errors.Is(err, fleet.ErrNodeGone) {
		t.Errorf("second mark: err = %v, want ErrNodeGone", err)
	}
	nc2 := &fakeNodeConn{}
	err := h.c.ReregisterNode(context.Background(), nid, coordinator.NodeDeclaration{
		Hostname: "node.example.com", Version: "2.0.0", Resources: fourCPU,
	}, nil, nc2)
	if !errors.Is(err, fleet.ErrNodeGone) {
		t.Errorf("reregister: err = %v, want ErrNodeGone", err)
	}
	h.c.Settle()
	if nc2.shutdownCount() != 1 {
		t.Errorf("returning conn shutdowns = %d, want 1", nc2.shutdownCount())
	}
}

func TestOperatorReservationsAndVolumes(t *testing.T) {
	h := newHarness(t)
	decl := coordinator.NodeDeclaration{
		Resources: resource.Bundle{CPUs: 4, MemMB: 8192, DiskMB: 4096},
	}
	nid := h.register(&fakeNodeConn{}, decl)
	ctx := context.Background()

	if err := h.c.ReserveResources(ctx, nid, "web", resource.Bundle{DiskMB: 1024}); err != nil {
		t.Fatalf("ReserveResources: %v", err)
	}
	h.c.Settle()
	n, err := h.c.Node(ctx, nid)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if n.Reserved["web"].DiskMB != 1024 || n.Resources.DiskMB != 3072 {
		t.Errorf("reserved = %+v resources = %+v, want 1024 moved", n.Reserved, n.Resources)
	}

	vol := resource.Volume{ID: id.NewVolumeID(), Role: "web", SizeMB: 512}
	if err := h.c.CreateVolume(ctx, nid, vol); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	h.c.Settle()

	big := resource.Volume{ID: id.NewVolumeID(), Role: "web", SizeMB: 2048}
	if err := h.c.CreateVolume(ctx, nid, big); !errors.Is(err, fleet.ErrInvalidOperation) {
		t.Errorf("oversized volume: err = %v, want ErrInvalidOperation", err)
	}

	n, _ = h.c.Node(ctx, nid)
	if len(n.Volumes) != 1 || n.Volumes[0].ID != vol.ID {
		t.Fatalf("volumes = %+v, want exactly the created one", n.Volumes)
	}

	if err := h.c.DestroyVolume(ctx, nid, vol.ID); err != nil {
		t.Fatalf("DestroyVolume: %v", err)
	}
	h.c.Settle()
	n, _ = h.c.Node(ctx, nid)
	if len(n.Volumes) != 0 {
		t.Errorf("volumes = %+v, want empty", n.Volumes)
	}

	if err := h.c.UnreserveResources(ctx, nid, "web", resource.Bundle{DiskMB: 1024}); err != nil {
		t.Fatalf("UnreserveResources: %v", err)
	}
	h.c.Settle()
	n, _ = h.c.Node(ctx, nid)
	if len(n.Reserved) != 0 || n.Resources.DiskMB != 4096 {
		t.Errorf("reserved = %+v resources = %+v, want everything back", n.Reserved, n.Resources)
	}

	// Unreserving more than is reserved fails.
	err = h.c.UnreserveResources(ctx, nid, "web", resource.Bundle{DiskMB: 1})
	if !errors.Is(err, fleet.ErrInvalidOperation) {
		t.Errorf("over-unreserve: err = %v, want ErrInvalidOperation", err)
	}
}

func TestAuthorizationDenied(t *testing.T) {
	deny := auth.AuthorizerFunc(func(_ context.Context, req auth.Request) (bool, error) {
		return req.Principal != "mallory", nil
	})
	clock := clockwork.NewFakeClock()
	h := newHarnessWith(t, clock, memory.New(memory.WithClock(clock)), fleet.DefaultConfig(),
		coordinator.WithAuthorizer(deny))

	nc := &fakeNodeConn{}
	oc := &fakeOwnerConn{}
	nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}, Principal: "mallory"})

	// Launch runs under the owner's principal and is denied.
	l := oc.lastOffer()[0]
	ops := []lease.Operation{{
		Type:   lease.OpLaunch,
		Launch: &lease.Launch{TaskID: "task-1", Resources: resource.Bundle{CPUs: 1}},
	}}
	if err := h.c.AcceptLeases(context.Background(), oid, []id.LeaseID{l.ID}, ops, 0); err != nil {
		t.Fatalf("AcceptLeases: %v", err)
	}
	h.c.Settle()

	if nc.launchCount() != 0 {
		t.Errorf("launches = %d, want 0", nc.launchCount())
	}
	st := oc.lastStatus("task-1")
	if st == nil || st.State != task.StateError || st.Reason != task.ReasonUnauthorized {
		t.Errorf("status = %+v, want error/unauthorized", st)
	}

	ctx := fleet.WithPrincipal(context.Background(), "mallory")
	if err := h.c.TeardownOwner(ctx, oid); !errors.Is(err, fleet.ErrPermissionDenied) {
		t.Errorf("teardown: err = %v, want ErrPermissionDenied", err)
	}
	if err := h.c.MarkNodeGone(ctx, nid); !errors.Is(err, fleet.ErrPermissionDenied) {
		t.Errorf("mark gone: err = %v, want ErrPermissionDenied", err)
	}
	h.c.Settle()
	snap, _ := h.c.Snapshot(context.Background())
	if len(snap.Nodes) != 1 || len(snap.Owners) != 1 {
		t.Errorf("denied actions mutated state: %d nodes, %d owners", len(snap.Nodes), len(snap.Owners))
	}
}

func TestOwnerFailover(t *testing.T) {
	t.Run("timeout tears down", func(t *testing.T) {
		h := newHarness(t)
		nc := &fakeNodeConn{}
		oc := &fakeOwnerConn{}
		nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
		oid := h.subscribe(oc, owner.Declaration{
			Roles:           []string{"web"},
			FailoverTimeout: time.Minute,
		})
		h.acceptLaunch(oid, []id.LeaseID{oc.lastOffer()[0].ID}, "task-1", resource.Bundle{CPUs: 1, MemMB: 1024})
		h.report(nid, oid, "task-1", task.StateRunning, id.NewUpdateID())

		h.c.DisconnectOwner(oid)
		h.c.Settle()

		// Tasks survive the window.
		if _, err := h.c.Task(context.Background(), oid, "task-1"); err != nil {
			t.Fatalf("Task during failover window: %v", err)
		}

		h.advance(time.Minute)
		if nc.killCount() != 1 {
			t.Errorf("kills = %d, want 1: teardown kills live tasks", nc.killCount())
		}
		snap, _ := h.c.Snapshot(context.Background())
		if len(snap.Owners) != 0 {
			t.Errorf("owners = %+v, want none", snap.Owners)
		}

		// The torn-down identity cannot resubscribe.
		_, err := h.c.SubscribeOwner(context.Background(), oid, owner.Declaration{Name: "svc", Roles: []string{"web"}}, &fakeOwnerConn{})
		if !errors.Is(err, fleet.ErrOwnerNotFound) {
			t.Errorf("resubscribe after teardown: err = %v, want ErrOwnerNotFound", err)
		}
	})

	t.Run("resubscribe within window keeps tasks", func(t *testing.T) {
		h := newHarness(t)
		oc := &fakeOwnerConn{}
		nid := h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
		oid := h.subscribe(oc, owner.Declaration{
			Roles:           []string{"web"},
			FailoverTimeout: time.Minute,
		})
		h.acceptLaunch(oid, []id.LeaseID{oc.lastOffer()[0].ID}, "task-1", resource.Bundle{CPUs: 1, MemMB: 1024})
		h.report(nid, oid, "task-1", task.StateRunning, id.NewUpdateID())

		h.c.DisconnectOwner(oid)
		h.c.Settle()
		h.advance(30 * time.Second)

		oc2 := &fakeOwnerConn{}
		got, err := h.c.SubscribeOwner(context.Background(), oid, owner.Declaration{
			Name:            "svc",
			Roles:           []string{"web"},
			FailoverTimeout: time.Minute,
		}, oc2)
		if err != nil {
			t.Fatalf("resubscribe: %v", err)
		}
		if got != oid {
			t.Fatalf("resubscribe assigned %s, want %s", got, oid)
		}
		h.c.Settle()

		tk, err := h.c.Task(context.Background(), oid, "task-1")
		if err != nil {
			t.Fatalf("Task: %v", err)
		}
		if tk.State != task.StateRunning {
			t.Errorf("state = %s, want running", tk.State)
		}

		// The old timer must not fire against the resumed session.
		h.advance(time.Minute)
		snap, _ := h.c.Snapshot(context.Background())
		if len(snap.Owners) != 1 {
			t.Errorf("owners = %d, want 1", len(snap.Owners))
		}
	})
}

func TestTeardownOwner(t *testing.T) {
	h := newHarness(t)
	oc := &fakeOwnerConn{}
	oc2 := &fakeOwnerConn{}
	h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})
	oid2 := h.subscribe(oc2, owner.Declaration{Roles: []string{"web"}})

	if err := h.c.TeardownOwner(context.Background(), oid); err != nil {
		t.Fatalf("TeardownOwner: %v", err)
	}
	h.c.Settle()

	snap, _ := h.c.Snapshot(context.Background())
	if len(snap.Owners) != 1 || snap.Owners[0].ID != oid2 {
		t.Fatalf("owners = %+v, want only %s", snap.Owners, oid2)
	}

	// The surviving owner inherits the freed resources.
	h.advance(h.cfg.AllocationInterval)
	if oc2.offerCount() == 0 {
		t.Error("surviving owner received no offers after teardown")
	}
}

func TestCoordinatorRecoveryFromRegistry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.New(memory.WithClock(clock))

	// A previous term admitted this node.
	prev := &node.Node{
		ID:        id.NewNodeID(),
		Hostname:  "survivor.example.com",
		Version:   "2.0.0",
		Resources: fourCPU,
		State:     node.StateActive,
	}
	if err := store.Apply(context.Background(), registry.AddNode(prev)); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	h := newHarnessWith(t, clock, store, fleet.DefaultConfig())
	oc := &fakeOwnerConn{}
	h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	snap, _ := h.c.Snapshot(context.Background())
	if len(snap.Nodes) != 1 || snap.Nodes[0].State != node.StateRecovering {
		t.Fatalf("nodes = %+v, want one recovering", snap.Nodes)
	}
	if oc.offerCount() != 0 {
		t.Fatalf("offers = %d, want 0: recovering nodes are not offerable", oc.offerCount())
	}

	// The node reregisters with its running inventory; an unknown owner
	// is tracked as recovered.
	ghostOwner := id.NewOwnerID()
	taskRes := resource.Bundle{CPUs: 1, MemMB: 1024}
	err := h.c.ReregisterNode(context.Background(), prev.ID, coordinator.NodeDeclaration{
		Hostname:  "survivor.example.com",
		Version:   "2.0.0",
		Resources: fourCPU,
	}, []coordinator.TaskInventory{{
		OwnerID:   ghostOwner,
		TaskID:    "task-1",
		Role:      "web",
		State:     task.StateRunning,
		Resources: taskRes,
	}}, &fakeNodeConn{})
	if err != nil {
		t.Fatalf("ReregisterNode: %v", err)
	}
	h.c.Settle()

	tk, err := h.c.Task(context.Background(), ghostOwner, "task-1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if tk.State != task.StateRunning {
		t.Errorf("state = %s, want running", tk.State)
	}

	// The remainder flows to the subscribed owner; the recovered owner
	// gets nothing until it subscribes.
	if oc.offerCount() != 1 {
		t.Fatalf("offers = %d, want 1", oc.offerCount())
	}
	want := resource.Bundle{CPUs: 3, MemMB: 7168}
	if got := oc.lastOffer()[0].Resources; got != want {
		t.Errorf("offer = %s, want %s", got, want)
	}

	snap, _ = h.c.Snapshot(context.Background())
	var recovered *owner.Owner
	for _, o := range snap.Owners {
		if o.ID == ghostOwner {
			recovered = o
		}
	}
	if recovered == nil || recovered.Activity != owner.Recovered {
		t.Errorf("recovered owner = %+v, want tracked with recovered activity", recovered)
	}
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	oc := &fakeOwnerConn{}
	nid := h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{
		Roles:        []string{"web"},
		Capabilities: []owner.Capability{owner.CapabilityPartitionAware},
	})
	h.acceptLaunch(oid, []id.LeaseID{oc.lastOffer()[0].ID}, "task-1", resource.Bundle{CPUs: 1, MemMB: 1024})
	h.report(nid, oid, "task-1", task.StateRunning, id.NewUpdateID())

	// Implicit: every tracked task answers with its current state.
	before := oc.statusCount("task-1")
	if err := h.c.Reconcile(context.Background(), oid, nil); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	h.c.Settle()
	st := oc.lastStatus("task-1")
	if oc.statusCount("task-1") != before+1 || st.State != task.StateRunning || st.Reason != task.ReasonReconciliation {
		t.Errorf("implicit answer = %+v, want running/reconciliation", st)
	}

	// Explicit: unknown task on a live node answers unknown.
	if err := h.c.Reconcile(context.Background(), oid, []coordinator.ReconcileQuery{
		{TaskID: "never-seen", NodeID: nid},
	}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	h.c.Settle()
	st = oc.lastStatus("never-seen")
	if st == nil || st.State != task.StateUnknown || st.Reason != task.ReasonTaskUnknown {
		t.Errorf("answer = %+v, want unknown/task-unknown", st)
	}

	// Explicit against an unreachable node answers unreachable with the
	// partition time.
	h.c.DisconnectNode(nid)
	h.c.Settle()
	fireAt := h.clock.Now().Add(h.cfg.ReregisterTimeout).UTC()
	h.advance(h.cfg.ReregisterTimeout)
	if err := h.c.Reconcile(context.Background(), oid, []coordinator.ReconcileQuery{
		{TaskID: "task-1", NodeID: nid},
	}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	h.c.Settle()
	st = oc.lastStatus("task-1")
	if st.State != task.StateUnreachable {
		t.Fatalf("answer = %+v, want unreachable", st)
	}
	if !st.Timestamp.Equal(fireAt) {
		t.Errorf("Timestamp = %v, want %v", st.Timestamp, fireAt)
	}
}

func TestSuppressAndReviveOffers(t *testing.T) {
	h := newHarness(t)
	oc := &fakeOwnerConn{}
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	if err := h.c.SuppressOffers(context.Background(), oid); err != nil {
		t.Fatalf("SuppressOffers: %v", err)
	}
	h.c.Settle()

	h.register(&fakeNodeConn{}, coordinator.NodeDeclaration{Resources: fourCPU})
	h.advance(h.cfg.AllocationInterval)
	if oc.offerCount() != 0 {
		t.Fatalf("offers = %d, want 0 while suppressed", oc.offerCount())
	}

	if err := h.c.ReviveOffers(context.Background(), oid); err != nil {
		t.Fatalf("ReviveOffers: %v", err)
	}
	h.c.Settle()
	if oc.offerCount() != 1 {
		t.Errorf("offers = %d, want 1 after revive", oc.offerCount())
	}
}

func TestAcceptCombinesLeases(t *testing.T) {
	h := newHarness(t)
	nc := &fakeNodeConn{}
	oc := &fakeOwnerConn{}
	nid := h.register(nc, coordinator.NodeDeclaration{Resources: fourCPU})
	oid := h.subscribe(oc, owner.Declaration{Roles: []string{"web"}})

	// Split the pool: launch half, let the remainder come back as one
	// lease, then finish the task so the other half returns as another.
	first := oc.lastOffer()[0]
	half := resource.Bundle{CPUs: 2, MemMB: 4096}
	h.acceptLaunch(oid, []id.LeaseID{first.ID}, "task-1", half)
	remainder := oc.lastOffer()[0]
	h.report(nid, oid, "task-1", task.StateFinished, id.NewUpdateID())
	freed := oc.lastOffer()[0]
	if remainder.ID == freed.ID {
		t.Fatal("expected two distinct outstanding leases")
	}

	h.acceptLaunch(oid, []id.LeaseID{remainder.ID, freed.ID}, "task-2", fourCPU)
	if nc.launchCount() != 2 {
		t.Fatalf("launches = %d, want 2", nc.launchCount())
	}
	lc := nc.lastLaunch()
	if lc.taskID != "task-2" || lc.resources != fourCPU {
		t.Errorf("launch = %+v, want task-2 with the combined bundle %s", lc, fourCPU)
	}
}

// revocableStore lets a test yank leadership out from under the
// coordinator.
type revocableStore struct {
	*memory.Store
	mu      sync.Mutex
	revoked bool
}

func (s *revocableStore) revoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = true
}

func (s *revocableStore) AcquireLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	revoked := s.revoked
	s.mu.Unlock()
	if revoked {
		return false, nil
	}
	return s.Store.AcquireLeadership(ctx, coordID, ttl)
}

func (s *revocableStore) RenewLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	revoked := s.revoked
	s.mu.Unlock()
	if revoked {
		return false, nil
	}
	return s.Store.RenewLeadership(ctx, coordID, ttl)
}

func TestRunReturnsOnLeadershipLoss(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &revocableStore{Store: memory.New(memory.WithClock(clock))}
	cfg := fleet.DefaultConfig()
	c, err := coordinator.New(
		coordinator.WithConfig(cfg),
		coordinator.WithClock(clock),
		coordinator.WithStore(store),
		coordinator.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		c.Settle()
		snap, err := c.Snapshot(context.Background())
		if err == nil && snap.Leading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never acquired leadership")
		}
		time.Sleep(time.Millisecond)
	}

	store.revoke()
	clock.Advance(cfg.LeadershipTTL / 2)

	select {
	case err := <-errCh:
		if !errors.Is(err, fleet.ErrLeadershipLost) {
			t.Fatalf("Run = %v, want ErrLeadershipLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after leadership loss")
	}
}
