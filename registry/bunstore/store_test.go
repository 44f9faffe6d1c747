package bunstore_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/registry"
	"github.com/xraph/fleet/registry/bunstore"
	"github.com/xraph/fleet/resource"
)

// setupSQLiteStore returns a store backed by an in-memory SQLite
// database, so the conformance suite runs without external services.
// The Postgres dialect is exercised by the integration build.
func setupSQLiteStore(t *testing.T) *bunstore.Store {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	s := bunstore.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testNode(t *testing.T) *node.Node {
	t.Helper()
	return &node.Node{
		ID:        id.NewNodeID(),
		Hostname:  "node-1.example.com",
		Version:   "2.0.0",
		Resources: resource.Bundle{CPUs: 4, MemMB: 8192},
		State:     node.StateActive,
	}
}

func TestMembershipLifecycle(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()
	n := testNode(t)

	if err := s.Apply(ctx, registry.AddNode(n)); err != nil {
		t.Fatalf("Apply(AddNode): %v", err)
	}

	snap, err := s.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(snap.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(snap.Nodes))
	}
	got := snap.Nodes[0]
	if got.ID != n.ID || got.Hostname != n.Hostname || got.Resources != n.Resources {
		t.Errorf("fetched node = %+v, want %+v", got, n)
	}

	// Unreachable, then back.
	when := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Apply(ctx, registry.MarkUnreachable(n.ID, when)); err != nil {
		t.Fatalf("Apply(MarkUnreachable): %v", err)
	}
	snap, err = s.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(snap.Nodes) != 0 || len(snap.Unreachable) != 1 {
		t.Fatalf("after MarkUnreachable: %d nodes, %d unreachable; want 0, 1",
			len(snap.Nodes), len(snap.Unreachable))
	}
	if snap.Unreachable[0].NodeID != n.ID || !snap.Unreachable[0].Time.Equal(when) {
		t.Errorf("tombstone = %+v, want %s at %v", snap.Unreachable[0], n.ID, when)
	}

	if err := s.Apply(ctx, registry.MarkReachable(n)); err != nil {
		t.Fatalf("Apply(MarkReachable): %v", err)
	}
	snap, err = s.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(snap.Nodes) != 1 || len(snap.Unreachable) != 0 {
		t.Errorf("after MarkReachable: %d nodes, %d unreachable; want 1, 0",
			len(snap.Nodes), len(snap.Unreachable))
	}
}

func TestMembershipSentinels(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()
	when := time.Now().UTC()

	err := s.Apply(ctx, registry.MarkUnreachable(id.NewNodeID(), when))
	if !errors.Is(err, fleet.ErrNodeNotFound) {
		t.Errorf("MarkUnreachable unknown: err = %v, want ErrNodeNotFound", err)
	}
	err = s.Apply(ctx, registry.MarkReachable(testNode(t)))
	if !errors.Is(err, fleet.ErrNodeNotFound) {
		t.Errorf("MarkReachable unknown: err = %v, want ErrNodeNotFound", err)
	}
	err = s.Apply(ctx, registry.RemoveNode(id.NewNodeID()))
	if !errors.Is(err, fleet.ErrNodeNotFound) {
		t.Errorf("RemoveNode unknown: err = %v, want ErrNodeNotFound", err)
	}
}

func TestMarkGoneIsFinal(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()
	n := testNode(t)
	when := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.Apply(ctx, registry.AddNode(n)); err != nil {
		t.Fatalf("Apply(AddNode): %v", err)
	}
	if err := s.Apply(ctx, registry.MarkUnreachable(n.ID, when)); err != nil {
		t.Fatalf("Apply(MarkUnreachable): %v", err)
	}
	if err := s.Apply(ctx, registry.MarkGone(n.ID, when.Add(time.Minute))); err != nil {
		t.Fatalf("Apply(MarkGone): %v", err)
	}

	snap, err := s.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(snap.Nodes) != 0 || len(snap.Unreachable) != 0 {
		t.Errorf("MarkGone left node behind: %+v", snap)
	}
	if len(snap.Gone) != 1 || snap.Gone[0].NodeID != n.ID {
		t.Fatalf("Gone = %+v, want tombstone for %s", snap.Gone, n.ID)
	}

	err = s.Apply(ctx, registry.MarkGone(n.ID, when.Add(2*time.Minute)))
	if !errors.Is(err, fleet.ErrNodeGone) {
		t.Errorf("second MarkGone err = %v, want ErrNodeGone", err)
	}
}

func TestRemoveNode(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	// Removing an admitted node.
	n1 := testNode(t)
	if err := s.Apply(ctx, registry.AddNode(n1)); err != nil {
		t.Fatalf("Apply(AddNode): %v", err)
	}
	if err := s.Apply(ctx, registry.RemoveNode(n1.ID)); err != nil {
		t.Fatalf("Apply(RemoveNode admitted): %v", err)
	}

	// Removing an unreachable node clears its tombstone.
	n2 := testNode(t)
	if err := s.Apply(ctx, registry.AddNode(n2)); err != nil {
		t.Fatalf("Apply(AddNode): %v", err)
	}
	if err := s.Apply(ctx, registry.MarkUnreachable(n2.ID, time.Now().UTC())); err != nil {
		t.Fatalf("Apply(MarkUnreachable): %v", err)
	}
	if err := s.Apply(ctx, registry.RemoveNode(n2.ID)); err != nil {
		t.Fatalf("Apply(RemoveNode unreachable): %v", err)
	}

	snap, err := s.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(snap.Nodes)+len(snap.Unreachable) != 0 {
		t.Errorf("removals left state: %+v", snap)
	}
}

func TestPruneTombstones(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	var ids []id.NodeID
	for i := 0; i < 3; i++ {
		n := testNode(t)
		ids = append(ids, n.ID)
		if err := s.Apply(ctx, registry.AddNode(n)); err != nil {
			t.Fatalf("Apply(AddNode): %v", err)
		}
		if err := s.Apply(ctx, registry.MarkUnreachable(n.ID, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Apply(MarkUnreachable): %v", err)
		}
	}

	if err := s.Apply(ctx, registry.PruneUnreachable(ids[0], ids[1])); err != nil {
		t.Fatalf("Apply(PruneUnreachable): %v", err)
	}

	snap, err := s.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(snap.Unreachable) != 1 || snap.Unreachable[0].NodeID != ids[2] {
		t.Fatalf("Unreachable = %+v, want only %s", snap.Unreachable, ids[2])
	}

	// Oldest-first order holds on replay.
	if err := s.Apply(ctx, registry.MarkGone(ids[0], base.Add(10*time.Second))); err != nil {
		t.Fatalf("Apply(MarkGone): %v", err)
	}
	if err := s.Apply(ctx, registry.MarkGone(ids[1], base.Add(20*time.Second))); err != nil {
		t.Fatalf("Apply(MarkGone): %v", err)
	}
	snap, err = s.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(snap.Gone) != 2 || snap.Gone[0].NodeID != ids[0] || snap.Gone[1].NodeID != ids[1] {
		t.Errorf("Gone = %+v, want [%s %s] oldest first", snap.Gone, ids[0], ids[1])
	}
}

func TestLeadership(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()
	coord1 := id.NewCoordinatorID()
	coord2 := id.NewCoordinatorID()

	ok, err := s.AcquireLeadership(ctx, coord1, 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireLeadership(coord1) = %v, %v; want true", ok, err)
	}

	ok, err = s.AcquireLeadership(ctx, coord2, 30*time.Second)
	if err != nil {
		t.Fatalf("AcquireLeadership(coord2): %v", err)
	}
	if ok {
		t.Error("coord2 acquired leadership over a live lease")
	}

	ok, err = s.RenewLeadership(ctx, coord1, 30*time.Second)
	if err != nil || !ok {
		t.Errorf("RenewLeadership(coord1) = %v, %v; want true", ok, err)
	}

	leader, err := s.GetLeader(ctx)
	if err != nil {
		t.Fatalf("GetLeader: %v", err)
	}
	if leader != coord1 {
		t.Errorf("GetLeader = %s, want %s", leader, coord1)
	}
}

func TestLeadershipExpiry(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()
	coord1 := id.NewCoordinatorID()
	coord2 := id.NewCoordinatorID()

	ok, err := s.AcquireLeadership(ctx, coord1, 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("AcquireLeadership(coord1) = %v, %v; want true", ok, err)
	}

	time.Sleep(100 * time.Millisecond)

	ok, err = s.RenewLeadership(ctx, coord1, 30*time.Second)
	if err != nil {
		t.Fatalf("RenewLeadership(coord1): %v", err)
	}
	if ok {
		t.Error("renewed an expired lease")
	}

	ok, err = s.AcquireLeadership(ctx, coord2, 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireLeadership(coord2) = %v, %v; want true after expiry", ok, err)
	}
}
