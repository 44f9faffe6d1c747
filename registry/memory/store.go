// Package memory provides a fully in-memory registry.Store.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/registry"
)

// Ensure Store implements registry.Store at compile time.
var _ registry.Store = (*Store)(nil)

// Store is an in-memory implementation of registry.Store.
type Store struct {
	mu sync.RWMutex

	nodes       map[id.NodeID]*node.Node
	unreachable []registry.Tombstone
	gone        []registry.Tombstone

	// leader tracks the current coordinator leader.
	leader      id.CoordinatorID
	leaderUntil time.Time

	clock  clockwork.Clock
	closed bool

	// failApplies makes the next N applies fail. Test hook for
	// exercising retry paths.
	failApplies int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for leadership TTLs. Tests pass a
// clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		nodes: make(map[id.NodeID]*node.Node),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailApplies makes the next n Apply calls return an error without
// mutating state.
func (m *Store) FailApplies(n int) {
	m.mu.Lock()
	m.failApplies = n
	m.mu.Unlock()
}

// Apply implements registry.Store.
func (m *Store) Apply(_ context.Context, op *registry.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("fleet/registry/memory: apply: %w", fleet.ErrStoreClosed)
	}
	if m.failApplies > 0 {
		m.failApplies--
		return fmt.Errorf("fleet/registry/memory: apply: %w", fleet.ErrRegistryUnavailable)
	}

	switch op.Type {
	case registry.OpAddNode:
		m.nodes[op.Node.ID] = op.Node.Clone()

	case registry.OpMarkUnreachable:
		if _, ok := m.nodes[op.NodeID]; !ok {
			return fmt.Errorf("fleet/registry/memory: mark unreachable %s: %w", op.NodeID, fleet.ErrNodeNotFound)
		}
		delete(m.nodes, op.NodeID)
		m.unreachable = append(m.unreachable, registry.Tombstone{NodeID: op.NodeID, Time: op.Time})

	case registry.OpMarkReachable:
		idx := tombstoneIndex(m.unreachable, op.Node.ID)
		if idx < 0 {
			return fmt.Errorf("fleet/registry/memory: mark reachable %s: %w", op.Node.ID, fleet.ErrNodeNotFound)
		}
		m.unreachable = append(m.unreachable[:idx], m.unreachable[idx+1:]...)
		m.nodes[op.Node.ID] = op.Node.Clone()

	case registry.OpRemoveNode:
		if _, ok := m.nodes[op.NodeID]; ok {
			delete(m.nodes, op.NodeID)
			return nil
		}
		idx := tombstoneIndex(m.unreachable, op.NodeID)
		if idx < 0 {
			return fmt.Errorf("fleet/registry/memory: remove %s: %w", op.NodeID, fleet.ErrNodeNotFound)
		}
		m.unreachable = append(m.unreachable[:idx], m.unreachable[idx+1:]...)

	case registry.OpMarkGone:
		if tombstoneIndex(m.gone, op.NodeID) >= 0 {
			return fmt.Errorf("fleet/registry/memory: mark gone %s: %w", op.NodeID, fleet.ErrNodeGone)
		}
		delete(m.nodes, op.NodeID)
		if idx := tombstoneIndex(m.unreachable, op.NodeID); idx >= 0 {
			m.unreachable = append(m.unreachable[:idx], m.unreachable[idx+1:]...)
		}
		m.gone = append(m.gone, registry.Tombstone{NodeID: op.NodeID, Time: op.Time})

	case registry.OpPruneUnreachable:
		m.unreachable = pruneTombstones(m.unreachable, op.NodeIDs)

	case registry.OpPruneGone:
		m.gone = pruneTombstones(m.gone, op.NodeIDs)
	}

	return nil
}

// FetchAll implements registry.Store.
func (m *Store) FetchAll(_ context.Context) (*registry.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("fleet/registry/memory: fetch: %w", fleet.ErrStoreClosed)
	}

	snap := &registry.Snapshot{
		Nodes:       make([]*node.Node, 0, len(m.nodes)),
		Unreachable: append([]registry.Tombstone(nil), m.unreachable...),
		Gone:        append([]registry.Tombstone(nil), m.gone...),
	}
	for _, n := range m.nodes {
		snap.Nodes = append(snap.Nodes, n.Clone())
	}
	return snap, nil
}

// AcquireLeadership attempts to become the coordinator leader.
func (m *Store) AcquireLeadership(_ context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()

	// If there's already a leader whose TTL hasn't expired and it's not us, fail.
	if !m.leader.IsNil() && m.leaderUntil.After(now) && m.leader != coordID {
		return false, nil
	}

	// Acquire (or re-acquire) leadership.
	m.leader = coordID
	m.leaderUntil = now.Add(ttl)
	return true, nil
}

// RenewLeadership extends the leader's hold.
func (m *Store) RenewLeadership(_ context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leader != coordID {
		return false, nil
	}
	m.leaderUntil = m.clock.Now().UTC().Add(ttl)
	return true, nil
}

// GetLeader returns the current leader, or id.Nil if there is none.
func (m *Store) GetLeader(_ context.Context) (id.CoordinatorID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader.IsNil() || m.leaderUntil.Before(m.clock.Now().UTC()) {
		return id.Nil, nil
	}
	return m.leader, nil
}

// Close implements registry.Store.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func tombstoneIndex(list []registry.Tombstone, nodeID id.NodeID) int {
	for i := range list {
		if list[i].NodeID == nodeID {
			return i
		}
	}
	return -1
}

func pruneTombstones(list []registry.Tombstone, nodeIDs []id.NodeID) []registry.Tombstone {
	drop := make(map[id.NodeID]struct{}, len(nodeIDs))
	for _, nid := range nodeIDs {
		drop[nid] = struct{}{}
	}
	kept := list[:0]
	for _, ts := range list {
		if _, ok := drop[ts.NodeID]; !ok {
			kept = append(kept, ts)
		}
	}
	return kept
}
