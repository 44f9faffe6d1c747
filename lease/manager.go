package lease

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/resource"
	"github.com/xraph/fleet/role"
)

// Manager owns lease allocation: per-node resource pools, outstanding
// leases, decline filters, suppressions and the fairness bookkeeping
// behind the allocation pass.
//
// The coordinator's event loop is the sole caller; Manager is not safe
// for concurrent use.
type Manager struct {
	clock        clockwork.Clock
	leaseTimeout time.Duration

	nodes     map[id.NodeID]*pool
	nodeOrder []id.NodeID

	owners     map[id.OwnerID]*ownerEntry
	ownerOrder []id.OwnerID

	leases  map[id.LeaseID]*Lease
	filters map[filterKey]time.Time

	// allocated tracks outstanding leases, claims and running tasks per
	// (owner, role); the dominant-share inputs.
	allocated map[allocKey]resource.Bundle
}

// pool is one node's available resources: what is neither leased out
// nor consumed by a non-terminal task.
type pool struct {
	nodeID     id.NodeID
	total      resource.Bundle
	active     bool
	unreserved resource.Bundle
	reserved   map[string]resource.Bundle
	leases     map[id.LeaseID]struct{}
}

type ownerEntry struct {
	ownerID    id.OwnerID
	roles      []string
	active     bool
	suppressed map[string]struct{}
}

type filterKey struct {
	node  id.NodeID
	owner id.OwnerID
	role  string
}

type allocKey struct {
	owner id.OwnerID
	role  string
}

// NewManager creates an empty manager. Granted leases expire (are
// rescinded by Expire) after leaseTimeout.
func NewManager(clock clockwork.Clock, leaseTimeout time.Duration) *Manager {
	return &Manager{
		clock:        clock,
		leaseTimeout: leaseTimeout,
		nodes:        make(map[id.NodeID]*pool),
		owners:       make(map[id.OwnerID]*ownerEntry),
		leases:       make(map[id.LeaseID]*Lease),
		filters:      make(map[filterKey]time.Time),
		allocated:    make(map[allocKey]resource.Bundle),
	}
}

// ── node membership ─────────────────────────────────

// AddNode registers (or refreshes) a node's pool from its record. The
// pool starts with the full capacity available; callers Consume the
// inventory of running tasks afterwards.
func (m *Manager) AddNode(n *node.Node) {
	p, exists := m.nodes[n.ID]
	if !exists {
		p = &pool{nodeID: n.ID, leases: make(map[id.LeaseID]struct{})}
		m.nodes[n.ID] = p
		m.nodeOrder = append(m.nodeOrder, n.ID)
	}
	p.total = n.Total()
	p.active = n.State == node.StateActive
	p.unreserved = n.Resources
	p.reserved = make(map[string]resource.Bundle, len(n.Reserved))
	for r, b := range n.Reserved {
		p.reserved[r] = b
	}
}

// RemoveNode drops a node's pool, rescinding its outstanding leases.
// The rescinded leases are returned for owner notification.
func (m *Manager) RemoveNode(nodeID id.NodeID) []*Lease {
	p, ok := m.nodes[nodeID]
	if !ok {
		return nil
	}

	var rescinded []*Lease
	for lid := range p.leases {
		l := m.leases[lid]
		delete(m.leases, lid)
		m.charge(l.OwnerID, l.Role, l.Resources, -1)
		rescinded = append(rescinded, l)
	}

	delete(m.nodes, nodeID)
	for i, nid := range m.nodeOrder {
		if nid == nodeID {
			m.nodeOrder = append(m.nodeOrder[:i], m.nodeOrder[i+1:]...)
			break
		}
	}
	for key := range m.filters {
		if key.node == nodeID {
			delete(m.filters, key)
		}
	}
	return rescinded
}

// RescindNode rescinds a node's outstanding leases without dropping its
// pool, e.g. when the node disconnects but may still reconnect. The
// rescinded leases are returned for owner notification.
func (m *Manager) RescindNode(nodeID id.NodeID) []*Lease {
	p, ok := m.nodes[nodeID]
	if !ok {
		return nil
	}
	var rescinded []*Lease
	for lid := range p.leases {
		l := m.leases[lid]
		m.release(l)
		delete(m.leases, lid)
		rescinded = append(rescinded, l)
	}
	sort.Slice(rescinded, func(i, j int) bool {
		return rescinded[i].CreatedAt.Before(rescinded[j].CreatedAt)
	})
	return rescinded
}

// SetNodeActive toggles whether a node's pool participates in
// allocation. Deactivation does not rescind outstanding leases; the
// coordinator decides that separately.
func (m *Manager) SetNodeActive(nodeID id.NodeID, active bool) {
	if p, ok := m.nodes[nodeID]; ok {
		p.active = active
	}
}

// ConvertToReserved returns resources a claim gave up to the node's
// pool as a role reservation (the RESERVE operation). The claim's
// fairness charge for them is released with the resources.
func (m *Manager) ConvertToReserved(nodeID id.NodeID, ownerID id.OwnerID, r string, b resource.Bundle) {
	if p, ok := m.nodes[nodeID]; ok {
		p.reserved[r] = p.reserved[r].Add(b)
	}
	m.charge(ownerID, r, b, -1)
}

// ConvertToUnreserved returns resources a claim gave up to the node's
// unreserved pool (the UNRESERVE operation).
func (m *Manager) ConvertToUnreserved(nodeID id.NodeID, ownerID id.OwnerID, r string, b resource.Bundle) {
	if p, ok := m.nodes[nodeID]; ok {
		p.unreserved = p.unreserved.Add(b)
	}
	m.charge(ownerID, r, b, -1)
}

// ReserveAvailable moves b from a node's free unreserved pool into the
// role's reservation (operator-driven, no claim involved).
func (m *Manager) ReserveAvailable(nodeID id.NodeID, r string, b resource.Bundle) error {
	p, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("fleet/lease: reserve on %s: %w", nodeID, fleet.ErrNodeNotFound)
	}
	if !p.unreserved.Covers(b) {
		return fmt.Errorf("fleet/lease: reserve %s exceeds free unreserved %s: %w",
			b, p.unreserved, fleet.ErrInvalidOperation)
	}
	p.unreserved = p.unreserved.Sub(b)
	p.reserved[r] = p.reserved[r].Add(b)
	return nil
}

// UnreserveAvailable moves b from a role's free reservation back into the
// node's unreserved pool (operator-driven, no claim involved).
func (m *Manager) UnreserveAvailable(nodeID id.NodeID, r string, b resource.Bundle) error {
	p, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("fleet/lease: unreserve on %s: %w", nodeID, fleet.ErrNodeNotFound)
	}
	if !p.reserved[r].Covers(b) {
		return fmt.Errorf("fleet/lease: unreserve %s exceeds free reservation %s: %w",
			b, p.reserved[r], fleet.ErrInvalidOperation)
	}
	p.reserved[r] = p.reserved[r].Sub(b)
	if p.reserved[r].IsZero() {
		delete(p.reserved, r)
	}
	p.unreserved = p.unreserved.Add(b)
	return nil
}

// ── owner membership ────────────────────────────────

// AddOwner registers (or resubscribes) an owner with its role set.
// Registration order is the allocation tie-breaker and survives
// resubscription.
func (m *Manager) AddOwner(ownerID id.OwnerID, roles []string) {
	e, exists := m.owners[ownerID]
	if !exists {
		e = &ownerEntry{ownerID: ownerID, suppressed: make(map[string]struct{})}
		m.owners[ownerID] = e
		m.ownerOrder = append(m.ownerOrder, ownerID)
	}
	e.roles = append([]string(nil), roles...)
	e.active = true
}

// RemoveOwner tears an owner down: rescinds its leases and forgets its
// filters, suppressions and fairness state.
func (m *Manager) RemoveOwner(ownerID id.OwnerID) []*Lease {
	if _, ok := m.owners[ownerID]; !ok {
		return nil
	}
	rescinded := m.rescindOwnerLeases(ownerID)

	delete(m.owners, ownerID)
	for i, oid := range m.ownerOrder {
		if oid == ownerID {
			m.ownerOrder = append(m.ownerOrder[:i], m.ownerOrder[i+1:]...)
			break
		}
	}
	for key := range m.filters {
		if key.owner == ownerID {
			delete(m.filters, key)
		}
	}
	for key := range m.allocated {
		if key.owner == ownerID {
			delete(m.allocated, key)
		}
	}
	return rescinded
}

// DeactivateOwner stops offering to a disconnected owner and rescinds
// its outstanding leases. Running tasks keep their charge.
func (m *Manager) DeactivateOwner(ownerID id.OwnerID) []*Lease {
	e, ok := m.owners[ownerID]
	if !ok {
		return nil
	}
	e.active = false
	return m.rescindOwnerLeases(ownerID)
}

// ActivateOwner resumes offering after a reconnect.
func (m *Manager) ActivateOwner(ownerID id.OwnerID) {
	if e, ok := m.owners[ownerID]; ok {
		e.active = true
	}
}

func (m *Manager) rescindOwnerLeases(ownerID id.OwnerID) []*Lease {
	var rescinded []*Lease
	for lid, l := range m.leases {
		if l.OwnerID != ownerID {
			continue
		}
		m.release(l)
		delete(m.leases, lid)
		rescinded = append(rescinded, l)
	}
	return rescinded
}

// Suppress stops granting leases to the owner for the given roles
// (none means all subscribed roles).
func (m *Manager) Suppress(ownerID id.OwnerID, roles ...string) {
	e, ok := m.owners[ownerID]
	if !ok {
		return
	}
	if len(roles) == 0 {
		roles = e.roles
	}
	for _, r := range roles {
		e.suppressed[r] = struct{}{}
	}
}

// Revive clears suppression for the given roles (none means all) and
// drops every decline filter the owner holds for them.
func (m *Manager) Revive(ownerID id.OwnerID, roles ...string) {
	e, ok := m.owners[ownerID]
	if !ok {
		return
	}
	if len(roles) == 0 {
		roles = e.roles
	}
	for _, r := range roles {
		delete(e.suppressed, r)
		for key := range m.filters {
			if key.owner == ownerID && key.role == r {
				delete(m.filters, key)
			}
		}
	}
}

// ── allocation ──────────────────────────────────────

// Allocate runs one allocation pass: at most one lease per active node,
// granted to the eligible (owner, role) with the smallest dominant
// share at every level of the role hierarchy. Ties break by owner
// registration order.
func (m *Manager) Allocate() []*Lease {
	now := m.clock.Now().UTC()
	total := m.clusterTotal()

	var granted []*Lease
	for _, nid := range m.nodeOrder {
		p := m.nodes[nid]
		if !p.active {
			continue
		}

		ownerID, r, ok := m.pickCandidate(p, total, now)
		if !ok {
			continue
		}

		reserved := p.reserved[r]
		resources := p.unreserved.Add(reserved)
		p.unreserved = resource.Bundle{}
		delete(p.reserved, r)

		l := &Lease{
			ID:        id.New(id.PrefixLease),
			NodeID:    nid,
			OwnerID:   ownerID,
			Role:      r,
			Resources: resources,
			Reserved:  reserved,
			CreatedAt: now,
		}
		if m.leaseTimeout > 0 {
			expires := now.Add(m.leaseTimeout)
			l.ExpiresAt = &expires
		}
		m.leases[l.ID] = l
		p.leases[l.ID] = struct{}{}
		m.charge(ownerID, r, resources, +1)
		granted = append(granted, l)
	}
	return granted
}

// pickCandidate chooses the (owner, role) with the smallest share
// vector for this node's pool, or ok=false when nothing is eligible.
func (m *Manager) pickCandidate(p *pool, total resource.Bundle, now time.Time) (id.OwnerID, string, bool) {
	var (
		bestOwner id.OwnerID
		bestRole  string
		bestVec   []float64
		found     bool
	)
	for _, oid := range m.ownerOrder {
		e := m.owners[oid]
		if !e.active {
			continue
		}
		for _, r := range e.roles {
			if _, sup := e.suppressed[r]; sup {
				continue
			}
			if m.filterActive(filterKey{node: p.nodeID, owner: oid, role: r}, now) {
				continue
			}
			if p.unreserved.Add(p.reserved[r]).IsZero() {
				continue
			}
			vec := m.shareVector(oid, r, total)
			if !found || vectorLess(vec, bestVec) {
				bestOwner, bestRole, bestVec, found = oid, r, vec, true
			}
		}
	}
	return bestOwner, bestRole, found
}

// shareVector is the fairness sort key: the dominant share of each
// prefix of the role path, then the owner's own share under the full
// role. Comparing vectors lexicographically shares fairly at every
// level of the hierarchy.
func (m *Manager) shareVector(ownerID id.OwnerID, r string, total resource.Bundle) []float64 {
	prefixes := append(role.Ancestors(r), r)
	vec := make([]float64, 0, len(prefixes)+1)
	for _, prefix := range prefixes {
		vec = append(vec, m.subtreeAllocated(prefix).DominantShare(total))
	}
	vec = append(vec, m.allocated[allocKey{owner: ownerID, role: r}].DominantShare(total))
	return vec
}

// subtreeAllocated sums allocations under a role prefix ("a" covers
// "a" and "a/b").
func (m *Manager) subtreeAllocated(prefix string) resource.Bundle {
	var sum resource.Bundle
	for key, b := range m.allocated {
		if key.role == prefix || strings.HasPrefix(key.role, prefix+role.Separator) {
			sum = sum.Add(b)
		}
	}
	return sum
}

func vectorLess(a, b []float64) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func (m *Manager) clusterTotal() resource.Bundle {
	var sum resource.Bundle
	for _, p := range m.nodes {
		if p.active {
			sum = sum.Add(p.total)
		}
	}
	return sum
}

// ── accept / decline / release ──────────────────────

// Accept consumes the referenced leases into a Claim. Every ID must be
// known, unconsumed, owned by ownerID, on one node under one role, and
// unique within the call; otherwise the whole accept is rejected with
// fleet.ErrInvalidLease and every referenced still-valid lease is
// recovered immediately — the returned slice lists those rescinds for
// owner notification.
//
// On success the returned slice lists the consumed leases.
func (m *Manager) Accept(ownerID id.OwnerID, leaseIDs []id.LeaseID) (*Claim, []*Lease, error) {
	fail := func(format string, args ...any) (*Claim, []*Lease, error) {
		rescinded := m.recoverReferenced(ownerID, leaseIDs)
		detail := fmt.Sprintf(format, args...)
		return nil, rescinded, fmt.Errorf("fleet/lease: accept: %s: %w", detail, fleet.ErrInvalidLease)
	}

	if len(leaseIDs) == 0 {
		return fail("no leases referenced")
	}

	seen := make(map[id.LeaseID]struct{}, len(leaseIDs))
	var picked []*Lease
	for _, lid := range leaseIDs {
		if _, dup := seen[lid]; dup {
			return fail("duplicate lease %s", lid)
		}
		seen[lid] = struct{}{}

		l, ok := m.leases[lid]
		if !ok {
			return fail("unknown or consumed lease %s", lid)
		}
		if l.OwnerID != ownerID {
			return fail("lease %s belongs to another owner", lid)
		}
		if len(picked) > 0 {
			if l.NodeID != picked[0].NodeID {
				return fail("lease %s is on a different node", lid)
			}
			if l.Role != picked[0].Role {
				return fail("lease %s is under a different role", lid)
			}
		}
		picked = append(picked, l)
	}

	claim := &Claim{
		NodeID:  picked[0].NodeID,
		OwnerID: ownerID,
		Role:    picked[0].Role,
	}
	for _, l := range picked {
		delete(m.leases, l.ID)
		if p, ok := m.nodes[l.NodeID]; ok {
			delete(p.leases, l.ID)
		}
		claim.Resources = claim.Resources.Add(l.Resources)
		claim.Reserved = claim.Reserved.Add(l.Reserved)
		claim.LeaseIDs = append(claim.LeaseIDs, l.ID)
	}
	// The claim keeps the fairness charge until Release.
	return claim, picked, nil
}

// recoverReferenced releases every still-valid lease named by a failed
// accept and returns them.
func (m *Manager) recoverReferenced(ownerID id.OwnerID, leaseIDs []id.LeaseID) []*Lease {
	var rescinded []*Lease
	for _, lid := range leaseIDs {
		l, ok := m.leases[lid]
		if !ok || l.OwnerID != ownerID {
			continue
		}
		m.release(l)
		delete(m.leases, lid)
		rescinded = append(rescinded, l)
	}
	return rescinded
}

// Release returns a claim's unspent remainder to the node's pool. A
// non-zero filter suppresses re-offering the (node, owner, role) triple
// until it elapses.
func (m *Manager) Release(claim *Claim, filter time.Duration) {
	m.charge(claim.OwnerID, claim.Role, claim.Resources, -1)
	if p, ok := m.nodes[claim.NodeID]; ok {
		p.unreserved = p.unreserved.Add(claim.Resources.Sub(claim.Reserved))
		if !claim.Reserved.IsZero() {
			p.reserved[claim.Role] = p.reserved[claim.Role].Add(claim.Reserved)
		}
	}
	if filter > 0 {
		key := filterKey{node: claim.NodeID, owner: claim.OwnerID, role: claim.Role}
		m.filters[key] = m.clock.Now().UTC().Add(filter)
	}
}

// Decline returns a lease's resources to the pool. A non-zero filter
// suppresses re-offering the triple until it elapses.
func (m *Manager) Decline(ownerID id.OwnerID, leaseID id.LeaseID, filter time.Duration) (*Lease, error) {
	l, ok := m.leases[leaseID]
	if !ok || l.OwnerID != ownerID {
		return nil, fmt.Errorf("fleet/lease: decline %s: %w", leaseID, fleet.ErrLeaseNotFound)
	}
	m.release(l)
	delete(m.leases, leaseID)
	if filter > 0 {
		key := filterKey{node: l.NodeID, owner: ownerID, role: l.Role}
		m.filters[key] = m.clock.Now().UTC().Add(filter)
	}
	return l, nil
}

// Expire rescinds every lease past its deadline and returns them for
// owner notification.
func (m *Manager) Expire() []*Lease {
	now := m.clock.Now().UTC()
	var expired []*Lease
	for lid, l := range m.leases {
		if l.ExpiresAt == nil || l.ExpiresAt.After(now) {
			continue
		}
		m.release(l)
		delete(m.leases, lid)
		expired = append(expired, l)
	}
	// Map iteration order is random; owners see a stable rescind order.
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	return expired
}

// release returns a lease's resources to its node's pool and drops the
// fairness charge. The caller removes it from the lease map.
func (m *Manager) release(l *Lease) {
	m.charge(l.OwnerID, l.Role, l.Resources, -1)
	p, ok := m.nodes[l.NodeID]
	if !ok {
		return
	}
	delete(p.leases, l.ID)
	p.unreserved = p.unreserved.Add(l.Unreserved())
	if !l.Reserved.IsZero() {
		p.reserved[l.Role] = p.reserved[l.Role].Add(l.Reserved)
	}
}

// ── task consumption ────────────────────────────────

// Consume charges running-task resources against a node's pool,
// e.g. when a reregistration or failover recovery reports inventory.
func (m *Manager) Consume(nodeID id.NodeID, ownerID id.OwnerID, r string, b, reserved resource.Bundle) {
	if p, ok := m.nodes[nodeID]; ok {
		p.unreserved = p.unreserved.Sub(b.Sub(reserved))
		if !reserved.IsZero() {
			p.reserved[r] = p.reserved[r].Sub(reserved)
		}
	}
	m.charge(ownerID, r, b, +1)
}

// Recover returns a terminal task's resources to the pool. Exactly-once
// is the caller's guarantee (task.ResourcesFreed).
func (m *Manager) Recover(nodeID id.NodeID, ownerID id.OwnerID, r string, b, reserved resource.Bundle) {
	if p, ok := m.nodes[nodeID]; ok {
		p.unreserved = p.unreserved.Add(b.Sub(reserved))
		if !reserved.IsZero() {
			p.reserved[r] = p.reserved[r].Add(reserved)
		}
	}
	m.charge(ownerID, r, b, -1)
}

// ── queries ─────────────────────────────────────────

// Lookup returns an outstanding lease.
func (m *Manager) Lookup(leaseID id.LeaseID) (*Lease, bool) {
	l, ok := m.leases[leaseID]
	return l, ok
}

// OwnerLeases returns an owner's outstanding leases.
func (m *Manager) OwnerLeases(ownerID id.OwnerID) []*Lease {
	var out []*Lease
	for _, l := range m.leases {
		if l.OwnerID == ownerID {
			out = append(out, l)
		}
	}
	return out
}

// Outstanding returns the number of outstanding leases.
func (m *Manager) Outstanding() int { return len(m.leases) }

// Available returns a node's currently allocatable bundle for a role
// (unreserved plus that role's reservation).
func (m *Manager) Available(nodeID id.NodeID, r string) resource.Bundle {
	p, ok := m.nodes[nodeID]
	if !ok {
		return resource.Bundle{}
	}
	return p.unreserved.Add(p.reserved[r])
}

// ── internals ───────────────────────────────────────

func (m *Manager) filterActive(key filterKey, now time.Time) bool {
	until, ok := m.filters[key]
	if !ok {
		return false
	}
	if !until.After(now) {
		delete(m.filters, key)
		return false
	}
	return true
}

// charge adjusts the fairness ledger by ±b for (owner, role).
func (m *Manager) charge(ownerID id.OwnerID, r string, b resource.Bundle, sign int) {
	key := allocKey{owner: ownerID, role: r}
	if sign > 0 {
		m.allocated[key] = m.allocated[key].Add(b)
		return
	}
	have, ok := m.allocated[key]
	if !ok {
		// The owner's ledger entry is already gone (owner removed while
		// an async completion was in flight); nothing to release.
		return
	}
	next := have.Sub(b)
	if next.IsZero() {
		delete(m.allocated, key)
		return
	}
	m.allocated[key] = next
}
