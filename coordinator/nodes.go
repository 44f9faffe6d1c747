package coordinator

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/registry"
	"github.com/xraph/fleet/resource"
	"github.com/xraph/fleet/task"
)

// NodeDeclaration is a node's registration payload.
type NodeDeclaration struct {
	Hostname string
	Version  string
	Domain   *fleet.Domain

	// Resources is the unreserved bundle; Reserved holds static per-role
	// reservations the node was configured with.
	Resources resource.Bundle
	Reserved  map[string]resource.Bundle

	Capabilities []node.Capability
}

// TaskInventory is one running task reported by a reregistering node.
type TaskInventory struct {
	OwnerID id.OwnerID
	TaskID  string
	Role    string
	State   task.State

	Resources resource.Bundle
	// Reserved is the portion of Resources drawn from the role's
	// reservation.
	Reserved resource.Bundle
}

// RegisterNode admits a new node. An incompatible protocol version or
// fault domain refuses admission without any durable mutation; the
// transport is expected to stay silent so the node retries or gives up.
// Admission commits the add operation to the registry before the node
// becomes visible.
func (c *Coordinator) RegisterNode(ctx context.Context, decl NodeDeclaration, conn node.Conn) (id.NodeID, error) {
	var nodeID id.NodeID
	err := c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		if !versionAtLeast(decl.Version, c.cfg.MinVersion) {
			c.logger.Info("node registration ignored",
				slog.String("hostname", decl.Hostname),
				slog.String("version", decl.Version),
				slog.String("min_version", c.cfg.MinVersion))
			reply(fleet.ErrVersionRejected)
			return
		}
		if !fleet.CompatibleDomains(c.cfg.Domain, decl.Domain) {
			c.logger.Info("node registration ignored",
				slog.String("hostname", decl.Hostname),
				slog.Any("domain", decl.Domain))
			reply(fleet.ErrDomainMismatch)
			return
		}

		n := newNodeRecord(id.NewNodeID(), decl, c.clock.Now().UTC())
		op := registry.AddNode(n)
		c.spawn(func() func() {
			applyErr := c.store.Apply(context.Background(), op)
			return func() {
				if applyErr != nil {
					reply(wrapf("register node", applyErr))
					return
				}
				n.State = node.StateActive
				ns := &nodeState{node: n, conn: conn}
				c.nodes[n.ID] = ns
				c.leases.AddNode(n)
				c.exts.EmitNodeRegistered(context.Background(), n.Clone())
				nodeID = n.ID
				reply(nil)
				c.allocatePass()
			}
		})
	})
	return nodeID, err
}

// ReregisterNode readmits a known node: one reconnecting after a
// disconnect, one loaded as recovering after a coordinator failover, or
// one returning from unreachable. The node reports its running tasks so
// consumption can be rebuilt; tracked non-terminal tasks the node did
// not report are declared lost. A reregistration observed while a
// mark-unreachable decision is pending cancels that decision.
func (c *Coordinator) ReregisterNode(ctx context.Context, nodeID id.NodeID, decl NodeDeclaration, inventory []TaskInventory, conn node.Conn) error {
	return c.call(ctx, func(reply func(error)) {
		c.handleReregister(nodeID, decl, inventory, conn, reply)
	})
}

func (c *Coordinator) handleReregister(nodeID id.NodeID, decl NodeDeclaration, inventory []TaskInventory, conn node.Conn, reply func(error)) {
	if !c.open {
		reply(fleet.ErrNotLeader)
		return
	}

	if c.inGone(nodeID) {
		c.shutdownConn(conn, "node has been marked gone")
		reply(fleet.ErrNodeGone)
		return
	}

	if ns, ok := c.nodes[nodeID]; ok {
		if att := ns.removal; att != nil {
			if !att.cancelled {
				att.cancelled = true
				close(att.cancel)
				att.permit.Cancel()
			}
			if att.applying {
				// The unreachable apply is in flight; replay this
				// reregistration once it settles.
				att.onDone = func() {
					c.handleReregister(nodeID, decl, inventory, conn, reply)
				}
				return
			}
			ns.removal = nil
		}
		c.stopReregTimer(ns)
		c.readmit(ns, decl, inventory, conn)
		reply(nil)
		return
	}

	if c.inUnreachable(nodeID) {
		n := newNodeRecord(nodeID, decl, c.clock.Now().UTC())
		n.State = node.StateActive
		op := registry.MarkReachable(n)
		c.spawn(func() func() {
			applyErr := c.store.Apply(context.Background(), op)
			return func() {
				if applyErr != nil {
					reply(wrapf("reregister node", applyErr))
					return
				}
				c.removeUnreachable(nodeID)
				ns := &nodeState{node: n}
				c.nodes[nodeID] = ns
				c.readmit(ns, decl, inventory, conn)
				reply(nil)
			}
		})
		return
	}

	// Never seen, or the tombstone was garbage collected. The old
	// identity cannot be readmitted; the node must register fresh.
	c.shutdownConn(conn, "unknown node")
	reply(wrapf("reregister node", fleet.ErrNodeNotFound))
}

// readmit applies a reregistration to an already-tracked node: refresh
// the record, rebuild the resource pool from the declaration, and
// reconcile task consumption against the reported inventory.
func (c *Coordinator) readmit(ns *nodeState, decl NodeDeclaration, inventory []TaskInventory, conn node.Conn) {
	now := c.clock.Now().UTC()
	n := ns.node

	// Drop the accounting of everything previously consumed on this
	// node; the pool is about to be rebuilt from the declaration and
	// reported tasks are re-consumed below.
	for _, t := range c.tasks.OnNode(n.ID) {
		if !t.Terminal() && !t.ResourcesFreed {
			c.leases.Recover(n.ID, t.OwnerID, t.Role, t.Resources, t.Reserved)
			t.ResourcesFreed = true
		}
	}

	n.Hostname = decl.Hostname
	n.Version = decl.Version
	n.Domain = decl.Domain
	n.Resources = decl.Resources
	n.Reserved = cloneReservations(decl.Reserved)
	n.Capabilities = append([]node.Capability(nil), decl.Capabilities...)
	n.State = node.StateActive
	n.LastHeartbeat = now
	n.UnreachableTime = nil
	ns.conn = conn
	ns.missedPings = 0

	c.leases.AddNode(n)
	c.leases.SetNodeActive(n.ID, true)

	reported := make(map[string]struct{}, len(inventory))
	for _, item := range inventory {
		reported[item.OwnerID.String()+"/"+item.TaskID] = struct{}{}
		if task.IsTerminal(item.State) {
			continue
		}
		if t, ok := c.tasks.Get(item.OwnerID, item.TaskID); ok {
			t.Transition(item.State, task.ReasonNodeReported, now)
			c.leases.Consume(n.ID, t.OwnerID, t.Role, t.Resources, t.Reserved)
			t.ResourcesFreed = false
			continue
		}
		t := &task.Task{
			ID:        item.TaskID,
			OwnerID:   item.OwnerID,
			NodeID:    n.ID,
			Role:      item.Role,
			Resources: item.Resources,
			Reserved:  item.Reserved,
			State:     item.State,
			CreatedAt: now,
		}
		c.tasks.Add(t)
		c.leases.Consume(n.ID, t.OwnerID, t.Role, t.Resources, t.Reserved)
		c.ensureRecoveredOwner(item.OwnerID, item.Role, now)
	}

	// Tracked non-terminal tasks the node no longer knows are lost.
	for _, t := range c.tasks.OnNode(n.ID) {
		if t.Terminal() {
			continue
		}
		if _, ok := reported[t.OwnerID.String()+"/"+t.ID]; ok {
			continue
		}
		to := task.StateLost
		if os := c.owners[t.OwnerID]; os != nil && os.owner.PartitionAware() {
			to = task.StateGone
		}
		c.applyTransition(t, to, task.ReasonReconciliation,
			"task not reported by reregistering node", now)
	}

	c.exts.EmitNodeReregistered(context.Background(), n.Clone())
	c.allocatePass()
}

// ensureRecoveredOwner tracks an owner first learned from a
// reregistering node's inventory after a failover. Recovered owners get
// no offers until they subscribe.
func (c *Coordinator) ensureRecoveredOwner(ownerID id.OwnerID, r string, now time.Time) {
	if os, ok := c.owners[ownerID]; ok {
		if !os.owner.HasRole(r) {
			os.owner.Roles = append(os.owner.Roles, r)
		}
		return
	}
	o := &owner.Owner{
		ID:           ownerID,
		Roles:        []string{r},
		ConnState:    owner.Disconnected,
		Activity:     owner.Recovered,
		RegisteredAt: now,
	}
	c.owners[ownerID] = &ownerState{owner: o}
}

// DisconnectNode records a dropped node connection. The node keeps its
// tasks and may reregister until the reregistration timeout fires.
func (c *Coordinator) DisconnectNode(nodeID id.NodeID) {
	c.post(func() {
		if ns, ok := c.nodes[nodeID]; ok {
			c.disconnectNode(ns)
		}
	})
}

func (c *Coordinator) disconnectNode(ns *nodeState) {
	if ns.node.State != node.StateActive {
		return
	}
	ns.node.State = node.StateDisconnected
	ns.conn = nil
	ns.missedPings = 0

	c.leases.SetNodeActive(ns.node.ID, false)
	for _, l := range c.leases.RescindNode(ns.node.ID) {
		c.notifyRescind(l)
	}

	c.startReregTimer(ns)
	c.exts.EmitNodeDisconnected(context.Background(), ns.node.Clone())
}

// PongNode records a heartbeat answer.
func (c *Coordinator) PongNode(nodeID id.NodeID) {
	c.post(func() {
		ns, ok := c.nodes[nodeID]
		if !ok || ns.node.State != node.StateActive {
			return
		}
		ns.missedPings = 0
		ns.node.LastHeartbeat = c.clock.Now().UTC()
	})
}

func (c *Coordinator) heartbeatTick() {
	for _, ns := range c.nodes {
		if ns.node.State != node.StateActive || ns.conn == nil {
			continue
		}
		if ns.missedPings >= c.cfg.MaxMissedHeartbeats {
			c.logger.Warn("node missed heartbeats; disconnecting",
				slog.String("node_id", ns.node.ID.String()),
				slog.Int("missed", ns.missedPings))
			c.disconnectNode(ns)
			continue
		}
		ns.missedPings++
		if err := ns.conn.Ping(context.Background()); err != nil {
			c.disconnectNode(ns)
		}
	}
}

// UpdateTaskStatus ingests a node-reported status update. Delivery is
// at-least-once: duplicates (same update ID) are re-forwarded to the
// owner without touching state. Resources recover the moment any update
// reveals a terminal outcome — including a non-terminal delivery whose
// piggybacked latest state is terminal — exactly once per task.
func (c *Coordinator) UpdateTaskStatus(ctx context.Context, st *task.Status) error {
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		t, ok := c.tasks.Get(st.OwnerID, st.TaskID)
		if !ok {
			reply(wrapf("status update", fleet.ErrTaskNotFound))
			return
		}

		now := c.clock.Now().UTC()
		when := st.Timestamp
		if when.IsZero() {
			when = now
		}

		if t.HasUpdate(st.UpdateID) {
			c.notifyStatus(st)
			reply(nil)
			return
		}

		from := t.State
		reason := st.Reason
		if reason == "" {
			reason = task.ReasonNodeReported
		}
		changed := t.Transition(st.State, reason, when)

		if (task.IsTerminal(st.State) || task.IsTerminal(st.LatestState)) && !t.ResourcesFreed {
			c.leases.Recover(t.NodeID, t.OwnerID, t.Role, t.Resources, t.Reserved)
			t.ResourcesFreed = true
			c.allocatePass()
		}

		rec := *st
		rec.Timestamp = when
		rec.Acknowledged = false
		t.Statuses = append(t.Statuses, rec)

		if changed {
			c.exts.EmitTaskTransitioned(context.Background(), t.Clone(), from)
		}
		c.notifyStatus(st)
		reply(nil)
	})
}

// ── reregistration timers & unreachable transitions ─

func (c *Coordinator) startReregTimer(ns *nodeState) {
	c.stopReregTimer(ns)
	if c.cfg.ReregisterTimeout <= 0 {
		return
	}
	ns.reregGen++
	gen := ns.reregGen
	nodeID := ns.node.ID
	ns.reregTimer = c.clock.AfterFunc(c.cfg.ReregisterTimeout, func() {
		c.post(func() { c.reregTimerFired(nodeID, gen) })
	})
}

func (c *Coordinator) stopReregTimer(ns *nodeState) {
	if ns.reregTimer != nil {
		ns.reregTimer.Stop()
		ns.reregTimer = nil
	}
	ns.reregGen++
}

// reregTimerFired starts the rate-limited unreachable decision: acquire
// a permit, then apply the durable operation, then take the in-memory
// effects. A reregistration at any point before the apply commits
// cancels the whole attempt.
func (c *Coordinator) reregTimerFired(nodeID id.NodeID, gen int) {
	ns, ok := c.nodes[nodeID]
	if !ok || ns.reregGen != gen || ns.removal != nil {
		return
	}
	if ns.node.State != node.StateDisconnected && ns.node.State != node.StateRecovering {
		return
	}

	att := &removalAttempt{
		permit:  c.limiter.Acquire(),
		cancel:  make(chan struct{}),
		firedAt: c.clock.Now().UTC(),
	}
	ns.removal = att

	go func() {
		select {
		case <-att.permit.Done():
			c.post(func() { c.removalPermitGranted(nodeID, att) })
		case <-att.cancel:
		case <-c.stopCh:
		}
	}()
}

func (c *Coordinator) removalPermitGranted(nodeID id.NodeID, att *removalAttempt) {
	ns, ok := c.nodes[nodeID]
	if !ok || ns.removal != att || att.cancelled {
		return
	}

	att.applying = true
	op := registry.MarkUnreachable(nodeID, att.firedAt)
	c.spawn(func() func() {
		applyErr := c.store.Apply(context.Background(), op)
		return func() { c.finishUnreachable(nodeID, att, applyErr) }
	})
}

func (c *Coordinator) finishUnreachable(nodeID id.NodeID, att *removalAttempt, applyErr error) {
	att.applying = false

	if att.cancelled {
		// A reregistration raced the apply. The durable state may now
		// say unreachable; the replayed reregistration below observes
		// the tombstone and readmits through mark-reachable. None of
		// the in-memory unreachable effects are taken.
		if applyErr == nil {
			if ns, ok := c.nodes[nodeID]; ok && ns.removal == att {
				ns.removal = nil
				when := att.firedAt
				ns.node.State = node.StateUnreachable
				ns.node.UnreachableTime = &when
				delete(c.nodes, nodeID)
				c.unreachable = append(c.unreachable, registry.Tombstone{NodeID: nodeID, Time: when})
			}
		} else if ns, ok := c.nodes[nodeID]; ok && ns.removal == att {
			ns.removal = nil
		}
		if att.onDone != nil {
			att.onDone()
		}
		return
	}

	ns, ok := c.nodes[nodeID]
	if !ok || ns.removal != att {
		return
	}
	ns.removal = nil

	if applyErr != nil {
		c.logger.Warn("mark-unreachable apply failed; will retry",
			slog.String("node_id", nodeID.String()),
			slog.String("error", applyErr.Error()))
		c.startReregTimer(ns)
		return
	}

	c.takeUnreachableEffects(ns, att.firedAt)
}

// takeUnreachableEffects removes the node from the active membership
// set and transitions its tasks: unreachable (non-terminal) for
// partition-aware owners, lost (terminal) otherwise. Task timestamps
// carry the timer-fire time, not the disconnect time.
func (c *Coordinator) takeUnreachableEffects(ns *nodeState, when time.Time) {
	nodeID := ns.node.ID
	ns.node.State = node.StateUnreachable
	ns.node.UnreachableTime = &when
	delete(c.nodes, nodeID)

	c.unreachable = append(c.unreachable, registry.Tombstone{NodeID: nodeID, Time: when})

	for _, l := range c.leases.RemoveNode(nodeID) {
		c.notifyRescind(l)
	}

	for _, t := range c.tasks.OnNode(nodeID) {
		if t.Terminal() {
			continue
		}
		if !t.ResourcesFreed {
			// The pool is already gone; this releases the fairness
			// charge only.
			c.leases.Recover(nodeID, t.OwnerID, t.Role, t.Resources, t.Reserved)
			t.ResourcesFreed = true
		}
		to := task.StateLost
		if os := c.owners[t.OwnerID]; os != nil && os.owner.PartitionAware() {
			to = task.StateUnreachable
		}
		c.applyTransition(t, to, task.ReasonNodeRemoved, "node unreachable", when)
	}

	c.exts.EmitNodeUnreachable(context.Background(), ns.node.Clone())
	c.logger.Warn("node marked unreachable",
		slog.String("node_id", nodeID.String()),
		slog.String("hostname", ns.node.Hostname))

	c.pruneTombstones()
	c.allocatePass()
}

// ── helpers ─────────────────────────────────────────

func newNodeRecord(nodeID id.NodeID, decl NodeDeclaration, now time.Time) *node.Node {
	return &node.Node{
		ID:            nodeID,
		Hostname:      decl.Hostname,
		Version:       decl.Version,
		Domain:        decl.Domain,
		Resources:     decl.Resources,
		Reserved:      cloneReservations(decl.Reserved),
		Capabilities:  append([]node.Capability(nil), decl.Capabilities...),
		State:         node.StateRegistering,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
}

func cloneReservations(in map[string]resource.Bundle) map[string]resource.Bundle {
	if in == nil {
		return nil
	}
	out := make(map[string]resource.Bundle, len(in))
	for r, b := range in {
		out[r] = b
	}
	return out
}

func (c *Coordinator) shutdownConn(conn node.Conn, reason string) {
	if conn == nil {
		return
	}
	if err := conn.Shutdown(context.Background(), reason); err != nil {
		c.logger.Warn("shutdown delivery failed", slog.String("error", err.Error()))
	}
}

// versionAtLeast compares dotted numeric versions; an empty minimum
// admits everything.
func versionAtLeast(v, min string) bool {
	if min == "" {
		return true
	}
	vp := strings.Split(v, ".")
	mp := strings.Split(min, ".")
	for i := 0; i < len(vp) || i < len(mp); i++ {
		var a, b int
		if i < len(vp) {
			a, _ = strconv.Atoi(vp[i])
		}
		if i < len(mp) {
			b, _ = strconv.Atoi(mp[i])
		}
		if a != b {
			return a > b
		}
	}
	return true
}
