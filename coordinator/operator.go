package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/auth"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/registry"
	"github.com/xraph/fleet/resource"
	"github.com/xraph/fleet/task"
)

// MarkNodeGone declares a node permanently lost. The decision is
// authorized, rate-limited like every removal, and committed to the
// registry before any in-memory effect: the node's tasks move to
// gone-by-operator (lost for owners without the partition capability)
// and the node joins the gone tombstones.
func (c *Coordinator) MarkNodeGone(ctx context.Context, nodeID id.NodeID) error {
	principal := fleet.PrincipalFrom(ctx)
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		if c.inGone(nodeID) {
			reply(wrapf("mark gone", fleet.ErrNodeGone))
			return
		}
		if _, tracked := c.nodes[nodeID]; !tracked && !c.inUnreachable(nodeID) {
			reply(wrapf("mark gone", fleet.ErrNodeNotFound))
			return
		}

		req := auth.Request{Principal: principal, Action: auth.ActionMarkGone}
		c.spawn(func() func() {
			allowed, authErr := c.authz.Authorize(context.Background(), req)
			return func() {
				if authErr != nil {
					reply(wrapf("mark gone", authErr))
					return
				}
				if !allowed {
					reply(fleet.ErrPermissionDenied)
					return
				}
				c.markGoneAcquirePermit(nodeID, reply)
			}
		})
	})
}

// markGoneAcquirePermit waits for a removal permit off-loop, then
// applies the durable operation.
func (c *Coordinator) markGoneAcquirePermit(nodeID id.NodeID, reply func(error)) {
	permit := c.limiter.Acquire()
	go func() {
		select {
		case <-permit.Done():
			c.post(func() { c.markGoneApply(nodeID, reply) })
		case <-c.stopCh:
			permit.Cancel()
		}
	}()
}

func (c *Coordinator) markGoneApply(nodeID id.NodeID, reply func(error)) {
	if c.inGone(nodeID) {
		reply(wrapf("mark gone", fleet.ErrNodeGone))
		return
	}
	when := c.clock.Now().UTC()
	op := registry.MarkGone(nodeID, when)
	c.spawn(func() func() {
		applyErr := c.store.Apply(context.Background(), op)
		return func() {
			if applyErr != nil {
				reply(wrapf("mark gone", applyErr))
				return
			}
			c.takeGoneEffects(nodeID, when)
			reply(nil)
		}
	})
}

func (c *Coordinator) takeGoneEffects(nodeID id.NodeID, when time.Time) {
	rec := &node.Node{ID: nodeID, State: node.StateGone}
	if ns, ok := c.nodes[nodeID]; ok {
		if att := ns.removal; att != nil && !att.cancelled {
			att.cancelled = true
			close(att.cancel)
			att.permit.Cancel()
		}
		c.stopReregTimer(ns)
		c.shutdownConn(ns.conn, "node has been marked gone")
		for _, l := range c.leases.RemoveNode(nodeID) {
			c.notifyRescind(l)
		}
		ns.node.State = node.StateGone
		rec = ns.node
		delete(c.nodes, nodeID)
	}
	c.removeUnreachable(nodeID)
	c.gone = append(c.gone, registry.Tombstone{NodeID: nodeID, Time: when})

	for _, t := range c.tasks.OnNode(nodeID) {
		if t.Terminal() {
			continue
		}
		if !t.ResourcesFreed {
			c.leases.Recover(nodeID, t.OwnerID, t.Role, t.Resources, t.Reserved)
			t.ResourcesFreed = true
		}
		to := task.StateLost
		if os := c.owners[t.OwnerID]; os != nil && os.owner.PartitionAware() {
			to = task.StateGoneByOperator
		}
		c.applyTransition(t, to, task.ReasonGoneByOperator, "node marked gone by operator", when)
	}

	c.exts.EmitNodeGone(context.Background(), rec.Clone())
	c.logger.Warn("node marked gone", slog.String("node_id", nodeID.String()))
	c.pruneTombstones()
	c.allocatePass()
}

// ReserveResources moves part of a node's free unreserved pool into a
// role reservation, outside any lease.
func (c *Coordinator) ReserveResources(ctx context.Context, nodeID id.NodeID, r string, b resource.Bundle) error {
	principal := fleet.PrincipalFrom(ctx)
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		ns, ok := c.nodes[nodeID]
		if !ok {
			reply(wrapf("reserve", fleet.ErrNodeNotFound))
			return
		}
		req := auth.Request{Principal: principal, Action: auth.ActionReserve, Role: r}
		c.spawn(func() func() {
			allowed, authErr := c.authz.Authorize(context.Background(), req)
			return func() {
				if authErr != nil {
					reply(wrapf("reserve", authErr))
					return
				}
				if !allowed {
					reply(fleet.ErrPermissionDenied)
					return
				}
				if _, still := c.nodes[nodeID]; !still {
					reply(wrapf("reserve", fleet.ErrNodeNotFound))
					return
				}
				if err := c.leases.ReserveAvailable(nodeID, r, b); err != nil {
					reply(err)
					return
				}
				n := ns.node
				if n.Reserved == nil {
					n.Reserved = make(map[string]resource.Bundle)
				}
				n.Reserved[r] = n.Reserved[r].Add(b)
				n.Resources = n.Resources.Sub(b)
				reply(nil)
			}
		})
	})
}

// UnreserveResources releases part of a role reservation back to the
// node's unreserved pool.
func (c *Coordinator) UnreserveResources(ctx context.Context, nodeID id.NodeID, r string, b resource.Bundle) error {
	principal := fleet.PrincipalFrom(ctx)
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		ns, ok := c.nodes[nodeID]
		if !ok {
			reply(wrapf("unreserve", fleet.ErrNodeNotFound))
			return
		}
		req := auth.Request{Principal: principal, Action: auth.ActionUnreserve, Role: r}
		c.spawn(func() func() {
			allowed, authErr := c.authz.Authorize(context.Background(), req)
			return func() {
				if authErr != nil {
					reply(wrapf("unreserve", authErr))
					return
				}
				if !allowed {
					reply(fleet.ErrPermissionDenied)
					return
				}
				if _, still := c.nodes[nodeID]; !still {
					reply(wrapf("unreserve", fleet.ErrNodeNotFound))
					return
				}
				if err := c.leases.UnreserveAvailable(nodeID, r, b); err != nil {
					reply(err)
					return
				}
				n := ns.node
				n.Reserved[r] = n.Reserved[r].Sub(b)
				if n.Reserved[r].IsZero() {
					delete(n.Reserved, r)
				}
				n.Resources = n.Resources.Add(b)
				reply(nil)
			}
		})
	})
}

// CreateVolume records a persistent volume carved out of a node's role
// reservation, outside any lease.
func (c *Coordinator) CreateVolume(ctx context.Context, nodeID id.NodeID, vol resource.Volume) error {
	principal := fleet.PrincipalFrom(ctx)
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		ns, ok := c.nodes[nodeID]
		if !ok {
			reply(wrapf("create volume", fleet.ErrNodeNotFound))
			return
		}
		req := auth.Request{Principal: principal, Action: auth.ActionCreateVolume, Role: vol.Role}
		c.spawn(func() func() {
			allowed, authErr := c.authz.Authorize(context.Background(), req)
			return func() {
				if authErr != nil {
					reply(wrapf("create volume", authErr))
					return
				}
				if !allowed {
					reply(fleet.ErrPermissionDenied)
					return
				}
				if _, still := c.nodes[nodeID]; !still {
					reply(wrapf("create volume", fleet.ErrNodeNotFound))
					return
				}
				if ns.node.Reserved[vol.Role].DiskMB < vol.SizeMB {
					reply(wrapf("create volume", fleet.ErrInvalidOperation))
					return
				}
				for _, have := range ns.node.Volumes {
					if have.ID == vol.ID {
						reply(nil)
						return
					}
				}
				ns.node.Volumes = append(ns.node.Volumes, vol)
				reply(nil)
			}
		})
	})
}

// DestroyVolume removes a persistent volume record. The backing disk
// stays reserved to the volume's role.
func (c *Coordinator) DestroyVolume(ctx context.Context, nodeID id.NodeID, volumeID id.VolumeID) error {
	principal := fleet.PrincipalFrom(ctx)
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		ns, ok := c.nodes[nodeID]
		if !ok {
			reply(wrapf("destroy volume", fleet.ErrNodeNotFound))
			return
		}
		var vol *resource.Volume
		for i := range ns.node.Volumes {
			if ns.node.Volumes[i].ID == volumeID {
				vol = &ns.node.Volumes[i]
				break
			}
		}
		if vol == nil {
			reply(wrapf("destroy volume", fleet.ErrInvalidOperation))
			return
		}
		req := auth.Request{Principal: principal, Action: auth.ActionDestroyVolume, Role: vol.Role}
		c.spawn(func() func() {
			allowed, authErr := c.authz.Authorize(context.Background(), req)
			return func() {
				if authErr != nil {
					reply(wrapf("destroy volume", authErr))
					return
				}
				if !allowed {
					reply(fleet.ErrPermissionDenied)
					return
				}
				if _, still := c.nodes[nodeID]; !still {
					reply(wrapf("destroy volume", fleet.ErrNodeNotFound))
					return
				}
				for i, have := range ns.node.Volumes {
					if have.ID == volumeID {
						ns.node.Volumes = append(ns.node.Volumes[:i], ns.node.Volumes[i+1:]...)
						break
					}
				}
				reply(nil)
			}
		})
	})
}

// ClusterSnapshot is a consistent read-only view of the coordinator's
// state for operators.
type ClusterSnapshot struct {
	CoordinatorID id.CoordinatorID
	Leading       bool

	Nodes  []*node.Node
	Owners []*owner.Owner
	Tasks  []*task.Task

	OutstandingLeases int
	Unreachable       []registry.Tombstone
	Gone              []registry.Tombstone
}

// Snapshot returns a deep copy of the cluster state, taken atomically
// on the event loop.
func (c *Coordinator) Snapshot(ctx context.Context) (*ClusterSnapshot, error) {
	var snap *ClusterSnapshot
	err := c.call(ctx, func(reply func(error)) {
		snap = &ClusterSnapshot{
			CoordinatorID:     c.coordID,
			Leading:           c.open,
			OutstandingLeases: c.leases.Outstanding(),
			Unreachable:       append([]registry.Tombstone(nil), c.unreachable...),
			Gone:              append([]registry.Tombstone(nil), c.gone...),
		}
		for _, ns := range c.nodes {
			snap.Nodes = append(snap.Nodes, ns.node.Clone())
		}
		sort.Slice(snap.Nodes, func(i, j int) bool {
			return snap.Nodes[i].ID.String() < snap.Nodes[j].ID.String()
		})
		for _, os := range c.owners {
			snap.Owners = append(snap.Owners, os.owner.Clone())
		}
		sort.Slice(snap.Owners, func(i, j int) bool {
			return snap.Owners[i].ID.String() < snap.Owners[j].ID.String()
		})
		for _, os := range c.owners {
			for _, t := range c.tasks.OfOwner(os.owner.ID) {
				snap.Tasks = append(snap.Tasks, t.Clone())
			}
		}
		reply(nil)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Node returns a copy of one tracked node's record.
func (c *Coordinator) Node(ctx context.Context, nodeID id.NodeID) (*node.Node, error) {
	var out *node.Node
	err := c.call(ctx, func(reply func(error)) {
		ns, ok := c.nodes[nodeID]
		if !ok {
			reply(wrapf("node", fleet.ErrNodeNotFound))
			return
		}
		out = ns.node.Clone()
		reply(nil)
	})
	return out, err
}

// Task returns a copy of one tracked task.
func (c *Coordinator) Task(ctx context.Context, ownerID id.OwnerID, taskID string) (*task.Task, error) {
	var out *task.Task
	err := c.call(ctx, func(reply func(error)) {
		t, ok := c.tasks.Get(ownerID, taskID)
		if !ok {
			reply(wrapf("task", fleet.ErrTaskNotFound))
			return
		}
		out = t.Clone()
		reply(nil)
	})
	return out, err
}
