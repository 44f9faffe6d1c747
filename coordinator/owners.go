package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/auth"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/lease"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/resource"
	"github.com/xraph/fleet/role"
	"github.com/xraph/fleet/task"
)

// SubscribeOwner registers a workload owner, or resubscribes a known
// one (same owner ID) after a disconnect or a coordinator failover. A
// malformed declaration terminates the session through conn.Error
// instead of being ignored: it marks a misconfigured client. The
// assigned owner ID is returned.
func (c *Coordinator) SubscribeOwner(ctx context.Context, ownerID id.OwnerID, decl owner.Declaration, conn owner.Conn) (id.OwnerID, error) {
	assigned := ownerID
	err := c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		if err := decl.Validate(); err != nil {
			if cerr := conn.Error(context.Background(), err.Error()); cerr != nil {
				c.logger.Warn("error delivery failed", slog.String("error", cerr.Error()))
			}
			reply(err)
			return
		}

		roles := decl.Roles
		if len(roles) == 0 {
			roles = []string{role.Default}
		}
		now := c.clock.Now().UTC()

		if !ownerID.IsNil() {
			if os, ok := c.owners[ownerID]; ok {
				c.resubscribe(os, decl, roles, conn, now)
				reply(nil)
				return
			}
			if c.ownerArchived(ownerID) {
				if cerr := conn.Error(context.Background(), "owner has been torn down"); cerr != nil {
					c.logger.Warn("error delivery failed", slog.String("error", cerr.Error()))
				}
				reply(wrapf("subscribe", fleet.ErrOwnerNotFound))
				return
			}
		}

		if ownerID.IsNil() {
			assigned = id.NewOwnerID()
		}
		o := &owner.Owner{
			ID:              assigned,
			Name:            decl.Name,
			Principal:       decl.Principal,
			Roles:           roles,
			Capabilities:    append([]owner.Capability(nil), decl.Capabilities...),
			ConnState:       owner.Connected,
			Activity:        owner.Active,
			FailoverTimeout: decl.FailoverTimeout,
			RegisteredAt:    now,
		}
		c.owners[assigned] = &ownerState{owner: o, conn: conn}
		c.leases.AddOwner(assigned, roles)
		c.exts.EmitOwnerSubscribed(context.Background(), o.Clone())
		reply(nil)
		c.allocatePass()
	})
	return assigned, err
}

// resubscribe resumes a known owner: the failover timer stops, tasks
// stay intact, and offers flow again.
func (c *Coordinator) resubscribe(os *ownerState, decl owner.Declaration, roles []string, conn owner.Conn, now time.Time) {
	c.stopFailoverTimer(os)

	o := os.owner
	o.Name = decl.Name
	o.Principal = decl.Principal
	o.Roles = roles
	o.Capabilities = append([]owner.Capability(nil), decl.Capabilities...)
	o.FailoverTimeout = decl.FailoverTimeout
	o.ConnState = owner.Connected
	o.Activity = owner.Active
	o.DisconnectedAt = nil
	if o.RegisteredAt.IsZero() {
		o.RegisteredAt = now
	}
	os.conn = conn

	c.leases.AddOwner(o.ID, roles)
	c.leases.ActivateOwner(o.ID)
	c.exts.EmitOwnerSubscribed(context.Background(), o.Clone())
	c.allocatePass()
}

// DisconnectOwner records a dropped owner connection. Outstanding
// leases are rescinded and the owner stops receiving offers; its tasks
// survive until the declared failover timeout elapses. A zero timeout
// tears the owner down immediately.
func (c *Coordinator) DisconnectOwner(ownerID id.OwnerID) {
	c.post(func() {
		os, ok := c.owners[ownerID]
		if !ok || os.owner.ConnState != owner.Connected {
			return
		}
		now := c.clock.Now().UTC()
		os.conn = nil
		os.owner.ConnState = owner.Disconnected
		os.owner.DisconnectedAt = &now
		os.owner.Activity = owner.Inactive

		for _, l := range c.leases.DeactivateOwner(ownerID) {
			c.exts.EmitLeaseRescinded(context.Background(), l.Clone())
		}

		if os.owner.FailoverTimeout <= 0 {
			c.removeOwner(os, "owner disconnected with no failover timeout")
			return
		}
		c.startFailoverTimer(os)
	})
}

func (c *Coordinator) startFailoverTimer(os *ownerState) {
	c.stopFailoverTimer(os)
	os.failoverGen++
	gen := os.failoverGen
	ownerID := os.owner.ID
	os.failoverTimer = c.clock.AfterFunc(os.owner.FailoverTimeout, func() {
		c.post(func() { c.failoverTimerFired(ownerID, gen) })
	})
}

func (c *Coordinator) stopFailoverTimer(os *ownerState) {
	if os.failoverTimer != nil {
		os.failoverTimer.Stop()
		os.failoverTimer = nil
	}
	os.failoverGen++
}

func (c *Coordinator) failoverTimerFired(ownerID id.OwnerID, gen int) {
	os, ok := c.owners[ownerID]
	if !ok || os.failoverGen != gen || os.owner.ConnState != owner.Disconnected {
		return
	}
	c.removeOwner(os, "owner failover timeout elapsed")
}

// removeOwner tears an owner down: its non-terminal tasks are killed,
// its leases rescinded, and the record moves to the bounded completed
// archive.
func (c *Coordinator) removeOwner(os *ownerState, msg string) {
	ownerID := os.owner.ID
	now := c.clock.Now().UTC()
	c.stopFailoverTimer(os)

	for _, t := range c.tasks.OfOwner(ownerID) {
		if t.Terminal() {
			continue
		}
		if ns := c.nodes[t.NodeID]; ns != nil && ns.conn != nil {
			if err := ns.conn.KillTask(context.Background(), ownerID, t.ID); err != nil {
				c.logger.Warn("kill delivery failed",
					slog.String("task_id", t.ID),
					slog.String("error", err.Error()))
			}
		}
		c.applyTransition(t, task.StateKilled, task.ReasonOwnerRemoved, msg, now)
	}
	// Terminal-but-unacknowledged leftovers go with the owner.
	c.tasks.RemoveOwner(ownerID)

	for _, l := range c.leases.RemoveOwner(ownerID) {
		c.exts.EmitLeaseRescinded(context.Background(), l.Clone())
	}

	delete(c.owners, ownerID)
	os.owner.ConnState = owner.Disconnected
	c.completedOwners = append(c.completedOwners, &ownerArchive{
		owner:     os.owner,
		completed: os.completed,
	})
	if max := c.cfg.MaxCompletedOwners; max > 0 && len(c.completedOwners) > max {
		c.completedOwners = c.completedOwners[len(c.completedOwners)-max:]
	}

	c.exts.EmitOwnerRemoved(context.Background(), os.owner.Clone())
	c.logger.Info("owner removed",
		slog.String("owner_id", ownerID.String()),
		slog.String("reason", msg))
	c.allocatePass()
}

func (c *Coordinator) ownerArchived(ownerID id.OwnerID) bool {
	for _, a := range c.completedOwners {
		if a.owner.ID == ownerID {
			return true
		}
	}
	return false
}

// TeardownOwner removes an owner explicitly. The decision is
// authorized off-loop against the acting principal.
func (c *Coordinator) TeardownOwner(ctx context.Context, ownerID id.OwnerID) error {
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		os, ok := c.owners[ownerID]
		if !ok {
			reply(wrapf("teardown", fleet.ErrOwnerNotFound))
			return
		}

		req := auth.Request{
			Principal: principalFor(ctx, os.owner.Principal),
			Action:    auth.ActionTeardown,
		}
		c.spawn(func() func() {
			allowed, authErr := c.authz.Authorize(context.Background(), req)
			return func() {
				os, ok := c.owners[ownerID]
				if !ok {
					reply(nil)
					return
				}
				if authErr != nil {
					reply(wrapf("teardown", authErr))
					return
				}
				if !allowed {
					reply(fleet.ErrPermissionDenied)
					return
				}
				c.removeOwner(os, "owner torn down")
				reply(nil)
			}
		})
	})
}

// AcceptLeases consumes leases into a claim and applies the given
// operations against it: task launches, reservation conversions, volume
// management. An invalid lease set (unknown, consumed, duplicate, or
// spanning nodes) rejects the whole call with fleet.ErrInvalidLease,
// recovers every referenced still-valid lease immediately, and answers
// each launch with a dropped status for partition-aware owners or lost
// otherwise. Whatever the operations leave unspent returns to the pool,
// filtered for the given duration.
func (c *Coordinator) AcceptLeases(ctx context.Context, ownerID id.OwnerID, leaseIDs []id.LeaseID, ops []lease.Operation, filter time.Duration) error {
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		os, ok := c.owners[ownerID]
		if !ok {
			reply(wrapf("accept", fleet.ErrOwnerNotFound))
			return
		}
		now := c.clock.Now().UTC()

		claim, affected, err := c.leases.Accept(ownerID, leaseIDs)
		if err != nil {
			for _, l := range affected {
				c.exts.EmitLeaseRescinded(context.Background(), l.Clone())
			}
			c.failLaunches(os, ops, now)
			reply(err)
			c.allocatePass()
			return
		}
		for _, l := range affected {
			c.exts.EmitLeaseAccepted(context.Background(), l.Clone())
		}

		// Authorization runs off-loop; the claim holds the resources
		// until the decisions come back.
		principal := principalFor(ctx, os.owner.Principal)
		reqs := make([]auth.Request, len(ops))
		for i, op := range ops {
			reqs[i] = auth.Request{
				Principal: principal,
				Action:    actionFor(op.Type),
				Role:      claim.Role,
			}
		}
		c.spawn(func() func() {
			allowed := make([]bool, len(reqs))
			for i, req := range reqs {
				ok, authErr := c.authz.Authorize(context.Background(), req)
				if authErr != nil {
					c.logger.Warn("authorization failed; denying",
						slog.String("action", string(req.Action)),
						slog.String("error", authErr.Error()))
					ok = false
				}
				allowed[i] = ok
			}
			return func() {
				c.finishAccept(ownerID, claim, ops, allowed, filter)
				reply(nil)
			}
		})
	})
}

func actionFor(t lease.OperationType) auth.Action {
	switch t {
	case lease.OpReserve:
		return auth.ActionReserve
	case lease.OpUnreserve:
		return auth.ActionUnreserve
	case lease.OpCreateVolume:
		return auth.ActionCreateVolume
	case lease.OpDestroyVolume:
		return auth.ActionDestroyVolume
	default:
		return auth.ActionLaunchTask
	}
}

// failLaunches answers every launch in a rejected accept call. The
// tasks never existed; the caller's capability decides the spelling.
func (c *Coordinator) failLaunches(os *ownerState, ops []lease.Operation, now time.Time) {
	to := task.StateLost
	if os.owner.PartitionAware() {
		to = task.StateDropped
	}
	for _, op := range ops {
		if op.Type != lease.OpLaunch || op.Launch == nil {
			continue
		}
		st := task.Status{
			TaskID:    op.Launch.TaskID,
			OwnerID:   os.owner.ID,
			State:     to,
			Reason:    task.ReasonInvalidLeases,
			Message:   "accept referenced invalid leases",
			Timestamp: now,
		}
		c.notifyStatus(&st)
	}
}

// finishAccept applies the accept operations once authorization is in.
func (c *Coordinator) finishAccept(ownerID id.OwnerID, claim *lease.Claim, ops []lease.Operation, allowed []bool, filter time.Duration) {
	os := c.owners[ownerID]
	if os == nil {
		// Owner removed while authorization was pending; the claim's
		// resources simply return to the pool.
		c.leases.Release(claim, 0)
		c.allocatePass()
		return
	}

	now := c.clock.Now().UTC()
	ns := c.nodes[claim.NodeID]

	for i, op := range ops {
		switch op.Type {
		case lease.OpLaunch:
			c.applyLaunch(os, ns, claim, op.Launch, allowed[i], now)
		case lease.OpReserve:
			c.applyReserve(os, ns, claim, op.Reserve, allowed[i])
		case lease.OpUnreserve:
			c.applyUnreserve(os, ns, claim, op.Reserve, allowed[i])
		case lease.OpCreateVolume:
			c.applyCreateVolume(ns, claim, op.Volume, allowed[i])
		case lease.OpDestroyVolume:
			c.applyDestroyVolume(ns, op.Volume, allowed[i])
		}
	}

	c.leases.Release(claim, filter)
	c.allocatePass()
}

func (c *Coordinator) applyLaunch(os *ownerState, ns *nodeState, claim *lease.Claim, l *lease.Launch, allowed bool, now time.Time) {
	if l == nil {
		return
	}
	fail := func(state task.State, reason task.Reason, msg string) {
		st := task.Status{
			TaskID:    l.TaskID,
			OwnerID:   os.owner.ID,
			NodeID:    claim.NodeID,
			State:     state,
			Reason:    reason,
			Message:   msg,
			Timestamp: now,
		}
		c.notifyStatus(&st)
	}

	if !allowed {
		fail(task.StateError, task.ReasonUnauthorized, "launch not authorized")
		return
	}
	if ns == nil || ns.conn == nil {
		to := task.StateLost
		if os.owner.PartitionAware() {
			to = task.StateDropped
		}
		fail(to, task.ReasonNodeRemoved, "node no longer available")
		return
	}

	reservedBefore := claim.Reserved
	if err := claim.Take(l.Resources); err != nil {
		fail(task.StateError, task.ReasonResourcesExceeded, err.Error())
		return
	}

	t := &task.Task{
		ID:        l.TaskID,
		OwnerID:   os.owner.ID,
		NodeID:    claim.NodeID,
		Role:      claim.Role,
		Resources: l.Resources,
		Reserved:  reservedBefore.Sub(claim.Reserved),
		GroupID:   l.GroupID,
		State:     task.StateStaging,
		CreatedAt: now,
	}
	c.tasks.Add(t)

	if err := ns.conn.LaunchTask(context.Background(), os.owner.ID, t.ID, t.Resources); err != nil {
		to := task.StateLost
		if os.owner.PartitionAware() {
			to = task.StateDropped
		}
		c.applyTransition(t, to, task.ReasonNodeRemoved, "launch delivery failed", now)
		return
	}
	c.exts.EmitTaskLaunched(context.Background(), t.Clone())
}

// applyReserve converts unreserved claim resources into a role
// reservation on the node. Failures are logged and skipped; the
// resources stay in the claim and return to the pool at release.
func (c *Coordinator) applyReserve(os *ownerState, ns *nodeState, claim *lease.Claim, b *resource.Bundle, allowed bool) {
	if b == nil || ns == nil {
		return
	}
	if !allowed {
		c.logger.Warn("reserve not authorized", slog.String("owner_id", os.owner.ID.String()))
		return
	}
	if err := claim.TakeUnreserved(*b); err != nil {
		c.logger.Warn("reserve skipped", slog.String("error", err.Error()))
		return
	}
	c.leases.ConvertToReserved(claim.NodeID, claim.OwnerID, claim.Role, *b)
	n := ns.node
	if n.Reserved == nil {
		n.Reserved = make(map[string]resource.Bundle)
	}
	n.Reserved[claim.Role] = n.Reserved[claim.Role].Add(*b)
	n.Resources = n.Resources.Sub(*b)
}

// applyUnreserve releases part of a role reservation back to the
// unreserved pool.
func (c *Coordinator) applyUnreserve(os *ownerState, ns *nodeState, claim *lease.Claim, b *resource.Bundle, allowed bool) {
	if b == nil || ns == nil {
		return
	}
	if !allowed {
		c.logger.Warn("unreserve not authorized", slog.String("owner_id", os.owner.ID.String()))
		return
	}
	if err := claim.TakeReserved(*b); err != nil {
		c.logger.Warn("unreserve skipped", slog.String("error", err.Error()))
		return
	}
	c.leases.ConvertToUnreserved(claim.NodeID, claim.OwnerID, claim.Role, *b)
	n := ns.node
	n.Reserved[claim.Role] = n.Reserved[claim.Role].Sub(*b)
	if n.Reserved[claim.Role].IsZero() {
		delete(n.Reserved, claim.Role)
	}
	n.Resources = n.Resources.Add(*b)
}

// applyCreateVolume carves a persistent volume out of the claim's
// reserved disk. The backing disk stays part of the role reservation;
// the volume is a record on the node.
func (c *Coordinator) applyCreateVolume(ns *nodeState, claim *lease.Claim, vol *resource.Volume, allowed bool) {
	if vol == nil || ns == nil {
		return
	}
	if !allowed {
		c.logger.Warn("create volume not authorized", slog.String("volume_id", vol.ID.String()))
		return
	}
	if vol.Role != claim.Role {
		c.logger.Warn("create volume skipped: role mismatch",
			slog.String("volume_role", vol.Role),
			slog.String("claim_role", claim.Role))
		return
	}
	if claim.Reserved.DiskMB < vol.SizeMB {
		c.logger.Warn("create volume skipped: exceeds reserved disk",
			slog.Int64("size_mb", vol.SizeMB),
			slog.Int64("reserved_disk_mb", claim.Reserved.DiskMB))
		return
	}
	for _, have := range ns.node.Volumes {
		if have.ID == vol.ID {
			return
		}
	}
	ns.node.Volumes = append(ns.node.Volumes, *vol)
}

// applyDestroyVolume removes a persistent volume record.
func (c *Coordinator) applyDestroyVolume(ns *nodeState, vol *resource.Volume, allowed bool) {
	if vol == nil || ns == nil {
		return
	}
	if !allowed {
		c.logger.Warn("destroy volume not authorized", slog.String("volume_id", vol.ID.String()))
		return
	}
	for i, have := range ns.node.Volumes {
		if have.ID == vol.ID {
			ns.node.Volumes = append(ns.node.Volumes[:i], ns.node.Volumes[i+1:]...)
			return
		}
	}
}

// DeclineLease returns a lease to the pool. A non-zero filter
// suppresses re-offering the (node, owner, role) triple until it
// elapses; zero means immediately re-offerable.
func (c *Coordinator) DeclineLease(ctx context.Context, ownerID id.OwnerID, leaseID id.LeaseID, filter time.Duration) error {
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		l, err := c.leases.Decline(ownerID, leaseID, filter)
		if err != nil {
			reply(err)
			return
		}
		c.exts.EmitLeaseDeclined(context.Background(), l.Clone())
		reply(nil)
		c.allocatePass()
	})
}

// KillTask asks the task's node to kill it. Terminal tasks are a no-op;
// the kill confirmation arrives as an ordinary status update.
func (c *Coordinator) KillTask(ctx context.Context, ownerID id.OwnerID, taskID string) error {
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		t, ok := c.tasks.Get(ownerID, taskID)
		if !ok {
			reply(wrapf("kill task", fleet.ErrTaskNotFound))
			return
		}
		if t.Terminal() {
			reply(nil)
			return
		}
		ns := c.nodes[t.NodeID]
		if ns == nil || ns.conn == nil {
			c.logger.Info("kill requested for task on unavailable node",
				slog.String("task_id", taskID),
				slog.String("node_id", t.NodeID.String()))
			reply(nil)
			return
		}
		if err := ns.conn.KillTask(context.Background(), ownerID, taskID); err != nil {
			reply(wrapf("kill task", err))
			return
		}
		from := t.State
		if t.Transition(task.StateKilling, "", c.clock.Now().UTC()) {
			c.exts.EmitTaskTransitioned(context.Background(), t.Clone(), from)
		}
		reply(nil)
	})
}

// AcknowledgeUpdate records the owner's acknowledgement of a status
// update and forwards it to the node so it stops retrying. Acking a
// terminal update archives the task. Duplicate acks are idempotent.
func (c *Coordinator) AcknowledgeUpdate(ctx context.Context, ownerID id.OwnerID, taskID string, updateID id.UpdateID) error {
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		t, ok := c.tasks.Get(ownerID, taskID)
		if !ok {
			// Already archived; the ack is a retry.
			reply(nil)
			return
		}
		if !t.Acknowledge(updateID) {
			c.logger.Info("acknowledgement for unknown update",
				slog.String("task_id", taskID),
				slog.String("update_id", updateID.String()))
			reply(nil)
			return
		}
		if ns := c.nodes[t.NodeID]; ns != nil && ns.conn != nil {
			if err := ns.conn.AcknowledgeUpdate(context.Background(), ownerID, taskID, updateID); err != nil {
				c.logger.Warn("ack delivery failed", slog.String("error", err.Error()))
			}
		}
		if t.TerminalAcked() {
			c.archiveTask(t)
		}
		reply(nil)
	})
}

// ReconcileQuery names one task an explicit reconciliation asks about.
// The node ID is a hint used when the task itself is unknown.
type ReconcileQuery struct {
	TaskID string
	NodeID id.NodeID
}

// Reconcile answers the owner's view-resynchronization request with
// coordinator-generated statuses (no update IDs, nothing to
// acknowledge). An empty query set answers for every tracked task.
func (c *Coordinator) Reconcile(ctx context.Context, ownerID id.OwnerID, queries []ReconcileQuery) error {
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		os, ok := c.owners[ownerID]
		if !ok {
			reply(wrapf("reconcile", fleet.ErrOwnerNotFound))
			return
		}
		now := c.clock.Now().UTC()

		if len(queries) == 0 {
			for _, t := range c.tasks.OfOwner(ownerID) {
				c.notifyStatus(reconcileStatus(t, now))
			}
			reply(nil)
			return
		}

		for _, q := range queries {
			if t, ok := c.tasks.Get(ownerID, q.TaskID); ok {
				c.notifyStatus(reconcileStatus(t, now))
				continue
			}
			st := task.Status{
				TaskID:    q.TaskID,
				OwnerID:   ownerID,
				NodeID:    q.NodeID,
				Reason:    task.ReasonReconciliation,
				Timestamp: now,
			}
			switch {
			case c.inGone(q.NodeID):
				st.State = task.StateGoneByOperator
			case c.inUnreachable(q.NodeID):
				if os.owner.PartitionAware() {
					st.State = task.StateUnreachable
					if ts, ok := c.unreachableTime(q.NodeID); ok {
						st.Timestamp = ts
					}
				} else {
					st.State = task.StateLost
				}
			default:
				st.State = task.StateUnknown
				st.Reason = task.ReasonTaskUnknown
			}
			c.notifyStatus(&st)
		}
		reply(nil)
	})
}

func reconcileStatus(t *task.Task, now time.Time) *task.Status {
	st := &task.Status{
		TaskID:    t.ID,
		OwnerID:   t.OwnerID,
		NodeID:    t.NodeID,
		State:     t.State,
		Reason:    task.ReasonReconciliation,
		Timestamp: now,
	}
	if t.State == task.StateUnreachable && t.UnreachableTime != nil {
		st.Timestamp = *t.UnreachableTime
	}
	return st
}

func (c *Coordinator) unreachableTime(nodeID id.NodeID) (time.Time, bool) {
	for i := range c.unreachable {
		if c.unreachable[i].NodeID == nodeID {
			return c.unreachable[i].Time, true
		}
	}
	return time.Time{}, false
}

// SuppressOffers withholds offers for the given roles (all subscribed
// roles when none are named) until ReviveOffers.
func (c *Coordinator) SuppressOffers(ctx context.Context, ownerID id.OwnerID, roles ...string) error {
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		if _, ok := c.owners[ownerID]; !ok {
			reply(wrapf("suppress", fleet.ErrOwnerNotFound))
			return
		}
		c.leases.Suppress(ownerID, roles...)
		reply(nil)
	})
}

// ReviveOffers resumes offers for the given roles (all when none are
// named) and clears their decline filters.
func (c *Coordinator) ReviveOffers(ctx context.Context, ownerID id.OwnerID, roles ...string) error {
	return c.call(ctx, func(reply func(error)) {
		if !c.open {
			reply(fleet.ErrNotLeader)
			return
		}
		if _, ok := c.owners[ownerID]; !ok {
			reply(wrapf("revive", fleet.ErrOwnerNotFound))
			return
		}
		c.leases.Revive(ownerID, roles...)
		reply(nil)
		c.allocatePass()
	})
}
