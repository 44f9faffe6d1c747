// Package ext defines the extension system for Fleet.
// Extensions are notified of cluster lifecycle events (node registered,
// lease granted, task transitioned, etc.) and can react to them —
// logging, metrics, audit trails, event streaming.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"

	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/lease"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Node lifecycle hooks
// ──────────────────────────────────────────────────

// NodeRegistered is called after a node's first registration commits.
type NodeRegistered interface {
	OnNodeRegistered(ctx context.Context, n *node.Node) error
}

// NodeReregistered is called when a known node reconnects, including
// reregistrations after a coordinator failover.
type NodeReregistered interface {
	OnNodeReregistered(ctx context.Context, n *node.Node) error
}

// NodeDisconnected is called when a node's connection drops.
type NodeDisconnected interface {
	OnNodeDisconnected(ctx context.Context, n *node.Node) error
}

// NodeUnreachable is called after the durable mark-unreachable commits
// and the node leaves the active membership set.
type NodeUnreachable interface {
	OnNodeUnreachable(ctx context.Context, n *node.Node) error
}

// NodeGone is called after an operator declares a node permanently lost.
type NodeGone interface {
	OnNodeGone(ctx context.Context, n *node.Node) error
}

// ──────────────────────────────────────────────────
// Owner lifecycle hooks
// ──────────────────────────────────────────────────

// OwnerSubscribed is called when a workload owner registers or
// reregisters.
type OwnerSubscribed interface {
	OnOwnerSubscribed(ctx context.Context, o *owner.Owner) error
}

// OwnerRemoved is called when an owner is torn down, explicitly or by
// failover-timeout expiry.
type OwnerRemoved interface {
	OnOwnerRemoved(ctx context.Context, o *owner.Owner) error
}

// ──────────────────────────────────────────────────
// Lease lifecycle hooks
// ──────────────────────────────────────────────────

// LeaseGranted is called for every lease produced by an allocation pass.
type LeaseGranted interface {
	OnLeaseGranted(ctx context.Context, l *lease.Lease) error
}

// LeaseAccepted is called for every lease consumed by a successful
// accept call.
type LeaseAccepted interface {
	OnLeaseAccepted(ctx context.Context, l *lease.Lease) error
}

// LeaseDeclined is called when an owner declines a lease.
type LeaseDeclined interface {
	OnLeaseDeclined(ctx context.Context, l *lease.Lease) error
}

// LeaseRescinded is called when the coordinator withdraws a lease
// unilaterally (expiry, node loss, owner deactivation).
type LeaseRescinded interface {
	OnLeaseRescinded(ctx context.Context, l *lease.Lease) error
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskLaunched is called after a launch operation creates a task.
type TaskLaunched interface {
	OnTaskLaunched(ctx context.Context, t *task.Task) error
}

// TaskTransitioned is called on every task state change, with the state
// the task left.
type TaskTransitioned interface {
	OnTaskTransitioned(ctx context.Context, t *task.Task, from task.State) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// LeadershipAcquired is called once this coordinator instance becomes
// leader, after failover recovery completes and before the API opens.
type LeadershipAcquired interface {
	OnLeadershipAcquired(ctx context.Context, coordID id.CoordinatorID) error
}

// LeadershipLost is called when this instance loses leadership and is
// about to stop serving.
type LeadershipLost interface {
	OnLeadershipLost(ctx context.Context, coordID id.CoordinatorID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
