package ext

import (
	"context"
	"log/slog"

	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/lease"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/task"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type nodeRegisteredEntry struct {
	name string
	hook NodeRegistered
}

type nodeReregisteredEntry struct {
	name string
	hook NodeReregistered
}

type nodeDisconnectedEntry struct {
	name string
	hook NodeDisconnected
}

type nodeUnreachableEntry struct {
	name string
	hook NodeUnreachable
}

type nodeGoneEntry struct {
	name string
	hook NodeGone
}

type ownerSubscribedEntry struct {
	name string
	hook OwnerSubscribed
}

type ownerRemovedEntry struct {
	name string
	hook OwnerRemoved
}

type leaseGrantedEntry struct {
	name string
	hook LeaseGranted
}

type leaseAcceptedEntry struct {
	name string
	hook LeaseAccepted
}

type leaseDeclinedEntry struct {
	name string
	hook LeaseDeclined
}

type leaseRescindedEntry struct {
	name string
	hook LeaseRescinded
}

type taskLaunchedEntry struct {
	name string
	hook TaskLaunched
}

type taskTransitionedEntry struct {
	name string
	hook TaskTransitioned
}

type leadershipAcquiredEntry struct {
	name string
	hook LeadershipAcquired
}

type leadershipLostEntry struct {
	name string
	hook LeadershipLost
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	nodeRegistered     []nodeRegisteredEntry
	nodeReregistered   []nodeReregisteredEntry
	nodeDisconnected   []nodeDisconnectedEntry
	nodeUnreachable    []nodeUnreachableEntry
	nodeGone           []nodeGoneEntry
	ownerSubscribed    []ownerSubscribedEntry
	ownerRemoved       []ownerRemovedEntry
	leaseGranted       []leaseGrantedEntry
	leaseAccepted      []leaseAcceptedEntry
	leaseDeclined      []leaseDeclinedEntry
	leaseRescinded     []leaseRescindedEntry
	taskLaunched       []taskLaunchedEntry
	taskTransitioned   []taskTransitionedEntry
	leadershipAcquired []leadershipAcquiredEntry
	leadershipLost     []leadershipLostEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(NodeRegistered); ok {
		r.nodeRegistered = append(r.nodeRegistered, nodeRegisteredEntry{name, h})
	}
	if h, ok := e.(NodeReregistered); ok {
		r.nodeReregistered = append(r.nodeReregistered, nodeReregisteredEntry{name, h})
	}
	if h, ok := e.(NodeDisconnected); ok {
		r.nodeDisconnected = append(r.nodeDisconnected, nodeDisconnectedEntry{name, h})
	}
	if h, ok := e.(NodeUnreachable); ok {
		r.nodeUnreachable = append(r.nodeUnreachable, nodeUnreachableEntry{name, h})
	}
	if h, ok := e.(NodeGone); ok {
		r.nodeGone = append(r.nodeGone, nodeGoneEntry{name, h})
	}
	if h, ok := e.(OwnerSubscribed); ok {
		r.ownerSubscribed = append(r.ownerSubscribed, ownerSubscribedEntry{name, h})
	}
	if h, ok := e.(OwnerRemoved); ok {
		r.ownerRemoved = append(r.ownerRemoved, ownerRemovedEntry{name, h})
	}
	if h, ok := e.(LeaseGranted); ok {
		r.leaseGranted = append(r.leaseGranted, leaseGrantedEntry{name, h})
	}
	if h, ok := e.(LeaseAccepted); ok {
		r.leaseAccepted = append(r.leaseAccepted, leaseAcceptedEntry{name, h})
	}
	if h, ok := e.(LeaseDeclined); ok {
		r.leaseDeclined = append(r.leaseDeclined, leaseDeclinedEntry{name, h})
	}
	if h, ok := e.(LeaseRescinded); ok {
		r.leaseRescinded = append(r.leaseRescinded, leaseRescindedEntry{name, h})
	}
	if h, ok := e.(TaskLaunched); ok {
		r.taskLaunched = append(r.taskLaunched, taskLaunchedEntry{name, h})
	}
	if h, ok := e.(TaskTransitioned); ok {
		r.taskTransitioned = append(r.taskTransitioned, taskTransitionedEntry{name, h})
	}
	if h, ok := e.(LeadershipAcquired); ok {
		r.leadershipAcquired = append(r.leadershipAcquired, leadershipAcquiredEntry{name, h})
	}
	if h, ok := e.(LeadershipLost); ok {
		r.leadershipLost = append(r.leadershipLost, leadershipLostEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Node event emitters
// ──────────────────────────────────────────────────

// EmitNodeRegistered notifies all extensions that implement NodeRegistered.
func (r *Registry) EmitNodeRegistered(ctx context.Context, n *node.Node) {
	for _, e := range r.nodeRegistered {
		if err := e.hook.OnNodeRegistered(ctx, n); err != nil {
			r.logHookError("OnNodeRegistered", e.name, err)
		}
	}
}

// EmitNodeReregistered notifies all extensions that implement NodeReregistered.
func (r *Registry) EmitNodeReregistered(ctx context.Context, n *node.Node) {
	for _, e := range r.nodeReregistered {
		if err := e.hook.OnNodeReregistered(ctx, n); err != nil {
			r.logHookError("OnNodeReregistered", e.name, err)
		}
	}
}

// EmitNodeDisconnected notifies all extensions that implement NodeDisconnected.
func (r *Registry) EmitNodeDisconnected(ctx context.Context, n *node.Node) {
	for _, e := range r.nodeDisconnected {
		if err := e.hook.OnNodeDisconnected(ctx, n); err != nil {
			r.logHookError("OnNodeDisconnected", e.name, err)
		}
	}
}

// EmitNodeUnreachable notifies all extensions that implement NodeUnreachable.
func (r *Registry) EmitNodeUnreachable(ctx context.Context, n *node.Node) {
	for _, e := range r.nodeUnreachable {
		if err := e.hook.OnNodeUnreachable(ctx, n); err != nil {
			r.logHookError("OnNodeUnreachable", e.name, err)
		}
	}
}

// EmitNodeGone notifies all extensions that implement NodeGone.
func (r *Registry) EmitNodeGone(ctx context.Context, n *node.Node) {
	for _, e := range r.nodeGone {
		if err := e.hook.OnNodeGone(ctx, n); err != nil {
			r.logHookError("OnNodeGone", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Owner event emitters
// ──────────────────────────────────────────────────

// EmitOwnerSubscribed notifies all extensions that implement OwnerSubscribed.
func (r *Registry) EmitOwnerSubscribed(ctx context.Context, o *owner.Owner) {
	for _, e := range r.ownerSubscribed {
		if err := e.hook.OnOwnerSubscribed(ctx, o); err != nil {
			r.logHookError("OnOwnerSubscribed", e.name, err)
		}
	}
}

// EmitOwnerRemoved notifies all extensions that implement OwnerRemoved.
func (r *Registry) EmitOwnerRemoved(ctx context.Context, o *owner.Owner) {
	for _, e := range r.ownerRemoved {
		if err := e.hook.OnOwnerRemoved(ctx, o); err != nil {
			r.logHookError("OnOwnerRemoved", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Lease event emitters
// ──────────────────────────────────────────────────

// EmitLeaseGranted notifies all extensions that implement LeaseGranted.
func (r *Registry) EmitLeaseGranted(ctx context.Context, l *lease.Lease) {
	for _, e := range r.leaseGranted {
		if err := e.hook.OnLeaseGranted(ctx, l); err != nil {
			r.logHookError("OnLeaseGranted", e.name, err)
		}
	}
}

// EmitLeaseAccepted notifies all extensions that implement LeaseAccepted.
func (r *Registry) EmitLeaseAccepted(ctx context.Context, l *lease.Lease) {
	for _, e := range r.leaseAccepted {
		if err := e.hook.OnLeaseAccepted(ctx, l); err != nil {
			r.logHookError("OnLeaseAccepted", e.name, err)
		}
	}
}

// EmitLeaseDeclined notifies all extensions that implement LeaseDeclined.
func (r *Registry) EmitLeaseDeclined(ctx context.Context, l *lease.Lease) {
	for _, e := range r.leaseDeclined {
		if err := e.hook.OnLeaseDeclined(ctx, l); err != nil {
			r.logHookError("OnLeaseDeclined", e.name, err)
		}
	}
}

// EmitLeaseRescinded notifies all extensions that implement LeaseRescinded.
func (r *Registry) EmitLeaseRescinded(ctx context.Context, l *lease.Lease) {
	for _, e := range r.leaseRescinded {
		if err := e.hook.OnLeaseRescinded(ctx, l); err != nil {
			r.logHookError("OnLeaseRescinded", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskLaunched notifies all extensions that implement TaskLaunched.
func (r *Registry) EmitTaskLaunched(ctx context.Context, t *task.Task) {
	for _, e := range r.taskLaunched {
		if err := e.hook.OnTaskLaunched(ctx, t); err != nil {
			r.logHookError("OnTaskLaunched", e.name, err)
		}
	}
}

// EmitTaskTransitioned notifies all extensions that implement TaskTransitioned.
func (r *Registry) EmitTaskTransitioned(ctx context.Context, t *task.Task, from task.State) {
	for _, e := range r.taskTransitioned {
		if err := e.hook.OnTaskTransitioned(ctx, t, from); err != nil {
			r.logHookError("OnTaskTransitioned", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitLeadershipAcquired notifies all extensions that implement LeadershipAcquired.
func (r *Registry) EmitLeadershipAcquired(ctx context.Context, coordID id.CoordinatorID) {
	for _, e := range r.leadershipAcquired {
		if err := e.hook.OnLeadershipAcquired(ctx, coordID); err != nil {
			r.logHookError("OnLeadershipAcquired", e.name, err)
		}
	}
}

// EmitLeadershipLost notifies all extensions that implement LeadershipLost.
func (r *Registry) EmitLeadershipLost(ctx context.Context, coordID id.CoordinatorID) {
	for _, e := range r.leadershipLost {
		if err := e.hook.OnLeadershipLost(ctx, coordID); err != nil {
			r.logHookError("OnLeadershipLost", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the loop.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
