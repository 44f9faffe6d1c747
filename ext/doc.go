// Package ext defines the extension system for Fleet.
//
// Extensions are notified of cluster lifecycle events and can react to
// them — recording metrics, writing audit logs, streaming events to
// operators. Each lifecycle hook is a separate interface so extensions
// opt in only to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnTaskTransitioned(ctx context.Context, t *task.Task, from task.State) error {
//	    log.Printf("task %s: %s -> %s", t.ID, from, t.State)
//	    return nil
//	}
//
// # Node Lifecycle Hooks
//
//   - [NodeRegistered] — a node's first registration committed
//   - [NodeReregistered] — a known node reconnected
//   - [NodeDisconnected] — a node's connection dropped
//   - [NodeUnreachable] — the durable mark-unreachable committed
//   - [NodeGone] — an operator declared the node permanently lost
//
// # Owner Lifecycle Hooks
//
//   - [OwnerSubscribed] — a workload owner registered or reregistered
//   - [OwnerRemoved] — an owner was torn down
//
// # Lease Lifecycle Hooks
//
//   - [LeaseGranted] — an allocation pass produced a lease
//   - [LeaseAccepted] — an accept call consumed a lease
//   - [LeaseDeclined] — an owner declined a lease
//   - [LeaseRescinded] — the coordinator withdrew a lease
//
// # Task Lifecycle Hooks
//
//   - [TaskLaunched] — a launch operation created a task
//   - [TaskTransitioned] — a task changed state
//
// # Other Hooks
//
//   - [LeadershipAcquired] — this instance became leader
//   - [LeadershipLost] — this instance lost leadership
//   - [Shutdown] — the coordinator is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
