// Package coordinator implements the cluster coordinator: the single
// writer that owns all node, owner, lease, and task state and serializes
// every mutation through one event loop.
//
// Public methods post closures to the loop and wait for a reply.
// Long-latency collaborators — registry applies, rate-limit permits,
// authorization decisions — run on their own goroutines and re-inject
// their completions as ordinary loop events, so only the triggering
// request is suspended while the loop keeps processing everything else.
//
// Connection callbacks (owner.Conn, node.Conn) are invoked from the loop
// goroutine. Implementations must not call back into the Coordinator
// synchronously from inside a delivery; doing so deadlocks the loop.
package coordinator
