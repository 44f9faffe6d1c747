// Package fleet provides a cluster resource coordinator for Go. A single
// elected coordinator tracks worker nodes, leases their spare resources to
// competing workload owners using dominant-share fairness, and drives every
// task's lifecycle — staying correct across node disconnects, coordinator
// failover, and network partitions.
//
// Fleet is designed as a library, not a service. Import it, configure a
// registry store, and run a coordinator:
//
//	c, err := coordinator.New(
//	    coordinator.WithStore(memory.New()),
//	    coordinator.WithConfig(fleet.DefaultConfig()),
//	)
//
// # Architecture
//
// All mutable state lives behind one event-loop goroutine; owner, node, and
// operator calls are posted into the loop and handled one at a time.
// Long-latency collaborators — registry applies, removal-rate permits,
// authorization checks — run asynchronously and re-enter the loop as
// ordinary events, suspending only the request that issued them.
//
// Durable membership follows a composable store pattern: the registry
// package defines the Store interface and a single backend (memory, Redis,
// etcd, PostgreSQL, Bun, MongoDB) implements it together with the election
// store contract.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package fleet
