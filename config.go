package fleet

import "time"

// Config holds configuration for the coordinator.
type Config struct {
	// Domain is the coordinator's fault domain. Nodes declaring a domain
	// with a different region are silently refused admission. Nil means
	// the coordinator has no domain and admits only nodes without one.
	Domain *Domain

	// MinVersion is the minimum node protocol version admitted. Empty
	// accepts every version.
	MinVersion string

	// AllocationInterval is how often a full allocation pass runs in
	// addition to event-triggered passes.
	AllocationInterval time.Duration

	// LeaseTimeout is how long a lease may stay outstanding before it is
	// rescinded and its resources recovered. Zero disables expiry.
	LeaseTimeout time.Duration

	// DeclineFilterDuration is the filter applied when an owner declines
	// a lease without naming one.
	DeclineFilterDuration time.Duration

	// ReregisterTimeout is how long a disconnected or recovering node may
	// stay silent before the coordinator moves to mark it unreachable.
	ReregisterTimeout time.Duration

	// HeartbeatInterval is how often connected nodes are pinged.
	HeartbeatInterval time.Duration

	// MaxMissedHeartbeats is how many consecutive unanswered pings
	// disconnect a node.
	MaxMissedHeartbeats int

	// LeadershipTTL is the leadership claim's time-to-live; the claim is
	// renewed at half this interval.
	LeadershipTTL time.Duration

	// MaxUnreachableEntries bounds the registry's unreachable tombstone
	// list; the oldest entries are pruned first.
	MaxUnreachableEntries int

	// MaxGoneEntries bounds the registry's gone tombstone list.
	MaxGoneEntries int

	// MaxCompletedOwners bounds the in-memory archive of torn-down owners.
	MaxCompletedOwners int

	// MaxCompletedTasksPerOwner bounds each owner's archive of
	// acknowledged terminal tasks.
	MaxCompletedTasksPerOwner int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AllocationInterval:        1 * time.Second,
		LeaseTimeout:              0,
		DeclineFilterDuration:     5 * time.Second,
		ReregisterTimeout:         10 * time.Minute,
		HeartbeatInterval:         15 * time.Second,
		MaxMissedHeartbeats:       5,
		LeadershipTTL:             15 * time.Second,
		MaxUnreachableEntries:     1024,
		MaxGoneEntries:            1024,
		MaxCompletedOwners:        50,
		MaxCompletedTasksPerOwner: 1000,
	}
}
