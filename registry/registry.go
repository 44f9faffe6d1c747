// Package registry defines the durable worker-node membership log.
//
// The coordinator records every membership decision — admission,
// unreachable and gone transitions, removals — as an Operation applied
// atomically to a Store. On failover the new leader replays the stored
// state via FetchAll and reconstructs the exact membership set before
// serving.
//
// Backends live in subpackages (memory, redisstore, etcdstore, pgstore,
// bunstore, mongostore). All of them also carry the leadership lease
// used by the election loop, so a single backend connection serves both
// concerns.
package registry

import (
	"context"
	"time"

	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
)

// Tombstone marks a node that left the membership set, with the time
// the transition was decided.
type Tombstone struct {
	NodeID id.NodeID `json:"node_id"`
	Time   time.Time `json:"time"`
}

// Snapshot is the full registry contents as of one FetchAll call.
type Snapshot struct {
	// Nodes are the admitted members (states active, disconnected or
	// recovering at the time of the snapshot).
	Nodes []*node.Node `json:"nodes"`

	// Unreachable and Gone are bounded tombstone archives, oldest first.
	Unreachable []Tombstone `json:"unreachable,omitempty"`
	Gone        []Tombstone `json:"gone,omitempty"`
}

// Store is the persistence contract for the membership log.
//
// Apply is atomic: either the whole operation is durable or none of it
// is, and a failed apply leaves the stored state untouched. FetchAll
// returns a consistent snapshot taken against the same backing state
// the applies mutate.
type Store interface {
	// Apply durably records one membership mutation.
	Apply(ctx context.Context, op *Operation) error

	// FetchAll returns the full membership set. Called once per
	// leadership acquisition, before the coordinator serves.
	FetchAll(ctx context.Context) (*Snapshot, error)

	// AcquireLeadership attempts to become the coordinator leader.
	// Returns true if this coordinator now holds the lease. The
	// leadership expires after ttl if not renewed.
	AcquireLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the leader's hold. Must be called
	// before the TTL expires.
	RenewLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error)

	// GetLeader returns the current leader, or id.Nil if there is none.
	GetLeader(ctx context.Context) (id.CoordinatorID, error)

	// Close releases backend resources.
	Close() error
}
