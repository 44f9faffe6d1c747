// Package owner models workload owners: the clients that receive resource
// leases and launch tasks. The coordinator owns every mutation; this package
// holds the data types, the registration declaration, and the connection
// contract used to reach an owner.
package owner

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/lease"
	"github.com/xraph/fleet/role"
	"github.com/xraph/fleet/task"
)

// Capability is an optional feature an owner declares at registration.
type Capability string

const (
	// CapabilityPartitionAware means the owner understands the
	// unreachable/dropped/gone task states and wants them instead of the
	// legacy catch-all lost.
	CapabilityPartitionAware Capability = "PARTITION_AWARE"
	// CapabilityMultiRole means the owner may subscribe with more than
	// one role.
	CapabilityMultiRole Capability = "MULTI_ROLE"
	// CapabilityRegionAware means the owner tolerates leases from remote
	// regions. Admission is region-strict, so this currently gates
	// nothing; it is recorded for API compatibility.
	CapabilityRegionAware Capability = "REGION_AWARE"
)

// ConnState tracks whether the owner currently holds a live connection.
type ConnState string

const (
	Connected    ConnState = "connected"
	Disconnected ConnState = "disconnected"
)

// ActivityState tracks whether the owner participates in allocation.
type ActivityState string

const (
	// Active owners receive leases.
	Active ActivityState = "active"
	// Inactive owners are connected or disconnected but withheld from
	// allocation (e.g. during failover timeout).
	Inactive ActivityState = "inactive"
	// Recovered owners are known only from reregistering nodes' task
	// inventories after a coordinator failover; they receive nothing
	// until they reregister.
	Recovered ActivityState = "recovered"
)

// MaxFailoverTimeout bounds the failover timeout an owner may declare.
// Larger values indicate a misconfigured client rather than intent.
const MaxFailoverTimeout = 10 * 365 * 24 * time.Hour

// Declaration is the owner's registration payload.
type Declaration struct {
	// Name is a human-readable label, not an identity.
	Name string
	// Principal identifies the owner to the authorizer.
	Principal string
	// Roles are the accounting buckets the owner subscribes to. Empty
	// defaults to the catch-all role.
	Roles []string
	// Capabilities the owner declares.
	Capabilities []Capability
	// FailoverTimeout is how long the coordinator keeps the owner's tasks
	// after a disconnect before tearing the owner down. Zero tears down
	// immediately on disconnect.
	FailoverTimeout time.Duration
}

// Validate rejects malformed declarations. These are client bugs, so the
// coordinator terminates the session with the returned error instead of
// ignoring the call.
func (d *Declaration) Validate() error {
	roles := d.Roles
	if len(roles) == 0 {
		roles = []string{role.Default}
	}
	if err := role.ValidateAll(roles); err != nil {
		return err
	}
	if len(roles) > 1 && !hasCapability(d.Capabilities, CapabilityMultiRole) {
		return fmt.Errorf("%d roles declared without the MULTI_ROLE capability: %w",
			len(roles), fleet.ErrInvalidRole)
	}
	if d.FailoverTimeout < 0 || d.FailoverTimeout > MaxFailoverTimeout {
		return fmt.Errorf("failover timeout %s out of range: %w",
			d.FailoverTimeout, fleet.ErrInvalidFailoverTimeout)
	}
	return nil
}

// Owner represents one workload owner tracked by the coordinator.
type Owner struct {
	ID           id.OwnerID    `json:"id"`
	Name         string        `json:"name"`
	Principal    string        `json:"principal,omitempty"`
	Roles        []string      `json:"roles"`
	Capabilities []Capability  `json:"capabilities,omitempty"`
	ConnState    ConnState     `json:"conn_state"`
	Activity     ActivityState `json:"activity"`

	FailoverTimeout time.Duration `json:"failover_timeout"`
	RegisteredAt    time.Time     `json:"registered_at"`
	// DisconnectedAt is set while the failover timer runs.
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// PartitionAware reports whether the owner declared PARTITION_AWARE.
func (o *Owner) PartitionAware() bool {
	return hasCapability(o.Capabilities, CapabilityPartitionAware)
}

// HasRole reports whether the owner subscribed to the given role.
func (o *Owner) HasRole(r string) bool {
	for _, have := range o.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Clone returns a deep copy; the coordinator hands clones to callers so
// loop-owned state never escapes.
func (o *Owner) Clone() *Owner {
	cp := *o
	if o.Roles != nil {
		cp.Roles = append([]string(nil), o.Roles...)
	}
	if o.Capabilities != nil {
		cp.Capabilities = append([]Capability(nil), o.Capabilities...)
	}
	if o.DisconnectedAt != nil {
		ts := *o.DisconnectedAt
		cp.DisconnectedAt = &ts
	}
	return &cp
}

func hasCapability(set []Capability, c Capability) bool {
	for _, have := range set {
		if have == c {
			return true
		}
	}
	return false
}

// Conn is the coordinator's handle to a connected owner. Implementations
// wrap whatever transport carries the owner protocol; delivery errors mean
// the connection is dead and the coordinator will treat the owner as
// disconnected.
type Conn interface {
	// Offer delivers freshly granted leases.
	Offer(ctx context.Context, leases []*lease.Lease) error

	// Rescind withdraws an outstanding lease (expiry, node loss,
	// deactivation). The lease may no longer be accepted.
	Rescind(ctx context.Context, leaseID id.LeaseID) error

	// StatusUpdate delivers a task status update. The owner acknowledges
	// through Coordinator.AcknowledgeUpdate.
	StatusUpdate(ctx context.Context, update *task.Status) error

	// Error terminates the session with an explicit reason, e.g. a
	// malformed declaration.
	Error(ctx context.Context, message string) error
}
