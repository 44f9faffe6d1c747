// Package lease implements resource leases and the allocation manager that
// grants them. A lease is a time-bounded grant of specific resources on one
// node to one owner and role; it is consumed at most once, by accept, and
// otherwise returns to the pool through decline, rescind, or expiry.
//
// The Manager is not safe for concurrent use: the coordinator's event loop
// is the only caller.
package lease

import (
	"fmt"
	"time"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/resource"
)

// Lease grants resources on one node to one owner and role.
type Lease struct {
	ID      id.LeaseID `json:"id"`
	NodeID  id.NodeID  `json:"node_id"`
	OwnerID id.OwnerID `json:"owner_id"`
	Role    string     `json:"role"`

	// Resources is the full granted bundle; Reserved is the portion of it
	// that is reserved to Role on the node.
	Resources resource.Bundle `json:"resources"`
	Reserved  resource.Bundle `json:"reserved"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Unreserved returns the portion of the lease drawn from the node's
// unreserved pool.
func (l *Lease) Unreserved() resource.Bundle {
	return l.Resources.Sub(l.Reserved)
}

// Clone returns a copy; the coordinator hands clones to owner connections
// so loop-owned state never escapes.
func (l *Lease) Clone() *Lease {
	cp := *l
	if l.ExpiresAt != nil {
		ts := *l.ExpiresAt
		cp.ExpiresAt = &ts
	}
	return &cp
}

// Claim is the transient holding produced when an accept consumes leases:
// the combined resources, not yet spent on operations. The coordinator
// runs authorization against the claim and finally releases whatever the
// operations did not use.
type Claim struct {
	NodeID  id.NodeID
	OwnerID id.OwnerID
	Role    string

	// Resources is what remains unspent; Reserved is the reserved part of
	// that remainder.
	Resources resource.Bundle
	Reserved  resource.Bundle

	// LeaseIDs are the consumed leases, kept for log correlation.
	LeaseIDs []id.LeaseID
}

// Take spends b from the claim, drawing down the reserved portion first.
func (c *Claim) Take(b resource.Bundle) error {
	if !c.Resources.Covers(b) {
		return fmt.Errorf("claim %s cannot cover %s: %w", c.Resources, b, fleet.ErrInvalidOperation)
	}
	c.Resources = c.Resources.Sub(b)
	if !c.Resources.Covers(c.Reserved) {
		// The unreserved part ran out; the remainder came from reserved.
		c.Reserved = c.Resources
	}
	return nil
}

// TakeUnreserved spends b strictly from the unreserved portion.
func (c *Claim) TakeUnreserved(b resource.Bundle) error {
	if !c.Resources.Sub(c.Reserved).Covers(b) {
		return fmt.Errorf("claim unreserved %s cannot cover %s: %w",
			c.Resources.Sub(c.Reserved), b, fleet.ErrInvalidOperation)
	}
	c.Resources = c.Resources.Sub(b)
	return nil
}

// TakeReserved spends b strictly from the reserved portion.
func (c *Claim) TakeReserved(b resource.Bundle) error {
	if !c.Reserved.Covers(b) {
		return fmt.Errorf("claim reserved %s cannot cover %s: %w",
			c.Reserved, b, fleet.ErrInvalidOperation)
	}
	c.Resources = c.Resources.Sub(b)
	c.Reserved = c.Reserved.Sub(b)
	return nil
}

// OperationType tags the operations an accept call may carry.
type OperationType string

const (
	// OpLaunch starts a task with resources drawn from the claim.
	OpLaunch OperationType = "launch"
	// OpReserve converts unreserved claim resources into a role
	// reservation on the node.
	OpReserve OperationType = "reserve"
	// OpUnreserve releases part of the node's role reservation back to
	// the unreserved pool.
	OpUnreserve OperationType = "unreserve"
	// OpCreateVolume carves a persistent volume out of reserved disk.
	OpCreateVolume OperationType = "create_volume"
	// OpDestroyVolume removes a persistent volume record.
	OpDestroyVolume OperationType = "destroy_volume"
)

// Operation is one accept-time action. Exactly one of the payload fields
// matching Type is set; the rest stay nil.
type Operation struct {
	Type OperationType `json:"type"`

	Launch  *Launch          `json:"launch,omitempty"`
	Reserve *resource.Bundle `json:"reserve,omitempty"`
	Volume  *resource.Volume `json:"volume,omitempty"`
}

// Launch describes one task to start.
type Launch struct {
	TaskID    string          `json:"task_id"`
	GroupID   string          `json:"group_id,omitempty"`
	Resources resource.Bundle `json:"resources"`
}
