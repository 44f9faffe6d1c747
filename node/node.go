// Package node models worker nodes: the machines contributing resources to
// the cluster. The coordinator owns every mutation; this package holds the
// data types, lifecycle states, and the connection contract used to reach a
// node.
package node

import (
	"context"
	"time"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/resource"
)

// State represents the lifecycle state of a worker node.
type State string

const (
	// StateRegistering means the admission decision is made but the
	// durable add operation has not yet committed.
	StateRegistering State = "registering"
	// StateActive means the node is connected and its resources are
	// offered to owners.
	StateActive State = "active"
	// StateDisconnected means the connection dropped; the node keeps its
	// tasks and may reconnect until the reregistration timeout fires.
	StateDisconnected State = "disconnected"
	// StateRecovering means the node was loaded from the registry after a
	// coordinator failover and has not yet reregistered.
	StateRecovering State = "recovering"
	// StateUnreachable means the reregistration timeout elapsed and the
	// durable mark-unreachable committed. The node may still return.
	StateUnreachable State = "unreachable"
	// StateGone means an operator declared the node permanently lost.
	// Gone nodes are refused reregistration.
	StateGone State = "gone"
)

// Capability is an optional feature a node declares at registration.
type Capability string

const (
	// CapabilityMultiRole means the node understands leases and tasks for
	// more than one role at a time.
	CapabilityMultiRole Capability = "MULTI_ROLE"
	// CapabilityHierarchicalRole means the node accepts slash-separated
	// role names in reservations.
	CapabilityHierarchicalRole Capability = "HIERARCHICAL_ROLE"
)

// Node represents one worker node tracked by the coordinator.
type Node struct {
	ID       id.NodeID     `json:"id"`
	Hostname string        `json:"hostname"`
	Version  string        `json:"version"`
	Domain   *fleet.Domain `json:"domain,omitempty"`

	// Resources is the node's total unreserved bundle; Reserved holds the
	// per-role reservations (static from registration plus dynamic ones
	// added later). Total capacity = Resources + sum(Reserved).
	Resources resource.Bundle            `json:"resources"`
	Reserved  map[string]resource.Bundle `json:"reserved,omitempty"`
	Volumes   []resource.Volume          `json:"volumes,omitempty"`

	Capabilities []Capability `json:"capabilities,omitempty"`
	State        State        `json:"state"`

	RegisteredAt    time.Time  `json:"registered_at"`
	LastHeartbeat   time.Time  `json:"last_heartbeat"`
	UnreachableTime *time.Time `json:"unreachable_time,omitempty"`
}

// Total returns the node's full capacity: unreserved plus all reservations.
func (n *Node) Total() resource.Bundle {
	total := n.Resources
	for _, r := range n.Reserved {
		total = total.Add(r)
	}
	return total
}

// HasCapability reports whether the node declared c at registration.
func (n *Node) HasCapability(c Capability) bool {
	for _, have := range n.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Connected reports whether the node currently holds a live connection.
func (n *Node) Connected() bool {
	return n.State == StateActive || n.State == StateRegistering
}

// Removed reports whether the node has left the active membership set.
func (n *Node) Removed() bool {
	return n.State == StateUnreachable || n.State == StateGone
}

// Clone returns a deep copy; the coordinator hands clones to callers so
// loop-owned state never escapes.
func (n *Node) Clone() *Node {
	cp := *n
	if n.Domain != nil {
		d := *n.Domain
		cp.Domain = &d
	}
	if n.Reserved != nil {
		cp.Reserved = make(map[string]resource.Bundle, len(n.Reserved))
		for role, b := range n.Reserved {
			cp.Reserved[role] = b
		}
	}
	if n.Volumes != nil {
		cp.Volumes = append([]resource.Volume(nil), n.Volumes...)
	}
	if n.Capabilities != nil {
		cp.Capabilities = append([]Capability(nil), n.Capabilities...)
	}
	if n.UnreachableTime != nil {
		ts := *n.UnreachableTime
		cp.UnreachableTime = &ts
	}
	return &cp
}

// Conn is the coordinator's handle to a connected node. Implementations
// wrap whatever transport carries the node protocol; delivery errors mean
// the connection is dead and the coordinator will treat the node as
// disconnected.
type Conn interface {
	// Ping sends a heartbeat probe. The transport answers with a pong
	// delivered back through Coordinator.PongNode.
	Ping(ctx context.Context) error

	// LaunchTask tells the node to start a task placed by an owner.
	LaunchTask(ctx context.Context, ownerID id.OwnerID, taskID string, res resource.Bundle) error

	// KillTask tells the node to kill a task.
	KillTask(ctx context.Context, ownerID id.OwnerID, taskID string) error

	// AcknowledgeUpdate forwards an owner's acknowledgement of a status
	// update so the node can stop retrying it.
	AcknowledgeUpdate(ctx context.Context, ownerID id.OwnerID, taskID string, updateID id.UpdateID) error

	// Shutdown orders the node to stop and disconnect, e.g. when a node
	// marked gone attempts to reregister.
	Shutdown(ctx context.Context, reason string) error
}
