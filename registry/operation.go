package registry

import (
	"fmt"
	"time"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
)

// OpType identifies the kind of membership mutation.
type OpType string

const (
	// OpAddNode admits a node, or updates an admitted node's record
	// (reregistration, reservation changes).
	OpAddNode OpType = "add_node"

	// OpMarkUnreachable moves an admitted node to the unreachable
	// archive.
	OpMarkUnreachable OpType = "mark_unreachable"

	// OpMarkReachable moves an unreachable node back into the admitted
	// set, carrying its fresh registration record.
	OpMarkReachable OpType = "mark_reachable"

	// OpRemoveNode deletes a node from the registry entirely.
	OpRemoveNode OpType = "remove_node"

	// OpMarkGone records an operator's declaration that a node is
	// permanently lost. Removes it from the admitted set and the
	// unreachable archive, and adds a gone tombstone.
	OpMarkGone OpType = "mark_gone"

	// OpPruneUnreachable drops the listed tombstones from the
	// unreachable archive to keep it bounded.
	OpPruneUnreachable OpType = "prune_unreachable"

	// OpPruneGone drops the listed tombstones from the gone archive.
	OpPruneGone OpType = "prune_gone"
)

// Operation is one membership mutation. Which fields are set depends on
// Type; Validate enforces the combinations.
type Operation struct {
	Type OpType `json:"type"`

	// Node carries the full record for OpAddNode and OpMarkReachable.
	Node *node.Node `json:"node,omitempty"`

	// NodeID names the target of OpMarkUnreachable, OpRemoveNode and
	// OpMarkGone.
	NodeID id.NodeID `json:"node_id,omitempty"`

	// Time is the transition timestamp for OpMarkUnreachable and
	// OpMarkGone tombstones.
	Time time.Time `json:"time,omitempty"`

	// NodeIDs lists the tombstones removed by the prune operations.
	NodeIDs []id.NodeID `json:"node_ids,omitempty"`
}

// AddNode builds the operation admitting (or refreshing) n.
func AddNode(n *node.Node) *Operation {
	return &Operation{Type: OpAddNode, Node: n}
}

// MarkUnreachable builds the operation archiving nodeID at t.
func MarkUnreachable(nodeID id.NodeID, t time.Time) *Operation {
	return &Operation{Type: OpMarkUnreachable, NodeID: nodeID, Time: t}
}

// MarkReachable builds the operation readmitting a previously
// unreachable node with its fresh record.
func MarkReachable(n *node.Node) *Operation {
	return &Operation{Type: OpMarkReachable, Node: n}
}

// RemoveNode builds the operation deleting nodeID.
func RemoveNode(nodeID id.NodeID) *Operation {
	return &Operation{Type: OpRemoveNode, NodeID: nodeID}
}

// MarkGone builds the operation recording nodeID as permanently lost at t.
func MarkGone(nodeID id.NodeID, t time.Time) *Operation {
	return &Operation{Type: OpMarkGone, NodeID: nodeID, Time: t}
}

// PruneUnreachable builds the operation dropping the listed unreachable
// tombstones.
func PruneUnreachable(nodeIDs ...id.NodeID) *Operation {
	return &Operation{Type: OpPruneUnreachable, NodeIDs: nodeIDs}
}

// PruneGone builds the operation dropping the listed gone tombstones.
func PruneGone(nodeIDs ...id.NodeID) *Operation {
	return &Operation{Type: OpPruneGone, NodeIDs: nodeIDs}
}

// Validate checks that the operation's fields match its type.
func (op *Operation) Validate() error {
	switch op.Type {
	case OpAddNode, OpMarkReachable:
		if op.Node == nil || op.Node.ID.IsNil() {
			return fmt.Errorf("fleet/registry: %s: missing node: %w", op.Type, fleet.ErrInvalidOperation)
		}
	case OpMarkUnreachable, OpMarkGone:
		if op.NodeID.IsNil() {
			return fmt.Errorf("fleet/registry: %s: missing node id: %w", op.Type, fleet.ErrInvalidOperation)
		}
		if op.Time.IsZero() {
			return fmt.Errorf("fleet/registry: %s: missing timestamp: %w", op.Type, fleet.ErrInvalidOperation)
		}
	case OpRemoveNode:
		if op.NodeID.IsNil() {
			return fmt.Errorf("fleet/registry: %s: missing node id: %w", op.Type, fleet.ErrInvalidOperation)
		}
	case OpPruneUnreachable, OpPruneGone:
		if len(op.NodeIDs) == 0 {
			return fmt.Errorf("fleet/registry: %s: empty prune list: %w", op.Type, fleet.ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("fleet/registry: unknown operation type %q: %w", op.Type, fleet.ErrInvalidOperation)
	}
	return nil
}
