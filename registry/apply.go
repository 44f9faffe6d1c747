package registry

import (
	"fmt"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
)

// ApplyToSnapshot mutates snap in place according to op. Backends that
// persist the registry as one encoded Envelope (redis, etcd) decode,
// apply and re-encode around this helper; it enforces the same
// semantics for every backend:
//
//   - add_node upserts the record;
//   - mark_unreachable requires an admitted node and moves it to the
//     unreachable archive;
//   - mark_reachable requires an unreachable tombstone and readmits the
//     fresh record;
//   - remove_node drops the node from whichever set holds it;
//   - mark_gone rejects duplicates, removes the node everywhere and
//     appends a gone tombstone;
//   - the prune operations drop the listed tombstones.
func ApplyToSnapshot(snap *Snapshot, op *Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	switch op.Type {
	case OpAddNode:
		for i, n := range snap.Nodes {
			if n.ID == op.Node.ID {
				snap.Nodes[i] = op.Node.Clone()
				return nil
			}
		}
		snap.Nodes = append(snap.Nodes, op.Node.Clone())

	case OpMarkUnreachable:
		idx := nodeIndex(snap, op.NodeID)
		if idx < 0 {
			return fmt.Errorf("fleet/registry: mark unreachable %s: %w", op.NodeID, fleet.ErrNodeNotFound)
		}
		snap.Nodes = append(snap.Nodes[:idx], snap.Nodes[idx+1:]...)
		snap.Unreachable = append(snap.Unreachable, Tombstone{NodeID: op.NodeID, Time: op.Time})

	case OpMarkReachable:
		idx := tombstoneIndex(snap.Unreachable, op.Node.ID)
		if idx < 0 {
			return fmt.Errorf("fleet/registry: mark reachable %s: %w", op.Node.ID, fleet.ErrNodeNotFound)
		}
		snap.Unreachable = append(snap.Unreachable[:idx], snap.Unreachable[idx+1:]...)
		snap.Nodes = append(snap.Nodes, op.Node.Clone())

	case OpRemoveNode:
		if idx := nodeIndex(snap, op.NodeID); idx >= 0 {
			snap.Nodes = append(snap.Nodes[:idx], snap.Nodes[idx+1:]...)
			return nil
		}
		idx := tombstoneIndex(snap.Unreachable, op.NodeID)
		if idx < 0 {
			return fmt.Errorf("fleet/registry: remove %s: %w", op.NodeID, fleet.ErrNodeNotFound)
		}
		snap.Unreachable = append(snap.Unreachable[:idx], snap.Unreachable[idx+1:]...)

	case OpMarkGone:
		if tombstoneIndex(snap.Gone, op.NodeID) >= 0 {
			return fmt.Errorf("fleet/registry: mark gone %s: %w", op.NodeID, fleet.ErrNodeGone)
		}
		if idx := nodeIndex(snap, op.NodeID); idx >= 0 {
			snap.Nodes = append(snap.Nodes[:idx], snap.Nodes[idx+1:]...)
		}
		if idx := tombstoneIndex(snap.Unreachable, op.NodeID); idx >= 0 {
			snap.Unreachable = append(snap.Unreachable[:idx], snap.Unreachable[idx+1:]...)
		}
		snap.Gone = append(snap.Gone, Tombstone{NodeID: op.NodeID, Time: op.Time})

	case OpPruneUnreachable:
		snap.Unreachable = dropTombstones(snap.Unreachable, op.NodeIDs)

	case OpPruneGone:
		snap.Gone = dropTombstones(snap.Gone, op.NodeIDs)
	}

	return nil
}

func nodeIndex(snap *Snapshot, nodeID id.NodeID) int {
	for i := range snap.Nodes {
		if snap.Nodes[i].ID == nodeID {
			return i
		}
	}
	return -1
}

func tombstoneIndex(list []Tombstone, nodeID id.NodeID) int {
	for i := range list {
		if list[i].NodeID == nodeID {
			return i
		}
	}
	return -1
}

func dropTombstones(list []Tombstone, nodeIDs []id.NodeID) []Tombstone {
	drop := make(map[id.NodeID]struct{}, len(nodeIDs))
	for _, nid := range nodeIDs {
		drop[nid] = struct{}{}
	}
	kept := make([]Tombstone, 0, len(list))
	for _, ts := range list {
		if _, ok := drop[ts.NodeID]; !ok {
			kept = append(kept, ts)
		}
	}
	return kept
}
