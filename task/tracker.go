package task

import (
	"sort"

	"github.com/xraph/fleet/id"
)

// Tracker indexes active tasks by owner and by node. It is not safe for
// concurrent use: the coordinator's event loop is the only caller.
type Tracker struct {
	byOwner map[id.OwnerID]map[string]*Task
	byNode  map[id.NodeID]map[nodeKey]*Task
}

// nodeKey disambiguates tasks on one node: task IDs are only unique per
// owner.
type nodeKey struct {
	ownerID id.OwnerID
	taskID  string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byOwner: make(map[id.OwnerID]map[string]*Task),
		byNode:  make(map[id.NodeID]map[nodeKey]*Task),
	}
}

// Add starts tracking t, replacing any previous task with the same owner
// and ID.
func (tr *Tracker) Add(t *Task) {
	byID := tr.byOwner[t.OwnerID]
	if byID == nil {
		byID = make(map[string]*Task)
		tr.byOwner[t.OwnerID] = byID
	}
	byID[t.ID] = t

	onNode := tr.byNode[t.NodeID]
	if onNode == nil {
		onNode = make(map[nodeKey]*Task)
		tr.byNode[t.NodeID] = onNode
	}
	onNode[nodeKey{t.OwnerID, t.ID}] = t
}

// Get returns the tracked task for (ownerID, taskID).
func (tr *Tracker) Get(ownerID id.OwnerID, taskID string) (*Task, bool) {
	t, ok := tr.byOwner[ownerID][taskID]
	return t, ok
}

// OfOwner returns the owner's tasks ordered by task ID.
func (tr *Tracker) OfOwner(ownerID id.OwnerID) []*Task {
	byID := tr.byOwner[ownerID]
	out := make([]*Task, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnNode returns the node's tasks ordered by owner then task ID.
func (tr *Tracker) OnNode(nodeID id.NodeID) []*Task {
	onNode := tr.byNode[nodeID]
	out := make([]*Task, 0, len(onNode))
	for _, t := range onNode {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID.String() < out[j].OwnerID.String()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove stops tracking (ownerID, taskID) and returns the task.
func (tr *Tracker) Remove(ownerID id.OwnerID, taskID string) (*Task, bool) {
	t, ok := tr.byOwner[ownerID][taskID]
	if !ok {
		return nil, false
	}
	delete(tr.byOwner[ownerID], taskID)
	if len(tr.byOwner[ownerID]) == 0 {
		delete(tr.byOwner, ownerID)
	}
	delete(tr.byNode[t.NodeID], nodeKey{ownerID, taskID})
	if len(tr.byNode[t.NodeID]) == 0 {
		delete(tr.byNode, t.NodeID)
	}
	return t, true
}

// RemoveOwner stops tracking all of the owner's tasks and returns them
// ordered by task ID.
func (tr *Tracker) RemoveOwner(ownerID id.OwnerID) []*Task {
	out := tr.OfOwner(ownerID)
	for _, t := range out {
		tr.Remove(ownerID, t.ID)
	}
	return out
}

// Len returns the number of tracked tasks.
func (tr *Tracker) Len() int {
	n := 0
	for _, byID := range tr.byOwner {
		n += len(byID)
	}
	return n
}
