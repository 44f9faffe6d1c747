// Package task models tasks and their lifecycle state machine. Tasks are
// created when an owner accepts a lease with a launch operation; from then
// on every transition flows through the coordinator's event loop.
package task

import (
	"time"

	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/resource"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StateStaging means the launch was accepted but the node has not
	// reported the task yet.
	StateStaging State = "staging"
	// StateStarting means the node is preparing the task.
	StateStarting State = "starting"
	// StateRunning means the task is executing.
	StateRunning State = "running"
	// StateKilling means a kill was requested but not yet confirmed.
	StateKilling State = "killing"

	// StateFinished means the task completed successfully. Terminal.
	StateFinished State = "finished"
	// StateFailed means the task exited with an error. Terminal.
	StateFailed State = "failed"
	// StateKilled means the task was killed on request. Terminal.
	StateKilled State = "killed"
	// StateError means the task description was invalid or the launch was
	// rejected before it ran. Terminal.
	StateError State = "error"

	// StateLost means the task is gone for owners that do not understand
	// partitions. Terminal.
	StateLost State = "lost"
	// StateDropped means the launch never reached the node. Terminal.
	StateDropped State = "dropped"
	// StateUnreachable means the task's node is partitioned away; the
	// task may still be running and can return. Not terminal.
	StateUnreachable State = "unreachable"
	// StateGone means the node reported the task permanently lost.
	// Terminal.
	StateGone State = "gone"
	// StateGoneByOperator means an operator declared the task's node
	// permanently lost. Terminal.
	StateGoneByOperator State = "gone_by_operator"

	// StateUnknown is only ever sent in reconciliation answers for task
	// IDs the coordinator does not track.
	StateUnknown State = "unknown"
)

// IsTerminal reports whether s ends the task's lifecycle. Unreachable is
// not terminal: the task can come back with its node.
func IsTerminal(s State) bool {
	switch s {
	case StateFinished, StateFailed, StateKilled, StateError,
		StateLost, StateDropped, StateGone, StateGoneByOperator:
		return true
	default:
		return false
	}
}

// terminalRank orders terminal states for racing updates: the
// highest-ranked state wins and later lower-ranked terminals are ignored.
var terminalRank = map[State]int{
	StateFinished:       1,
	StateKilled:         2,
	StateFailed:         3,
	StateError:          4,
	StateLost:           5,
	StateDropped:        6,
	StateGone:           7,
	StateGoneByOperator: 8,
}

// progressRank orders the normal non-terminal progression. A delayed
// lower-ranked update never rolls a task backward.
var progressRank = map[State]int{
	StateStaging:  0,
	StateStarting: 1,
	StateRunning:  2,
	StateKilling:  3,
}

// Reason explains terminal and abnormal transitions.
type Reason string

const (
	// ReasonNodeRemoved marks transitions forced by losing the task's
	// node (unreachable timeout, unregistration, removal).
	ReasonNodeRemoved Reason = "node_removed"
	// ReasonGoneByOperator marks transitions forced by an operator
	// declaring the node gone.
	ReasonGoneByOperator Reason = "gone_by_operator"
	// ReasonReconciliation marks coordinator-generated reconciliation
	// answers.
	ReasonReconciliation Reason = "reconciliation"
	// ReasonInvalidLeases marks tasks whose accept call was rejected.
	ReasonInvalidLeases Reason = "invalid_leases"
	// ReasonResourcesExceeded marks launches asking for more than their
	// leases held.
	ReasonResourcesExceeded Reason = "resources_exceeded"
	// ReasonUnauthorized marks launches the authorizer denied.
	ReasonUnauthorized Reason = "unauthorized"
	// ReasonOwnerRemoved marks tasks killed by owner teardown.
	ReasonOwnerRemoved Reason = "owner_removed"
	// ReasonTaskUnknown marks reconciliation answers for untracked IDs.
	ReasonTaskUnknown Reason = "task_unknown"
	// ReasonNodeReported marks ordinary node-sourced updates.
	ReasonNodeReported Reason = "node_reported"
)

// Status is one entry in a task's status history. Node-sourced statuses
// carry an UpdateID and are retried until acknowledged;
// coordinator-generated statuses (reconciliation answers, forced
// transitions it reports itself) carry the nil UpdateID and need no ack.
type Status struct {
	TaskID  string     `json:"task_id"`
	OwnerID id.OwnerID `json:"owner_id"`
	NodeID  id.NodeID  `json:"node_id"`

	UpdateID id.UpdateID `json:"update_id,omitempty"`
	State    State       `json:"state"`
	Reason   Reason      `json:"reason,omitempty"`
	Message  string      `json:"message,omitempty"`

	// LatestState piggybacks the node's most recent view when the update
	// itself is older. A terminal LatestState releases resources even if
	// State is not terminal yet.
	LatestState State `json:"latest_state,omitempty"`

	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged,omitempty"`
}

// Task represents one unit of work placed on a node by an owner.
// Task IDs are owner-assigned and unique per owner only.
type Task struct {
	ID      string     `json:"id"`
	OwnerID id.OwnerID `json:"owner_id"`
	NodeID  id.NodeID  `json:"node_id"`

	Role      string          `json:"role"`
	Resources resource.Bundle `json:"resources"`
	// Reserved is the portion of Resources drawn from the node's role
	// reservation; recovery returns it to the reserved pool.
	Reserved resource.Bundle `json:"reserved,omitempty"`
	// GroupID ties tasks launched together in one accept operation.
	GroupID string `json:"group_id,omitempty"`

	State    State    `json:"state"`
	Reason   Reason   `json:"reason,omitempty"`
	Statuses []Status `json:"statuses,omitempty"`

	// ResourcesFreed guards exactly-once recovery: set the first time any
	// update reveals a terminal outcome.
	ResourcesFreed bool `json:"resources_freed,omitempty"`

	// UnreachableTime is stamped when the unreachable transition is
	// applied (the timeout fire, not the disconnect).
	UnreachableTime *time.Time `json:"unreachable_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the task has reached a terminal state.
func (t *Task) Terminal() bool { return IsTerminal(t.State) }

// HasUpdate reports whether an update with the given ID is already in the
// task's history. Used to deduplicate at-least-once delivery.
func (t *Task) HasUpdate(updateID id.UpdateID) bool {
	if updateID.IsNil() {
		return false
	}
	for i := range t.Statuses {
		if t.Statuses[i].UpdateID == updateID {
			return true
		}
	}
	return false
}

// Acknowledge marks the status with the given update ID acknowledged.
// Returns false if no such status exists.
func (t *Task) Acknowledge(updateID id.UpdateID) bool {
	for i := range t.Statuses {
		if t.Statuses[i].UpdateID == updateID {
			t.Statuses[i].Acknowledged = true
			return true
		}
	}
	return false
}

// TerminalAcked reports whether the task is terminal and its terminal
// status (if node-sourced) has been acknowledged. Coordinator-forced
// terminals carry no UpdateID and count as acknowledged.
func (t *Task) TerminalAcked() bool {
	if !t.Terminal() {
		return false
	}
	for i := len(t.Statuses) - 1; i >= 0; i-- {
		st := &t.Statuses[i]
		if !IsTerminal(st.State) {
			continue
		}
		return st.UpdateID.IsNil() || st.Acknowledged
	}
	// Terminal without a recorded terminal status: coordinator-forced.
	return true
}

// Clone returns a deep copy; the coordinator hands clones to callers so
// loop-owned state never escapes.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Statuses != nil {
		cp.Statuses = append([]Status(nil), t.Statuses...)
	}
	if t.UnreachableTime != nil {
		ts := *t.UnreachableTime
		cp.UnreachableTime = &ts
	}
	return &cp
}

// Transition moves the task to s, honoring forward-only ordering and
// terminal precedence:
//
//   - terminal beats everything of lower terminal rank, and a task already
//     terminal only moves to a strictly higher-ranked terminal;
//   - among the normal states, a delayed lower-ranked update is ignored;
//   - unreachable is left the moment the node reports anything again.
//
// Returns whether the task's current state changed.
func (t *Task) Transition(s State, reason Reason, when time.Time) bool {
	if t.State == s {
		return false
	}

	if IsTerminal(t.State) {
		if !IsTerminal(s) || terminalRank[s] <= terminalRank[t.State] {
			return false
		}
	} else if !IsTerminal(s) && s != StateUnreachable && t.State != StateUnreachable {
		from, okFrom := progressRank[t.State]
		to, okTo := progressRank[s]
		if okFrom && okTo && to < from {
			return false
		}
	}

	t.State = s
	t.Reason = reason
	if s == StateUnreachable {
		ts := when
		t.UnreachableTime = &ts
	} else if !IsTerminal(s) {
		t.UnreachableTime = nil
	}
	return true
}
