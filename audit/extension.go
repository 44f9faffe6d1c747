package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/fleet/ext"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/owner"
	"github.com/xraph/fleet/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Extension)(nil)
	_ ext.NodeRegistered     = (*Extension)(nil)
	_ ext.NodeReregistered   = (*Extension)(nil)
	_ ext.NodeDisconnected   = (*Extension)(nil)
	_ ext.NodeUnreachable    = (*Extension)(nil)
	_ ext.NodeGone           = (*Extension)(nil)
	_ ext.OwnerSubscribed    = (*Extension)(nil)
	_ ext.OwnerRemoved       = (*Extension)(nil)
	_ ext.TaskLaunched       = (*Extension)(nil)
	_ ext.TaskTransitioned   = (*Extension)(nil)
	_ ext.LeadershipAcquired = (*Extension)(nil)
	_ ext.LeadershipLost     = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// Callers inject the concrete trail implementation at wiring time so this
// package carries no backend dependency.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is a structured audit record of one cluster lifecycle action.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges Fleet lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Node lifecycle hooks ────────────────────────────

// OnNodeRegistered implements ext.NodeRegistered.
func (e *Extension) OnNodeRegistered(ctx context.Context, n *node.Node) error {
	return e.record(ctx, ActionNodeRegistered, SeverityInfo, OutcomeSuccess,
		ResourceNode, n.ID.String(), CategoryNode, nil,
		"hostname", n.Hostname,
		"resources", n.Resources.String(),
	)
}

// OnNodeReregistered implements ext.NodeReregistered.
func (e *Extension) OnNodeReregistered(ctx context.Context, n *node.Node) error {
	return e.record(ctx, ActionNodeReregistered, SeverityInfo, OutcomeSuccess,
		ResourceNode, n.ID.String(), CategoryNode, nil,
		"hostname", n.Hostname,
	)
}

// OnNodeDisconnected implements ext.NodeDisconnected.
func (e *Extension) OnNodeDisconnected(ctx context.Context, n *node.Node) error {
	return e.record(ctx, ActionNodeDisconnected, SeverityWarning, OutcomeSuccess,
		ResourceNode, n.ID.String(), CategoryNode, nil,
		"hostname", n.Hostname,
	)
}

// OnNodeUnreachable implements ext.NodeUnreachable.
func (e *Extension) OnNodeUnreachable(ctx context.Context, n *node.Node) error {
	return e.record(ctx, ActionNodeUnreachable, SeverityCritical, OutcomeFailure,
		ResourceNode, n.ID.String(), CategoryNode, nil,
		"hostname", n.Hostname,
	)
}

// OnNodeGone implements ext.NodeGone.
func (e *Extension) OnNodeGone(ctx context.Context, n *node.Node) error {
	return e.record(ctx, ActionNodeGone, SeverityCritical, OutcomeFailure,
		ResourceNode, n.ID.String(), CategoryNode, nil,
		"hostname", n.Hostname,
	)
}

// ── Owner lifecycle hooks ───────────────────────────

// OnOwnerSubscribed implements ext.OwnerSubscribed.
func (e *Extension) OnOwnerSubscribed(ctx context.Context, o *owner.Owner) error {
	return e.record(ctx, ActionOwnerSubscribed, SeverityInfo, OutcomeSuccess,
		ResourceOwner, o.ID.String(), CategoryOwner, nil,
		"name", o.Name,
		"roles", o.Roles,
		"principal", o.Principal,
	)
}

// OnOwnerRemoved implements ext.OwnerRemoved.
func (e *Extension) OnOwnerRemoved(ctx context.Context, o *owner.Owner) error {
	return e.record(ctx, ActionOwnerRemoved, SeverityWarning, OutcomeSuccess,
		ResourceOwner, o.ID.String(), CategoryOwner, nil,
		"name", o.Name,
	)
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskLaunched implements ext.TaskLaunched.
func (e *Extension) OnTaskLaunched(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskLaunched, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID, CategoryTask, nil,
		"owner_id", t.OwnerID.String(),
		"node_id", t.NodeID.String(),
		"resources", t.Resources.String(),
	)
}

// OnTaskTransitioned implements ext.TaskTransitioned.
func (e *Extension) OnTaskTransitioned(ctx context.Context, t *task.Task, from task.State) error {
	severity := SeverityInfo
	outcome := OutcomeSuccess
	switch t.State {
	case task.StateFailed, task.StateError, task.StateLost, task.StateDropped,
		task.StateGone, task.StateGoneByOperator:
		severity = SeverityCritical
		outcome = OutcomeFailure
	case task.StateUnreachable, task.StateKilling:
		severity = SeverityWarning
	}
	return e.record(ctx, ActionTaskTransitioned, severity, outcome,
		ResourceTask, t.ID, CategoryTask, nil,
		"owner_id", t.OwnerID.String(),
		"from", string(from),
		"to", string(t.State),
		"reason", string(t.Reason),
	)
}

// ── Leadership lifecycle hooks ──────────────────────

// OnLeadershipAcquired implements ext.LeadershipAcquired.
func (e *Extension) OnLeadershipAcquired(ctx context.Context, coordID id.CoordinatorID) error {
	return e.record(ctx, ActionLeadershipAcquired, SeverityInfo, OutcomeSuccess,
		ResourceCoordinator, coordID.String(), CategoryLeadership, nil)
}

// OnLeadershipLost implements ext.LeadershipLost.
func (e *Extension) OnLeadershipLost(ctx context.Context, coordID id.CoordinatorID) error {
	return e.record(ctx, ActionLeadershipLost, SeverityCritical, OutcomeFailure,
		ResourceCoordinator, coordID.String(), CategoryLeadership, nil)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
