// Package audit is a Fleet extension that bridges cluster lifecycle
// events to an audit trail backend.
//
// Every node, owner, task, and leadership lifecycle hook emits a
// structured audit event through the [Recorder] interface. The extension
// assigns appropriate severity levels (info for normal operations,
// warning for disconnects, critical for removals) and rich metadata
// (hostname, roles, task state, reason codes).
//
// # Usage
//
//	audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return trail.Append(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionNodeUnreachable,
//	        audit.ActionNodeGone,
//	        audit.ActionLeadershipLost,
//	    ),
//	)
package audit
