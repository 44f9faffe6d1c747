package audit

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionNodeRegistered     = "node.registered"
	ActionNodeReregistered   = "node.reregistered"
	ActionNodeDisconnected   = "node.disconnected"
	ActionNodeUnreachable    = "node.unreachable"
	ActionNodeGone           = "node.gone"
	ActionOwnerSubscribed    = "owner.subscribed"
	ActionOwnerRemoved       = "owner.removed"
	ActionTaskLaunched       = "task.launched"
	ActionTaskTransitioned   = "task.transitioned"
	ActionLeadershipAcquired = "leadership.acquired"
	ActionLeadershipLost     = "leadership.lost"
)

// Audit event categories group related actions.
const (
	CategoryNode       = "fleet.node"
	CategoryOwner      = "fleet.owner"
	CategoryTask       = "fleet.task"
	CategoryLeadership = "fleet.leadership"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceNode        = "node"
	ResourceOwner       = "owner"
	ResourceTask        = "task"
	ResourceCoordinator = "coordinator"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionNodeRegistered,
		ActionNodeReregistered,
		ActionNodeDisconnected,
		ActionNodeUnreachable,
		ActionNodeGone,
		ActionOwnerSubscribed,
		ActionOwnerRemoved,
		ActionTaskLaunched,
		ActionTaskTransitioned,
		ActionLeadershipAcquired,
		ActionLeadershipLost,
	}
}
