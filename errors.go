package fleet

import "errors"

var (
	// Registry errors.
	ErrNoStore             = errors.New("fleet: no registry store configured")
	ErrRegistryUnavailable = errors.New("fleet: registry unavailable")
	ErrStoreClosed         = errors.New("fleet: registry store closed")
	ErrMigrationFailed     = errors.New("fleet: migration failed")

	// Not found errors.
	ErrNodeNotFound  = errors.New("fleet: node not found")
	ErrOwnerNotFound = errors.New("fleet: owner not found")
	ErrTaskNotFound  = errors.New("fleet: task not found")
	ErrLeaseNotFound = errors.New("fleet: lease not found")

	// Admission errors. Domain and version rejections are silent on the
	// wire (the registration is simply ignored); these sentinels exist for
	// logging and for white-box assertions in tests.
	ErrDomainMismatch  = errors.New("fleet: node domain incompatible with coordinator domain")
	ErrVersionRejected = errors.New("fleet: node version below coordinator minimum")
	ErrNodeGone        = errors.New("fleet: node has been marked gone")

	// Owner declaration errors. These terminate the owner's session.
	ErrInvalidRole            = errors.New("fleet: invalid role name")
	ErrInvalidFailoverTimeout = errors.New("fleet: invalid failover timeout")

	// Lease and task errors.
	ErrInvalidLease     = errors.New("fleet: invalid lease")
	ErrInvalidOperation = errors.New("fleet: invalid lease operation")
	ErrPermissionDenied = errors.New("fleet: permission denied")

	// Removal deferral marker. Never surfaced to callers; a rate-limited
	// removal is deferred, not failed.
	ErrRateLimited = errors.New("fleet: removal rate limited")

	// Leadership errors.
	ErrLeadershipLost = errors.New("fleet: leadership lost")
	ErrNotLeader      = errors.New("fleet: not the leader")
	ErrClosed         = errors.New("fleet: coordinator closed")
)
