package resource

import "github.com/xraph/fleet/id"

// Volume is a persistent disk carve-out on one node, reserved to a role.
// The backing disk stays part of the role's reservation; destroying the
// volume releases the record but not the reservation.
type Volume struct {
	ID     id.VolumeID `json:"id"`
	Role   string      `json:"role"`
	SizeMB int64       `json:"size_mb"`
}
