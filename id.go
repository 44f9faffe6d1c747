package fleet

import "github.com/xraph/fleet/id"

// ID is the primary identifier type for all Fleet entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
