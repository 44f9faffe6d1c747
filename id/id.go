// Package id defines TypeID-based identity types for all Fleet entities.
//
// Every entity in Fleet uses a single ID struct with a prefix that identifies
// the entity type. IDs are K-sortable (UUIDv7-based), globally unique,
// and URL-safe in the format "prefix_suffix".
//
// Task identifiers are the one exception: they are assigned by the workload
// owner and scoped to it, so they stay plain strings in the task package.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all Fleet entity types.
const (
	PrefixNode        Prefix = "node"
	PrefixOwner       Prefix = "owner"
	PrefixLease       Prefix = "lease"
	PrefixUpdate      Prefix = "update"
	PrefixVolume      Prefix = "vol"
	PrefixCoordinator Prefix = "coord"
)

// ID is the primary identifier type for all Fleet entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "node_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// MustParseWithPrefix is like ParseWithPrefix but panics on error.
func MustParseWithPrefix(s string, expected Prefix) ID {
	parsed, err := ParseWithPrefix(s, expected)
	if err != nil {
		panic(fmt.Sprintf("id: must parse with prefix %q: %v", expected, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases per entity
// ──────────────────────────────────────────────────

// NodeID is a type-safe identifier for worker nodes (prefix: "node").
type NodeID = ID

// OwnerID is a type-safe identifier for workload owners (prefix: "owner").
type OwnerID = ID

// LeaseID is a type-safe identifier for resource leases (prefix: "lease").
type LeaseID = ID

// UpdateID is a type-safe identifier for task status updates (prefix: "update").
type UpdateID = ID

// VolumeID is a type-safe identifier for persistent volumes (prefix: "vol").
type VolumeID = ID

// CoordinatorID is a type-safe identifier for coordinator instances (prefix: "coord").
type CoordinatorID = ID

// AnyID is a type alias that accepts any valid prefix.
type AnyID = ID

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

// NewNodeID generates a new unique worker-node ID.
func NewNodeID() ID { return New(PrefixNode) }

// NewOwnerID generates a new unique workload-owner ID.
func NewOwnerID() ID { return New(PrefixOwner) }

// NewLeaseID generates a new unique lease ID.
func NewLeaseID() ID { return New(PrefixLease) }

// NewUpdateID generates a new unique status-update ID.
func NewUpdateID() ID { return New(PrefixUpdate) }

// NewVolumeID generates a new unique persistent-volume ID.
func NewVolumeID() ID { return New(PrefixVolume) }

// NewCoordinatorID generates a new unique coordinator instance ID.
func NewCoordinatorID() ID { return New(PrefixCoordinator) }

// ──────────────────────────────────────────────────
// Convenience parsers
// ──────────────────────────────────────────────────

// ParseNodeID parses a string and validates the "node" prefix.
func ParseNodeID(s string) (ID, error) { return ParseWithPrefix(s, PrefixNode) }

// ParseOwnerID parses a string and validates the "owner" prefix.
func ParseOwnerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixOwner) }

// ParseLeaseID parses a string and validates the "lease" prefix.
func ParseLeaseID(s string) (ID, error) { return ParseWithPrefix(s, PrefixLease) }

// ParseUpdateID parses a string and validates the "update" prefix.
func ParseUpdateID(s string) (ID, error) { return ParseWithPrefix(s, PrefixUpdate) }

// ParseVolumeID parses a string and validates the "vol" prefix.
func ParseVolumeID(s string) (ID, error) { return ParseWithPrefix(s, PrefixVolume) }

// ParseCoordinatorID parses a string and validates the "coord" prefix.
func ParseCoordinatorID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCoordinator) }

// ParseAny parses a string into an ID without type checking the prefix.
func ParseAny(s string) (ID, error) { return Parse(s) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
