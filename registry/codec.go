package registry

import (
	"fmt"
	"time"

	"github.com/xraph/fleet/node"
)

// EnvelopeVersion is the current persisted-layout version. Decoders
// reject envelopes written by a newer layout.
const EnvelopeVersion = 1

// Envelope is the versioned on-disk/on-wire form of a registry snapshot.
// Backends that persist the registry as one value (redis, etcd) store an
// encoded Envelope; the version field gates replay across upgrades.
type Envelope struct {
	Version int       `json:"version" msgpack:"version"`
	SavedAt time.Time `json:"saved_at" msgpack:"saved_at"`

	Nodes       []*node.Node `json:"nodes" msgpack:"nodes"`
	Unreachable []Tombstone  `json:"unreachable,omitempty" msgpack:"unreachable,omitempty"`
	Gone        []Tombstone  `json:"gone,omitempty" msgpack:"gone,omitempty"`
}

// NewEnvelope wraps a snapshot in the current layout version.
func NewEnvelope(snap *Snapshot, savedAt time.Time) *Envelope {
	return &Envelope{
		Version:     EnvelopeVersion,
		SavedAt:     savedAt,
		Nodes:       snap.Nodes,
		Unreachable: snap.Unreachable,
		Gone:        snap.Gone,
	}
}

// Snapshot unwraps the envelope's contents.
func (e *Envelope) Snapshot() *Snapshot {
	return &Snapshot{
		Nodes:       e.Nodes,
		Unreachable: e.Unreachable,
		Gone:        e.Gone,
	}
}

// checkVersion rejects envelopes from a newer layout.
func (e *Envelope) checkVersion() error {
	if e.Version > EnvelopeVersion {
		return fmt.Errorf("fleet/registry: envelope version %d newer than supported %d", e.Version, EnvelopeVersion)
	}
	return nil
}

// Codec defines the serialization contract for registry envelopes.
type Codec interface {
	// Encode serializes an envelope to bytes.
	Encode(env *Envelope) ([]byte, error)

	// Decode deserializes bytes into an envelope, rejecting
	// unsupported layout versions.
	Decode(data []byte) (*Envelope, error)

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string
}

// CodecName constants for format selection.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	case CodecNameJSON, "":
		return &JSONCodec{}
	default:
		return &JSONCodec{}
	}
}
