package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/registry"
)

// ── Node model ────────────────────────────────────────────────────

type nodeModel struct {
	bun.BaseModel `bun:"table:fleet_nodes"`

	ID        string    `bun:"id,pk"`
	Record    []byte    `bun:"record,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func toNodeModel(n *node.Node) (*nodeModel, error) {
	record, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("fleet/bunstore: marshal node: %w", err)
	}
	return &nodeModel{
		ID:        n.ID.String(),
		Record:    record,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func fromNodeModel(m *nodeModel) (*node.Node, error) {
	var n node.Node
	if err := json.Unmarshal(m.Record, &n); err != nil {
		return nil, fmt.Errorf("fleet/bunstore: unmarshal node %s: %w", m.ID, err)
	}
	return &n, nil
}

// ── Tombstone model ───────────────────────────────────────────────

const (
	kindUnreachable = "unreachable"
	kindGone        = "gone"
)

type tombstoneModel struct {
	bun.BaseModel `bun:"table:fleet_tombstones"`

	NodeID   string    `bun:"node_id,pk"`
	Kind     string    `bun:"kind,pk"`
	MarkedAt time.Time `bun:"marked_at,notnull"`
}

func fromTombstoneModel(m *tombstoneModel) (registry.Tombstone, error) {
	nid, err := id.ParseNodeID(m.NodeID)
	if err != nil {
		return registry.Tombstone{}, fmt.Errorf("fleet/bunstore: parse tombstone node id: %w", err)
	}
	return registry.Tombstone{NodeID: nid, Time: m.MarkedAt.UTC()}, nil
}

// ── Leadership model ──────────────────────────────────────────────

// leadershipModel is a single-row lease; the singleton column's primary
// key keeps it that way.
type leadershipModel struct {
	bun.BaseModel `bun:"table:fleet_leadership"`

	Singleton     bool      `bun:"singleton,pk"`
	CoordinatorID string    `bun:"coordinator_id,notnull"`
	LeaderUntil   time.Time `bun:"leader_until,notnull"`
}
