// Package mongostore implements registry.Store on MongoDB.
//
// Nodes keep their JSON-encoded record inside a document keyed by node
// ID; tombstones are one document per (node, kind) with a unique index.
// Transitions that touch both collections are not wrapped in a session,
// so they rely on the single-writer contract: only the leading
// coordinator applies operations, and a crash between the writes is
// repaired by the reconciliation the next leader runs after replay.
//
// Usage:
//
//	client, err := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
//	store := mongostore.New(client.Database("fleet"))
//	if err := store.Migrate(ctx); err != nil { ... }
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/registry"
)

// Compile-time interface check.
var _ registry.Store = (*Store)(nil)

const (
	colNodes      = "fleet_nodes"
	colTombstones = "fleet_tombstones"
	colLeadership = "fleet_leadership"

	kindUnreachable = "unreachable"
	kindGone        = "gone"

	leaderDocID = "leader"
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements registry.Store on MongoDB. The caller owns the
// client lifecycle.
type Store struct {
	db     *mongo.Database
	logger *slog.Logger
}

// New creates a MongoDB-backed registry store.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the tombstone uniqueness index. Collections themselves
// are created lazily on first write.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Collection(colTombstones).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "node_id", Value: 1}, {Key: "kind", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("fleet/mongostore: create tombstone index: %v: %w", err, fleet.ErrMigrationFailed)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op; the caller owns the client lifecycle.
func (s *Store) Close() error { return nil }

// ── documents ──

type nodeDoc struct {
	ID        string    `bson:"_id"`
	Record    string    `bson:"record"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type tombstoneDoc struct {
	NodeID   string    `bson:"node_id"`
	Kind     string    `bson:"kind"`
	MarkedAt time.Time `bson:"marked_at"`
}

type leadershipDoc struct {
	ID            string    `bson:"_id"`
	CoordinatorID string    `bson:"coordinator_id"`
	LeaderUntil   time.Time `bson:"leader_until"`
}

// ── membership ──

// Apply records one membership mutation.
func (s *Store) Apply(ctx context.Context, op *registry.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	switch op.Type {
	case registry.OpAddNode:
		return s.upsertNode(ctx, op.Node)
	case registry.OpMarkUnreachable:
		return s.markUnreachable(ctx, op.NodeID, op.Time)
	case registry.OpMarkReachable:
		return s.markReachable(ctx, op.Node)
	case registry.OpRemoveNode:
		return s.removeNode(ctx, op.NodeID)
	case registry.OpMarkGone:
		return s.markGone(ctx, op.NodeID, op.Time)
	case registry.OpPruneUnreachable:
		return s.pruneTombstones(ctx, kindUnreachable, op.NodeIDs)
	case registry.OpPruneGone:
		return s.pruneTombstones(ctx, kindGone, op.NodeIDs)
	}
	return nil
}

func (s *Store) upsertNode(ctx context.Context, n *node.Node) error {
	record, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("fleet/mongostore: marshal node: %w", err)
	}
	doc := nodeDoc{ID: n.ID.String(), Record: string(record), UpdatedAt: time.Now().UTC()}

	_, err = s.db.Collection(colNodes).ReplaceOne(ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("fleet/mongostore: upsert node: %w", err)
	}
	return nil
}

func (s *Store) markUnreachable(ctx context.Context, nodeID id.NodeID, t time.Time) error {
	res, err := s.db.Collection(colNodes).DeleteOne(ctx, bson.M{"_id": nodeID.String()})
	if err != nil {
		return fmt.Errorf("fleet/mongostore: mark unreachable delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("fleet/mongostore: mark unreachable %s: %w", nodeID, fleet.ErrNodeNotFound)
	}

	_, err = s.db.Collection(colTombstones).InsertOne(ctx, tombstoneDoc{
		NodeID:   nodeID.String(),
		Kind:     kindUnreachable,
		MarkedAt: t.UTC(),
	})
	if err != nil {
		return fmt.Errorf("fleet/mongostore: mark unreachable insert: %w", err)
	}
	return nil
}

func (s *Store) markReachable(ctx context.Context, n *node.Node) error {
	res, err := s.db.Collection(colTombstones).DeleteOne(ctx, bson.M{
		"node_id": n.ID.String(),
		"kind":    kindUnreachable,
	})
	if err != nil {
		return fmt.Errorf("fleet/mongostore: mark reachable delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("fleet/mongostore: mark reachable %s: %w", n.ID, fleet.ErrNodeNotFound)
	}
	return s.upsertNode(ctx, n)
}

func (s *Store) removeNode(ctx context.Context, nodeID id.NodeID) error {
	res, err := s.db.Collection(colNodes).DeleteOne(ctx, bson.M{"_id": nodeID.String()})
	if err != nil {
		return fmt.Errorf("fleet/mongostore: remove node: %w", err)
	}
	if res.DeletedCount > 0 {
		return nil
	}

	res, err = s.db.Collection(colTombstones).DeleteOne(ctx, bson.M{
		"node_id": nodeID.String(),
		"kind":    kindUnreachable,
	})
	if err != nil {
		return fmt.Errorf("fleet/mongostore: remove tombstone: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("fleet/mongostore: remove %s: %w", nodeID, fleet.ErrNodeNotFound)
	}
	return nil
}

func (s *Store) markGone(ctx context.Context, nodeID id.NodeID, t time.Time) error {
	count, err := s.db.Collection(colTombstones).CountDocuments(ctx, bson.M{
		"node_id": nodeID.String(),
		"kind":    kindGone,
	})
	if err != nil {
		return fmt.Errorf("fleet/mongostore: mark gone check: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("fleet/mongostore: mark gone %s: %w", nodeID, fleet.ErrNodeGone)
	}

	if _, err := s.db.Collection(colNodes).DeleteOne(ctx, bson.M{"_id": nodeID.String()}); err != nil {
		return fmt.Errorf("fleet/mongostore: mark gone delete node: %w", err)
	}
	if _, err := s.db.Collection(colTombstones).DeleteOne(ctx, bson.M{
		"node_id": nodeID.String(),
		"kind":    kindUnreachable,
	}); err != nil {
		return fmt.Errorf("fleet/mongostore: mark gone delete tombstone: %w", err)
	}

	_, err = s.db.Collection(colTombstones).InsertOne(ctx, tombstoneDoc{
		NodeID:   nodeID.String(),
		Kind:     kindGone,
		MarkedAt: t.UTC(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("fleet/mongostore: mark gone %s: %w", nodeID, fleet.ErrNodeGone)
		}
		return fmt.Errorf("fleet/mongostore: mark gone insert: %w", err)
	}
	return nil
}

func (s *Store) pruneTombstones(ctx context.Context, kind string, nodeIDs []id.NodeID) error {
	ids := make([]string, len(nodeIDs))
	for i, nid := range nodeIDs {
		ids[i] = nid.String()
	}
	_, err := s.db.Collection(colTombstones).DeleteMany(ctx, bson.M{
		"kind":    kind,
		"node_id": bson.M{"$in": ids},
	})
	if err != nil {
		return fmt.Errorf("fleet/mongostore: prune %s: %w", kind, err)
	}
	return nil
}

// FetchAll returns the full membership set.
func (s *Store) FetchAll(ctx context.Context) (*registry.Snapshot, error) {
	snap := &registry.Snapshot{}

	cursor, err := s.db.Collection(colNodes).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("fleet/mongostore: fetch nodes: %w", err)
	}
	var nodeDocs []nodeDoc
	if err := cursor.All(ctx, &nodeDocs); err != nil {
		return nil, fmt.Errorf("fleet/mongostore: decode nodes: %w", err)
	}
	for _, doc := range nodeDocs {
		var n node.Node
		if err := json.Unmarshal([]byte(doc.Record), &n); err != nil {
			return nil, fmt.Errorf("fleet/mongostore: unmarshal node %s: %w", doc.ID, err)
		}
		snap.Nodes = append(snap.Nodes, &n)
	}

	if snap.Unreachable, err = s.fetchTombstones(ctx, kindUnreachable); err != nil {
		return nil, err
	}
	if snap.Gone, err = s.fetchTombstones(ctx, kindGone); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) fetchTombstones(ctx context.Context, kind string) ([]registry.Tombstone, error) {
	cursor, err := s.db.Collection(colTombstones).Find(ctx,
		bson.M{"kind": kind},
		options.Find().SetSort(bson.D{{Key: "marked_at", Value: 1}, {Key: "node_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("fleet/mongostore: fetch %s tombstones: %w", kind, err)
	}
	var docs []tombstoneDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("fleet/mongostore: decode %s tombstones: %w", kind, err)
	}

	var out []registry.Tombstone
	for _, doc := range docs {
		nid, err := id.ParseNodeID(doc.NodeID)
		if err != nil {
			return nil, fmt.Errorf("fleet/mongostore: parse tombstone node id: %w", err)
		}
		out = append(out, registry.Tombstone{NodeID: nid, Time: doc.MarkedAt.UTC()})
	}
	return out, nil
}

// ── leadership ──

// AcquireLeadership claims the single leadership document when it is
// vacant, expired, or already ours.
func (s *Store) AcquireLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)
	col := s.db.Collection(colLeadership)

	var current leadershipDoc
	err := col.FindOne(ctx, bson.M{"_id": leaderDocID}).Decode(&current)
	if err != nil {
		if !isNoDocuments(err) {
			return false, fmt.Errorf("fleet/mongostore: acquire leadership find: %w", err)
		}
		_, iErr := col.InsertOne(ctx, leadershipDoc{
			ID:            leaderDocID,
			CoordinatorID: coordID.String(),
			LeaderUntil:   until,
		})
		if iErr != nil {
			if mongo.IsDuplicateKeyError(iErr) {
				return false, nil // lost the insert race
			}
			return false, fmt.Errorf("fleet/mongostore: acquire leadership insert: %w", iErr)
		}
		return true, nil
	}

	if current.CoordinatorID != coordID.String() && current.LeaderUntil.After(now) {
		return false, nil
	}

	// Claim with the observed holder in the filter so a concurrent
	// claim cannot be overwritten.
	res, err := col.UpdateOne(ctx,
		bson.M{"_id": leaderDocID, "coordinator_id": current.CoordinatorID, "leader_until": current.LeaderUntil},
		bson.M{"$set": bson.M{"coordinator_id": coordID.String(), "leader_until": until}},
	)
	if err != nil {
		return false, fmt.Errorf("fleet/mongostore: claim leadership: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// RenewLeadership extends the hold if this coordinator's lease is still live.
func (s *Store) RenewLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	res, err := s.db.Collection(colLeadership).UpdateOne(ctx,
		bson.M{
			"_id":            leaderDocID,
			"coordinator_id": coordID.String(),
			"leader_until":   bson.M{"$gte": now},
		},
		bson.M{"$set": bson.M{"leader_until": now.Add(ttl)}},
	)
	if err != nil {
		return false, fmt.Errorf("fleet/mongostore: renew leadership: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// GetLeader returns the current leader, or id.Nil if the lease is
// vacant or expired.
func (s *Store) GetLeader(ctx context.Context) (id.CoordinatorID, error) {
	var doc leadershipDoc
	err := s.db.Collection(colLeadership).FindOne(ctx, bson.M{
		"_id":          leaderDocID,
		"leader_until": bson.M{"$gte": time.Now().UTC()},
	}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return id.Nil, nil
		}
		return id.Nil, fmt.Errorf("fleet/mongostore: get leader: %w", err)
	}
	coordID, err := id.ParseCoordinatorID(doc.CoordinatorID)
	if err != nil {
		return id.Nil, fmt.Errorf("fleet/mongostore: get leader parse: %w", err)
	}
	return coordID, nil
}

// isNoDocuments returns true when err indicates no matching document.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
