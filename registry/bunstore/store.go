// Package bunstore implements registry.Store on Bun, working against
// either the PostgreSQL or SQLite dialect. Membership is relational
// like the pgx backend, but the schema and every query go through Bun's
// query builder so the same store serves embedded single-binary
// deployments (SQLite) and shared databases (PostgreSQL).
//
// Usage:
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	if err := store.Migrate(ctx); err != nil { ... }
package bunstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/node"
	"github.com/xraph/fleet/registry"
)

// Compile-time interface check.
var _ registry.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements registry.Store on Bun. The caller owns the *bun.DB
// lifecycle; Store never closes it.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
}

// New creates a Bun-backed registry store.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate creates the registry tables. Built with the query builder so
// the schema renders correctly for whichever dialect the DB carries.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*nodeModel)(nil),
		(*tombstoneModel)(nil),
		(*leadershipModel)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("fleet/bunstore: create table: %v: %w", err, fleet.ErrMigrationFailed)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error { return nil }

// ── membership ──

// Apply records one membership mutation inside a transaction.
func (s *Store) Apply(ctx context.Context, op *registry.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		switch op.Type {
		case registry.OpAddNode:
			return upsertNode(ctx, tx, op.Node)
		case registry.OpMarkUnreachable:
			return markUnreachable(ctx, tx, op.NodeID, op.Time)
		case registry.OpMarkReachable:
			return markReachable(ctx, tx, op.Node)
		case registry.OpRemoveNode:
			return removeNode(ctx, tx, op.NodeID)
		case registry.OpMarkGone:
			return markGone(ctx, tx, op.NodeID, op.Time)
		case registry.OpPruneUnreachable:
			return pruneTombstones(ctx, tx, kindUnreachable, op.NodeIDs)
		case registry.OpPruneGone:
			return pruneTombstones(ctx, tx, kindGone, op.NodeIDs)
		}
		return nil
	})
}

func upsertNode(ctx context.Context, tx bun.Tx, n *node.Node) error {
	m, err := toNodeModel(n)
	if err != nil {
		return err
	}
	_, err = tx.NewInsert().
		Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("record = EXCLUDED.record").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("fleet/bunstore: upsert node: %w", err)
	}
	return nil
}

func markUnreachable(ctx context.Context, tx bun.Tx, nodeID id.NodeID, t time.Time) error {
	res, err := tx.NewDelete().
		Model((*nodeModel)(nil)).
		Where("id = ?", nodeID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("fleet/bunstore: mark unreachable delete: %w", err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("fleet/bunstore: mark unreachable %s: %w", nodeID, fleet.ErrNodeNotFound)
	}

	m := &tombstoneModel{NodeID: nodeID.String(), Kind: kindUnreachable, MarkedAt: t.UTC()}
	if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("fleet/bunstore: mark unreachable insert: %w", err)
	}
	return nil
}

func markReachable(ctx context.Context, tx bun.Tx, n *node.Node) error {
	res, err := tx.NewDelete().
		Model((*tombstoneModel)(nil)).
		Where("node_id = ?", n.ID.String()).
		Where("kind = ?", kindUnreachable).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("fleet/bunstore: mark reachable delete: %w", err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("fleet/bunstore: mark reachable %s: %w", n.ID, fleet.ErrNodeNotFound)
	}
	return upsertNode(ctx, tx, n)
}

func removeNode(ctx context.Context, tx bun.Tx, nodeID id.NodeID) error {
	res, err := tx.NewDelete().
		Model((*nodeModel)(nil)).
		Where("id = ?", nodeID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("fleet/bunstore: remove node: %w", err)
	}
	if affected(res) > 0 {
		return nil
	}

	res, err = tx.NewDelete().
		Model((*tombstoneModel)(nil)).
		Where("node_id = ?", nodeID.String()).
		Where("kind = ?", kindUnreachable).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("fleet/bunstore: remove tombstone: %w", err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("fleet/bunstore: remove %s: %w", nodeID, fleet.ErrNodeNotFound)
	}
	return nil
}

func markGone(ctx context.Context, tx bun.Tx, nodeID id.NodeID, t time.Time) error {
	exists, err := tx.NewSelect().
		Model((*tombstoneModel)(nil)).
		Where("node_id = ?", nodeID.String()).
		Where("kind = ?", kindGone).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("fleet/bunstore: mark gone check: %w", err)
	}
	if exists {
		return fmt.Errorf("fleet/bunstore: mark gone %s: %w", nodeID, fleet.ErrNodeGone)
	}

	if _, err := tx.NewDelete().
		Model((*nodeModel)(nil)).
		Where("id = ?", nodeID.String()).
		Exec(ctx); err != nil {
		return fmt.Errorf("fleet/bunstore: mark gone delete node: %w", err)
	}
	if _, err := tx.NewDelete().
		Model((*tombstoneModel)(nil)).
		Where("node_id = ?", nodeID.String()).
		Where("kind = ?", kindUnreachable).
		Exec(ctx); err != nil {
		return fmt.Errorf("fleet/bunstore: mark gone delete tombstone: %w", err)
	}

	m := &tombstoneModel{NodeID: nodeID.String(), Kind: kindGone, MarkedAt: t.UTC()}
	if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("fleet/bunstore: mark gone insert: %w", err)
	}
	return nil
}

func pruneTombstones(ctx context.Context, tx bun.Tx, kind string, nodeIDs []id.NodeID) error {
	ids := make([]string, len(nodeIDs))
	for i, nid := range nodeIDs {
		ids[i] = nid.String()
	}
	_, err := tx.NewDelete().
		Model((*tombstoneModel)(nil)).
		Where("kind = ?", kind).
		Where("node_id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("fleet/bunstore: prune %s: %w", kind, err)
	}
	return nil
}

// FetchAll returns the full membership set.
func (s *Store) FetchAll(ctx context.Context) (*registry.Snapshot, error) {
	snap := &registry.Snapshot{}

	var nodeModels []*nodeModel
	if err := s.db.NewSelect().
		Model(&nodeModels).
		Order("id").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("fleet/bunstore: fetch nodes: %w", err)
	}
	for _, m := range nodeModels {
		n, err := fromNodeModel(m)
		if err != nil {
			return nil, err
		}
		snap.Nodes = append(snap.Nodes, n)
	}

	var err error
	if snap.Unreachable, err = s.fetchTombstones(ctx, kindUnreachable); err != nil {
		return nil, err
	}
	if snap.Gone, err = s.fetchTombstones(ctx, kindGone); err != nil {
		return nil, err
	}
	return snap, nil
}

// fetchTombstones returns one archive oldest-first. Tombstone times are
// assigned by the single leading coordinator, so marked_at order is
// append order.
func (s *Store) fetchTombstones(ctx context.Context, kind string) ([]registry.Tombstone, error) {
	var models []*tombstoneModel
	if err := s.db.NewSelect().
		Model(&models).
		Where("kind = ?", kind).
		Order("marked_at", "node_id").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("fleet/bunstore: fetch %s tombstones: %w", kind, err)
	}

	out := make([]registry.Tombstone, 0, len(models))
	for _, m := range models {
		ts, err := fromTombstoneModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// ── leadership ──

// AcquireLeadership claims the single-row lease if it is vacant,
// expired, or already ours. Expiry is compared in Go so the query works
// on both dialects.
func (s *Store) AcquireLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)
	acquired := false

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		current := new(leadershipModel)
		err := tx.NewSelect().Model(current).Where("singleton = ?", true).Scan(ctx)
		switch {
		case isNoRows(err):
			m := &leadershipModel{Singleton: true, CoordinatorID: coordID.String(), LeaderUntil: until}
			if _, iErr := tx.NewInsert().Model(m).Exec(ctx); iErr != nil {
				return fmt.Errorf("fleet/bunstore: acquire leadership insert: %w", iErr)
			}
			acquired = true
			return nil
		case err != nil:
			return fmt.Errorf("fleet/bunstore: acquire leadership select: %w", err)
		}

		if current.CoordinatorID != coordID.String() && current.LeaderUntil.After(now) {
			return nil // another coordinator holds a live lease
		}

		if _, uErr := tx.NewUpdate().
			Model((*leadershipModel)(nil)).
			Set("coordinator_id = ?", coordID.String()).
			Set("leader_until = ?", until).
			Where("singleton = ?", true).
			Exec(ctx); uErr != nil {
			return fmt.Errorf("fleet/bunstore: acquire leadership update: %w", uErr)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// RenewLeadership extends the hold if this coordinator's lease is still live.
func (s *Store) RenewLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	res, err := s.db.NewUpdate().
		Model((*leadershipModel)(nil)).
		Set("leader_until = ?", now.Add(ttl)).
		Where("coordinator_id = ?", coordID.String()).
		Where("leader_until >= ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("fleet/bunstore: renew leadership: %w", err)
	}
	return affected(res) > 0, nil
}

// GetLeader returns the current leader, or id.Nil if the lease is
// vacant or expired.
func (s *Store) GetLeader(ctx context.Context) (id.CoordinatorID, error) {
	m := new(leadershipModel)
	err := s.db.NewSelect().
		Model(m).
		Where("leader_until >= ?", time.Now().UTC()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return id.Nil, nil
		}
		return id.Nil, fmt.Errorf("fleet/bunstore: get leader: %w", err)
	}
	coordID, err := id.ParseCoordinatorID(m.CoordinatorID)
	if err != nil {
		return id.Nil, fmt.Errorf("fleet/bunstore: get leader parse: %w", err)
	}
	return coordID, nil
}
