// Package etcdstore implements registry.Store backed by etcd.
//
// Like the Redis backend, the whole membership set lives as one encoded
// registry.Envelope under a single key, but atomicity does not rely on
// the single-leader contract: each Apply is a compare-and-swap
// transaction on the key's mod revision, retried a few times on
// conflict. The leadership lease maps onto an etcd lease attached to
// the leader key, renewed with keep-alives.
//
// Usage:
//
//	client, err := clientv3.New(clientv3.Config{Endpoints: []string{"localhost:2379"}})
//	store := etcdstore.New(client)
package etcdstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/registry"
)

// Compile-time interface check.
var _ registry.Store = (*Store)(nil)

const (
	defaultKeyPrefix = "/fleet/"

	// casAttempts bounds the compare-and-swap retry loop in Apply.
	// Conflicts only arise during leadership handover, so the loop
	// terminates almost immediately in practice.
	casAttempts = 5
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCodec selects the envelope serialization format. Defaults to JSON.
func WithCodec(c registry.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithKeyPrefix overrides the "/fleet/" key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements registry.Store backed by etcd.
type Store struct {
	client *clientv3.Client
	codec  registry.Codec
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID // leadership lease, 0 when not held
	closed  bool
}

// New creates an etcd-backed registry store. The caller owns the etcd
// client lifecycle.
func New(client *clientv3.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		codec:  &registry.JSONCodec{},
		prefix: defaultKeyPrefix,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) registryKey() string { return s.prefix + "registry" }
func (s *Store) leaderKey() string   { return s.prefix + "leader" }

// Apply records one membership mutation with a mod-revision CAS on the
// registry key.
func (s *Store) Apply(ctx context.Context, op *registry.Operation) error {
	if s.isClosed() {
		return fmt.Errorf("fleet/etcdstore: apply: %w", fleet.ErrStoreClosed)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		snap, modRev, err := s.fetch(ctx)
		if err != nil {
			return fmt.Errorf("fleet/etcdstore: apply fetch: %w", err)
		}
		if err := registry.ApplyToSnapshot(snap, op); err != nil {
			return err
		}

		data, err := s.codec.Encode(registry.NewEnvelope(snap, time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("fleet/etcdstore: apply encode: %w", err)
		}

		// CreateRevision == 0 compares "key absent" for the first write;
		// otherwise the mod revision must still match what we read.
		cmp := clientv3.Compare(clientv3.CreateRevision(s.registryKey()), "=", 0)
		if modRev > 0 {
			cmp = clientv3.Compare(clientv3.ModRevision(s.registryKey()), "=", modRev)
		}

		resp, err := s.client.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(s.registryKey(), string(data))).
			Commit()
		if err != nil {
			return fmt.Errorf("fleet/etcdstore: apply txn: %w", err)
		}
		if resp.Succeeded {
			return nil
		}
		s.logger.Debug("registry apply conflicted, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("fleet/etcdstore: apply: %d conflicting writes: %w", casAttempts, fleet.ErrRegistryUnavailable)
}

// FetchAll returns the full membership set.
func (s *Store) FetchAll(ctx context.Context) (*registry.Snapshot, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("fleet/etcdstore: fetch: %w", fleet.ErrStoreClosed)
	}
	snap, _, err := s.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet/etcdstore: fetch: %w", err)
	}
	return snap, nil
}

// fetch loads the stored envelope and its mod revision. A missing key
// is an empty registry with revision 0.
func (s *Store) fetch(ctx context.Context) (*registry.Snapshot, int64, error) {
	resp, err := s.client.Get(ctx, s.registryKey())
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Kvs) == 0 {
		return &registry.Snapshot{}, 0, nil
	}
	kv := resp.Kvs[0]
	env, err := s.codec.Decode(kv.Value)
	if err != nil {
		return nil, 0, err
	}
	return env.Snapshot(), kv.ModRevision, nil
}

// ── leadership ──

// AcquireLeadership grants an etcd lease for the TTL and claims the
// leader key with a create-revision transaction.
func (s *Store) AcquireLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	if s.isClosed() {
		return false, fmt.Errorf("fleet/etcdstore: acquire leadership: %w", fleet.ErrStoreClosed)
	}

	grant, err := s.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("fleet/etcdstore: acquire leadership grant: %w", err)
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(s.leaderKey()), "=", 0)).
		Then(clientv3.OpPut(s.leaderKey(), coordID.String(), clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(s.leaderKey())).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return false, fmt.Errorf("fleet/etcdstore: acquire leadership txn: %w", err)
	}

	if resp.Succeeded {
		s.setLeaseID(grant.ID)
		return true, nil
	}

	// Key exists. If we are already the leader, keep the existing lease
	// alive instead of replacing it.
	s.revoke(grant.ID)
	kvs := resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) > 0 && string(kvs[0].Value) == coordID.String() {
		return s.RenewLeadership(ctx, coordID, ttl)
	}
	return false, nil
}

// RenewLeadership keep-alives the lease attached to the leader key.
func (s *Store) RenewLeadership(ctx context.Context, coordID id.CoordinatorID, _ time.Duration) (bool, error) {
	leaseID := s.getLeaseID()
	if leaseID == 0 {
		return false, nil
	}

	if _, err := s.client.KeepAliveOnce(ctx, leaseID); err != nil {
		// The lease may have expired server-side. If someone else now
		// holds the key, the lease is simply gone, not a backend fault.
		current, gErr := s.GetLeader(ctx)
		if gErr == nil && current != coordID {
			s.setLeaseID(0)
			return false, nil
		}
		return false, fmt.Errorf("fleet/etcdstore: renew leadership: %w", err)
	}
	return true, nil
}

// GetLeader returns the current leader, or id.Nil if the key is absent.
func (s *Store) GetLeader(ctx context.Context) (id.CoordinatorID, error) {
	resp, err := s.client.Get(ctx, s.leaderKey())
	if err != nil {
		return id.Nil, fmt.Errorf("fleet/etcdstore: get leader: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return id.Nil, nil
	}
	coordID, err := id.ParseCoordinatorID(string(resp.Kvs[0].Value))
	if err != nil {
		return id.Nil, fmt.Errorf("fleet/etcdstore: get leader parse: %w", err)
	}
	return coordID, nil
}

// Close revokes a held leadership lease so the next election does not
// wait out the TTL. The caller owns the etcd client lifecycle.
func (s *Store) Close() error {
	s.mu.Lock()
	leaseID := s.leaseID
	s.leaseID = 0
	s.closed = true
	s.mu.Unlock()

	if leaseID != 0 {
		s.revoke(leaseID)
	}
	return nil
}

func (s *Store) revoke(leaseID clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.client.Revoke(ctx, leaseID); err != nil {
		s.logger.Debug("failed to revoke lease", "lease_id", int64(leaseID), "error", err)
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) getLeaseID() clientv3.LeaseID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseID
}

func (s *Store) setLeaseID(leaseID clientv3.LeaseID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseID = leaseID
}

// ttlSeconds converts a duration to etcd's whole-second lease TTL,
// rounding up so short TTLs never grant a zero-second lease.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
