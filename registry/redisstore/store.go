// Package redisstore implements registry.Store backed by Redis.
//
// The whole membership set is persisted as one encoded registry.Envelope
// under a single key, rewritten on every Apply. That trades write
// amplification for a trivially consistent FetchAll, which fits the
// registry's access pattern: one fetch per leadership acquisition,
// writes only from the single leading coordinator. The leadership lease
// itself is a SET NX key with a server-side TTL.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := redisstore.New(client)
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/id"
	"github.com/xraph/fleet/registry"
)

// Compile-time interface check.
var _ registry.Store = (*Store)(nil)

const defaultKeyPrefix = "fleet:"

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

// WithKeyPrefix overrides the "fleet:" key prefix, for sharing one Redis
// database between clusters.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements registry.Store backed by Redis.
type Store struct {
	client goredis.Cmdable
	codec  registry.Codec
	prefix string
	logger *slog.Logger

	// mu serializes the read-modify-write in Apply. Cross-process
	// atomicity comes from the single-leader contract: only the
	// coordinator holding the leadership lease writes the registry.
	mu     sync.Mutex
	closed bool
}

// New creates a Redis-backed registry store. The caller owns the Redis
// client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
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

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Apply records one membership mutation by rewriting the stored envelope.
func (s *Store) Apply(ctx context.Context, op *registry.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("fleet/redisstore: apply: %w", fleet.ErrStoreClosed)
	}

	snap, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("fleet/redisstore: apply fetch: %w", err)
	}
	if err := registry.ApplyToSnapshot(snap, op); err != nil {
		return err
	}

	data, err := s.codec.Encode(registry.NewEnvelope(snap, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("fleet/redisstore: apply encode: %w", err)
	}
	if err := s.client.Set(ctx, s.registryKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("fleet/redisstore: apply set: %w", err)
	}
	return nil
}

// FetchAll returns the full membership set.
func (s *Store) FetchAll(ctx context.Context) (*registry.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("fleet/redisstore: fetch: %w", fleet.ErrStoreClosed)
	}

	snap, err := s.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet/redisstore: fetch: %w", err)
	}
	return snap, nil
}

// fetch loads and decodes the stored envelope. A missing key is an
// empty registry. Callers hold s.mu.
func (s *Store) fetch(ctx context.Context) (*registry.Snapshot, error) {
	data, err := s.client.Get(ctx, s.registryKey()).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return &registry.Snapshot{}, nil
		}
		return nil, err
	}
	env, err := s.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	return env.Snapshot(), nil
}

// ── leadership ──

// AcquireLeadership attempts SET NX with a TTL; on conflict it checks
// whether this coordinator already holds the key and extends it.
func (s *Store) AcquireLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	cID := coordID.String()

	ok, err := s.client.SetNX(ctx, s.leaderKey(), cID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("fleet/redisstore: acquire leadership setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := s.client.Get(ctx, s.leaderKey()).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("fleet/redisstore: acquire leadership get: %w", err)
	}
	if current == cID {
		if eErr := s.client.Expire(ctx, s.leaderKey(), ttl).Err(); eErr != nil {
			s.logger.Warn("failed to extend leader key", "error", eErr)
		}
		return true, nil
	}
	return false, nil
}

// RenewLeadership extends the hold if this coordinator is still leader.
func (s *Store) RenewLeadership(ctx context.Context, coordID id.CoordinatorID, ttl time.Duration) (bool, error) {
	current, err := s.client.Get(ctx, s.leaderKey()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil // lease expired
		}
		return false, fmt.Errorf("fleet/redisstore: renew leadership get: %w", err)
	}
	if current != coordID.String() {
		return false, nil
	}
	if err := s.client.Expire(ctx, s.leaderKey(), ttl).Err(); err != nil {
		return false, fmt.Errorf("fleet/redisstore: renew leadership expire: %w", err)
	}
	return true, nil
}

// GetLeader returns the current leader, or id.Nil if the lease is vacant.
func (s *Store) GetLeader(ctx context.Context) (id.CoordinatorID, error) {
	current, err := s.client.Get(ctx, s.leaderKey()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return id.Nil, nil
		}
		return id.Nil, fmt.Errorf("fleet/redisstore: get leader: %w", err)
	}
	coordID, err := id.ParseCoordinatorID(current)
	if err != nil {
		return id.Nil, fmt.Errorf("fleet/redisstore: get leader parse: %w", err)
	}
	return coordID, nil
}

// Close marks the store closed. The caller owns the Redis client
// lifecycle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
