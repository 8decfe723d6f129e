// Package redis implements the remember-entities store on a Redis set per
// shard.
package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/ports/remember"
)

type Config struct {
	Addr     string // host:port, defaults to localhost:6379
	Password string
	DB       int
	// KeyPrefix namespaces the per-shard keys, defaults to "shardr:remember".
	KeyPrefix string
}

// Store keeps each shard's remembered entities in a Redis set. SADD and SREM
// are idempotent, matching the at-least-once delivery of the sharding layer.
type Store struct {
	client *redis.Client
	prefix string
	owned  bool
}

func NewStore(cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	s := NewStoreFromClient(client, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewStoreFromClient wraps an existing client. The caller keeps ownership and
// Close becomes a no-op.
func NewStoreFromClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "shardr:remember"
	}
	return &Store{client: client, prefix: keyPrefix}
}

func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) key(shard sharding.ShardKey) string {
	return s.prefix + ":" + string(shard)
}

func (s *Store) Entities(ctx context.Context, shard sharding.ShardKey) ([]sharding.EntityKey, error) {
	members, err := s.client.SMembers(ctx, s.key(shard)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read entity set for shard %s: %w", shard, err)
	}
	// SMEMBERS order is unspecified, sort for deterministic recovery.
	sort.Strings(members)
	out := make([]sharding.EntityKey, len(members))
	for i, m := range members {
		out[i] = sharding.EntityKey(m)
	}
	return out, nil
}

func (s *Store) Add(ctx context.Context, shard sharding.ShardKey, entity sharding.EntityKey) error {
	if err := s.client.SAdd(ctx, s.key(shard), string(entity)).Err(); err != nil {
		return fmt.Errorf("redis: add entity %s to shard %s: %w", entity, shard, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, shard sharding.ShardKey, entity sharding.EntityKey) error {
	if err := s.client.SRem(ctx, s.key(shard), string(entity)).Err(); err != nil {
		return fmt.Errorf("redis: remove entity %s from shard %s: %w", entity, shard, err)
	}
	return nil
}

var _ remember.Store = (*Store)(nil)
