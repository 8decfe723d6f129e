// Package remember defines the remember-entities boundary: a durable record
// of which entity keys exist within each shard, used to recreate entities
// after a shard restarts. Backends: memory (here), Redis (adapters/redis),
// NATS JetStream KV (adapters/nats).
package remember

import (
	"context"

	"github.com/codewandler/shardr-go/core/sharding"
)

// Store records entity existence per shard. A nil Store disables
// remember-entities.
type Store interface {
	// Entities returns the remembered entity keys of a shard. An unknown
	// shard yields an empty set, not an error.
	Entities(ctx context.Context, shard sharding.ShardKey) ([]sharding.EntityKey, error)

	// Add records that an entity exists within a shard. Idempotent.
	Add(ctx context.Context, shard sharding.ShardKey, entity sharding.EntityKey) error

	// Remove forgets an entity. Idempotent.
	Remove(ctx context.Context, shard sharding.ShardKey, entity sharding.EntityKey) error
}
