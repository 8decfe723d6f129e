package remember

import (
	"context"
	"sync"

	"github.com/codewandler/shardr-go/core/ds"
	"github.com/codewandler/shardr-go/core/sharding"
)

// MemStore keeps remembered entities in process memory. Suitable for tests
// and for deployments that accept losing the remembered set on restart.
type MemStore struct {
	mu     sync.RWMutex
	shards map[sharding.ShardKey]*ds.Set[sharding.EntityKey]
}

func NewMemStore() *MemStore {
	return &MemStore{shards: map[sharding.ShardKey]*ds.Set[sharding.EntityKey]{}}
}

func (m *MemStore) Entities(_ context.Context, shard sharding.ShardKey) ([]sharding.EntityKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.shards[shard]
	if !ok {
		return nil, nil
	}
	return set.Values(), nil
}

func (m *MemStore) Add(_ context.Context, shard sharding.ShardKey, entity sharding.EntityKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.shards[shard]
	if !ok {
		set = ds.NewSet[sharding.EntityKey]()
		m.shards[shard] = set
	}
	set.Add(entity)
	return nil
}

func (m *MemStore) Remove(_ context.Context, shard sharding.ShardKey, entity sharding.EntityKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.shards[shard]; ok {
		set.Remove(entity)
	}
	return nil
}

var _ Store = (*MemStore)(nil)
