package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardr-go/core/sharding"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStoreFromClient(client, "test:remember")
}

func TestStore_AddRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	shard := sharding.ShardKey("shard-3")

	keys, err := store.Entities(ctx, shard)
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, store.Add(ctx, shard, "order-9"))
	require.NoError(t, store.Add(ctx, shard, "order-1"))
	require.NoError(t, store.Add(ctx, shard, "order-9")) // idempotent

	keys, err = store.Entities(ctx, shard)
	require.NoError(t, err)
	require.Equal(t, []sharding.EntityKey{"order-1", "order-9"}, keys)

	require.NoError(t, store.Remove(ctx, shard, "order-1"))
	require.NoError(t, store.Remove(ctx, shard, "missing")) // absent is fine

	keys, err = store.Entities(ctx, shard)
	require.NoError(t, err)
	require.Equal(t, []sharding.EntityKey{"order-9"}, keys)
}

func TestStore_ShardsIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.Add(ctx, "shard-1", "a"))
	require.NoError(t, store.Add(ctx, "shard-2", "b"))

	keys, err := store.Entities(ctx, "shard-1")
	require.NoError(t, err)
	require.Equal(t, []sharding.EntityKey{"a"}, keys)

	keys, err = store.Entities(ctx, "shard-2")
	require.NoError(t, err)
	require.Equal(t, []sharding.EntityKey{"b"}, keys)
}
