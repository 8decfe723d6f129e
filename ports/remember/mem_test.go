package remember

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardr-go/core/sharding"
)

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	keys, err := s.Entities(ctx, "shard-1")
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, s.Add(ctx, "shard-1", "a"))
	require.NoError(t, s.Add(ctx, "shard-1", "b"))
	require.NoError(t, s.Add(ctx, "shard-1", "a")) // idempotent
	require.NoError(t, s.Add(ctx, "shard-2", "c"))

	keys, err = s.Entities(ctx, "shard-1")
	require.NoError(t, err)
	require.Equal(t, []sharding.EntityKey{"a", "b"}, keys)

	require.NoError(t, s.Remove(ctx, "shard-1", "a"))
	require.NoError(t, s.Remove(ctx, "shard-1", "missing"))

	keys, err = s.Entities(ctx, "shard-1")
	require.NoError(t, err)
	require.Equal(t, []sharding.EntityKey{"b"}, keys)

	keys, err = s.Entities(ctx, "shard-2")
	require.NoError(t, err)
	require.Equal(t, []sharding.EntityKey{"c"}, keys)
}
