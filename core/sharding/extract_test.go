package sharding

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardKeyForEntity_Stable(t *testing.T) {
	first := ShardKeyForEntity("user-42", 32, "")
	for i := 0; i < 100; i++ {
		require.Equal(t, first, ShardKeyForEntity("user-42", 32, ""))
	}
}

func TestShardKeyForEntity_InRange(t *testing.T) {
	const numShards = 16
	for i := 0; i < 1000; i++ {
		key := ShardKeyForEntity(EntityKey("e-"+strconv.Itoa(i)), numShards, "")
		n, err := strconv.ParseUint(string(key), 10, 64)
		require.NoError(t, err)
		require.Less(t, n, uint64(numShards))
	}
}

func TestShardKeyForEntity_SeedChangesMapping(t *testing.T) {
	differs := false
	for i := 0; i < 50 && !differs; i++ {
		key := EntityKey("e-" + strconv.Itoa(i))
		differs = ShardKeyForEntity(key, 64, "a") != ShardKeyForEntity(key, 64, "b")
	}
	require.True(t, differs, "seeds a and b should map some entity differently")
}

func TestShardKeyForEntity_SpreadsEntities(t *testing.T) {
	const numShards = 8
	seen := map[ShardKey]bool{}
	for i := 0; i < 200; i++ {
		seen[ShardKeyForEntity(EntityKey("e-"+strconv.Itoa(i)), numShards, "")] = true
	}
	require.Greater(t, len(seen), numShards/2, "hash should use most of the shard space")
}

func TestShardKeyForEntity_ZeroShards(t *testing.T) {
	require.Equal(t, ShardKey("0"), ShardKeyForEntity("anything", 0, ""))
}

func TestHashExtractor(t *testing.T) {
	type ping struct{ User string }
	e := HashExtractor{
		NumShards: 8,
		EntityKey: func(msg any) (EntityKey, any, bool) {
			p, ok := msg.(ping)
			if !ok {
				return "", nil, false
			}
			return EntityKey(p.User), p, true
		},
	}

	entity, payload, ok := e.ExtractEntityKey(ping{User: "u1"})
	require.True(t, ok)
	require.Equal(t, EntityKey("u1"), entity)
	require.Equal(t, ping{User: "u1"}, payload)

	shard, ok := e.ExtractShardKey(ping{User: "u1"})
	require.True(t, ok)
	require.Equal(t, ShardKeyForEntity("u1", 8, ""), shard)

	_, ok = e.ExtractShardKey("not a ping")
	require.False(t, ok)
}
