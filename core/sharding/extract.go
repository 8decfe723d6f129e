package sharding

import (
	"encoding/binary"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

type (
	// Extractor derives routing keys from application messages. Both methods
	// must be deterministic and stable across the cluster's lifetime for a
	// given message type; returning false marks the message undeliverable.
	Extractor interface {
		// ExtractEntityKey returns the target entity and the payload that
		// should be delivered to it.
		ExtractEntityKey(msg any) (EntityKey, any, bool)

		// ExtractShardKey returns the partition the message belongs to.
		ExtractShardKey(msg any) (ShardKey, bool)
	}

	// EntityKeyFunc extracts the entity key and deliverable payload from a
	// message.
	EntityKeyFunc func(msg any) (EntityKey, any, bool)

	// HashExtractor derives shard keys by hashing the entity key into a fixed
	// shard space. This is the common case: callers only supply the entity
	// key function.
	HashExtractor struct {
		NumShards uint32
		Seed      string
		EntityKey EntityKeyFunc
	}
)

func (e HashExtractor) ExtractEntityKey(msg any) (EntityKey, any, bool) {
	return e.EntityKey(msg)
}

func (e HashExtractor) ExtractShardKey(msg any) (ShardKey, bool) {
	key, _, ok := e.EntityKey(msg)
	if !ok {
		return "", false
	}
	return ShardKeyForEntity(key, e.NumShards, e.Seed), true
}

var _ Extractor = HashExtractor{}

// ShardKeyForEntity maps an entity key onto one of numShards partitions.
// The mapping is stable across processes and restarts for a given seed.
func ShardKeyForEntity(key EntityKey, numShards uint32, seed string) ShardKey {
	if numShards == 0 {
		return "0"
	}
	h, _ := blake2b.New(8, nil)
	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}
	h.Write([]byte(key))
	sum := h.Sum(nil)
	v := binary.BigEndian.Uint64(sum)
	return ShardKey(strconv.FormatUint(v%uint64(numShards), 10))
}
