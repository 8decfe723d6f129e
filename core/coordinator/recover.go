package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/core/transport"
	"github.com/codewandler/shardr-go/ports/journal"
)

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func encode(v any) ([]byte, error) { return json.Marshal(v) }

// recover rebuilds the allocation table from the journal before any request
// is served. Shards whose last event is handoff-started come back
// unallocated: favoring reallocation over blocking on an owner that may no
// longer exist.
func (c *Coordinator) recover(ctx context.Context) error {
	return c.journal.Replay(ctx, 0, func(e journal.Entry) error {
		ev, err := c.registry.Decode(e)
		if err != nil {
			return fmt.Errorf("decode entry %d: %w", e.Seq, err)
		}
		switch ev := ev.(type) {
		case *ShardHomeAllocated:
			c.allocations[ev.Shard] = ev.Region
		case *ShardHandoffStarted:
			delete(c.allocations, ev.Shard)
		case *ShardHomeDeallocated:
			delete(c.allocations, ev.Shard)
		default:
			return fmt.Errorf("unexpected event %T at seq %d", ev, e.Seq)
		}
		return nil
	})
}

// handle serves the coordinator protocol over the transport. Duplicate
// deliveries are harmless: every operation is idempotent.
func (c *Coordinator) handle(ctx context.Context, env transport.Envelope) ([]byte, error) {
	switch env.Type {
	case sharding.MsgRegisterRegion:
		var m sharding.RegisterRegion
		if err := decode(env.Data, &m); err != nil {
			return nil, err
		}
		if err := c.RegisterRegion(ctx, m.Region); err != nil {
			return nil, err
		}
		return encode(sharding.RegisterRegionAck{})

	case sharding.MsgGetShardHome:
		var m sharding.GetShardHome
		if err := decode(env.Data, &m); err != nil {
			return nil, err
		}
		home, err := c.GetShardHome(ctx, m.Shard, m.Requester)
		if err != nil {
			return nil, err
		}
		return encode(home)

	case sharding.MsgShardStarted:
		var m sharding.ShardStarted
		if err := decode(env.Data, &m); err != nil {
			return nil, err
		}
		return nil, c.ShardStarted(ctx, m.Shard, m.Region)

	case sharding.MsgShardStopped:
		var m sharding.ShardStopped
		if err := decode(env.Data, &m); err != nil {
			return nil, err
		}
		return nil, c.ShardStopped(ctx, m.Shard, m.Region)

	case sharding.MsgGracefulShutdown:
		var m sharding.GracefulShutdown
		if err := decode(env.Data, &m); err != nil {
			return nil, err
		}
		n, err := c.RequestGracefulShutdown(ctx, m.Region)
		if err != nil {
			return nil, err
		}
		return encode(sharding.GracefulShutdownAck{Shards: n})

	default:
		return nil, fmt.Errorf("coordinator: unknown message type %q", env.Type)
	}
}
