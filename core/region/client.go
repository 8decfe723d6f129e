package region

import (
	"context"
	"log/slog"
	"time"

	"github.com/codewandler/shardr-go/core/sf"
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/core/transport"
)

// coordClient is the region's view of the coordinator. Shard home lookups go
// through singleflight so a burst of messages for one unresolved shard causes
// a single request.
type coordClient struct {
	t       transport.ClientTransport
	id      sharding.RegionID
	timeout time.Duration
	homes   *sf.Singleflight[sharding.ShardHome]
}

func newCoordClient(t transport.ClientTransport, id sharding.RegionID, timeout time.Duration) *coordClient {
	return &coordClient{
		t:       t,
		id:      id,
		timeout: timeout,
		homes:   sf.New[sharding.ShardHome](),
	}
}

func (c *coordClient) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := transport.Request[sharding.RegisterRegionAck](ctx, c.t, c.id, transport.CoordinatorAddress,
		sharding.RegisterRegion{Region: c.id})
	return err
}

// getShardHome may block beyond the usual timeout while the shard is mid
// handoff, so it uses a wider deadline than the other calls.
func (c *coordClient) getShardHome(ctx context.Context, shard sharding.ShardKey) (sharding.ShardHome, error) {
	home, err := c.homes.Do(string(shard), func() (*sharding.ShardHome, error) {
		ctx, cancel := context.WithTimeout(ctx, 3*c.timeout)
		defer cancel()
		return transport.Request[sharding.ShardHome](ctx, c.t, c.id, transport.CoordinatorAddress,
			sharding.GetShardHome{Shard: shard, Requester: c.id})
	})
	if err != nil {
		return sharding.ShardHome{}, err
	}
	return *home, nil
}

func (c *coordClient) shardStarted(ctx context.Context, shard sharding.ShardKey) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := transport.Request[sharding.RegisterRegionAck](ctx, c.t, c.id, transport.CoordinatorAddress,
		sharding.ShardStarted{Shard: shard, Region: c.id})
	if err != nil {
		slog.Warn("shard-started notification failed",
			slog.String("shard", string(shard)), slog.String("err", err.Error()))
	}
}

// shardStopped retries a few times. The coordinator keeps the shard parked
// until this lands, so losing it would strand buffered senders cluster-wide.
func (c *coordClient) shardStopped(ctx context.Context, shard sharding.ShardKey) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		_, err := transport.Request[sharding.RegisterRegionAck](reqCtx, c.t, c.id, transport.CoordinatorAddress,
			sharding.ShardStopped{Shard: shard, Region: c.id})
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	slog.Error("shard-stopped notification failed",
		slog.String("shard", string(shard)), slog.String("err", lastErr.Error()))
}

func (c *coordClient) gracefulShutdown(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ack, err := transport.Request[sharding.GracefulShutdownAck](ctx, c.t, c.id, transport.CoordinatorAddress,
		sharding.GracefulShutdown{Region: c.id})
	if err != nil {
		return 0, err
	}
	return ack.Shards, nil
}
