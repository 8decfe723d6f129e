package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/core/transport"
	"github.com/codewandler/shardr-go/ports/journal"
)

// beginHandoff starts moving a shard away from its current owner. The
// handoff-started event is persisted before the owner is contacted, so a
// coordinator crash mid-handoff recovers the shard as unallocated rather than
// as owned by a region that may already have dropped it.
func (c *Coordinator) beginHandoff(shard sharding.ShardKey) bool {
	owner, ok := c.allocations[shard]
	if !ok {
		return false
	}
	if _, moving := c.handoffs[shard]; moving {
		return false
	}

	if err := c.append(ShardHandoffStarted{Shard: shard}); err != nil {
		return false
	}

	c.handoffs[shard] = &handoffState{from: owner, since: time.Now()}
	c.log.Info("handoff started", slog.String("shard", string(shard)), slog.String("from", string(owner)))

	// contact the owner off-loop; its confirmation arrives as ShardStopped
	go c.sendBeginHandoff(shard, owner)

	time.AfterFunc(c.handoffTimeout, func() {
		_ = c.post(func() { c.forceRelease(shard, owner) })
	})
	return true
}

func (c *Coordinator) sendBeginHandoff(shard sharding.ShardKey, owner sharding.RegionID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.handoffTimeout)
	defer cancel()

	_, err := transport.Request[sharding.BeginHandoffAck](
		ctx, c.t, transport.CoordinatorAddress, owner,
		sharding.BeginHandoff{Shard: shard},
	)
	if err != nil {
		// the timeout path will force-release; nothing else to do here
		c.log.Warn("begin-handoff not acknowledged",
			slog.String("shard", string(shard)),
			slog.String("region", string(owner)),
			slog.Any("error", err),
		)
	}
}

// shardStopped finalizes a handoff: persist the release, free the shard and
// answer every parked GetShardHome with a fresh allocation. A non-nil cause
// marks a completion the owner never confirmed.
func (c *Coordinator) shardStopped(shard sharding.ShardKey, region sharding.RegionID, cause error) {
	h, ok := c.handoffs[shard]
	if !ok || h.from != region {
		// duplicate or stale confirmation; at-least-once transport makes
		// these normal
		return
	}

	if err := c.append(ShardHomeDeallocated{Shard: shard}); err != nil {
		return
	}

	delete(c.allocations, shard)
	delete(c.handoffs, shard)
	c.metrics.ShardsAllocated(len(c.allocations))
	c.metrics.HandoffCompleted(cause != nil)
	c.log.Info("handoff complete",
		slog.String("shard", string(shard)),
		slog.String("from", string(region)),
		slog.Any("cause", cause),
	)

	c.answerWaiters(shard, h.waiters)
}

// forceRelease frees a shard whose owner never confirmed. Favors possible
// brief unavailability over an indefinite stall.
func (c *Coordinator) forceRelease(shard sharding.ShardKey, owner sharding.RegionID) {
	h, ok := c.handoffs[shard]
	if !ok || h.from != owner {
		return
	}
	c.log.Warn("force releasing shard",
		slog.String("shard", string(shard)),
		slog.String("region", string(owner)),
		slog.Duration("after", time.Since(h.since)),
		slog.Any("error", sharding.ErrHandoffTimeout),
	)
	c.shardStopped(shard, owner, sharding.ErrHandoffTimeout)
}

func (c *Coordinator) answerWaiters(shard sharding.ShardKey, waiters []waiter) {
	if len(waiters) == 0 {
		return
	}
	home, err := c.allocate(shard)
	for _, w := range waiters {
		w.reply <- homeResult{home: home, err: err}
	}
}

// regionTerminated drops everything the region owned. Allocation releases are
// persisted so a later recovery does not resurrect homes on a dead region.
func (c *Coordinator) regionTerminated(region sharding.RegionID) {
	c.regions.Remove(region)
	delete(c.leaving, region)
	c.metrics.RegionsRegistered(c.regions.Len())

	var (
		freed  []sharding.ShardKey
		events []ShardHomeDeallocated
	)
	for shard, owner := range c.allocations {
		if owner == region {
			freed = append(freed, shard)
			events = append(events, ShardHomeDeallocated{Shard: shard})
		}
	}
	if len(events) > 0 {
		payloads := make([]journal.EventPayload, len(events))
		for i, e := range events {
			payloads[i] = e
		}
		if err := c.append(payloads...); err != nil {
			return
		}
	}

	for _, shard := range freed {
		delete(c.allocations, shard)
		var waiters []waiter
		if h, ok := c.handoffs[shard]; ok {
			waiters = h.waiters
			delete(c.handoffs, shard)
		}
		c.answerWaiters(shard, waiters)
	}
	c.metrics.ShardsAllocated(len(c.allocations))
	c.log.Info("region terminated", slog.String("region", string(region)), slog.Int("freed", len(freed)))
}

// rebalance runs one strategy round and starts handoffs for the picks.
func (c *Coordinator) rebalance() []sharding.ShardKey {
	inHandoff := make(map[sharding.ShardKey]struct{}, len(c.handoffs))
	for shard := range c.handoffs {
		inHandoff[shard] = struct{}{}
	}

	picks := c.strategy.RebalanceShards(c.candidates(), c.allocations, nil, inHandoff)

	moved := picks[:0]
	for _, shard := range picks {
		if c.beginHandoff(shard) {
			moved = append(moved, shard)
		}
	}
	c.metrics.RebalanceRound(len(moved))
	return moved
}

func (c *Coordinator) tickRebalance(ctx context.Context) {
	ticker := time.NewTicker(c.rebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			_ = c.post(func() { c.rebalance() })
		}
	}
}

func (c *Coordinator) pumpMembership(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case ev, ok := <-c.ms.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case sharding.RegionUp:
				_ = c.RegisterRegion(ctx, ev.Region)
			case sharding.RegionRemoved:
				_ = c.RegionTerminated(ctx, ev.Region)
			case sharding.RegionUnreachable:
				// suspicion alone frees nothing
				c.log.Warn("region unreachable", slog.String("region", string(ev.Region)))
			}
		}
	}
}
