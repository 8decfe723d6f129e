// Package coordinator implements the cluster-wide singleton owning the
// authoritative shard-to-region table. Exclusive ownership is delegated to an
// external singleton-placement mechanism; the coordinator itself stays safe
// under brief double-running because every decision is idempotent and
// persisted before it is honored.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/shardr-go/core/ds"
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/core/transport"
	"github.com/codewandler/shardr-go/ports/journal"
)

var ErrStopped = errors.New("coordinator stopped")

type Options struct {
	Log       *slog.Logger
	Journal   journal.Journal
	Strategy  sharding.AllocationStrategy
	Transport transport.Transport
	// Membership is optional; without it, region departures must be driven
	// through RegionTerminated directly.
	Membership sharding.MembershipSource
	Metrics    sharding.CoordinatorMetrics

	// RebalanceInterval between rebalance rounds. <0 disables the ticker
	// (rounds can still be triggered via Rebalance). 0 means the default.
	RebalanceInterval time.Duration
	// HandoffTimeout before a non-confirming owner is force-released.
	HandoffTimeout time.Duration
}

type (
	homeResult struct {
		home sharding.ShardHome
		err  error
	}

	waiter struct {
		requester sharding.RegionID
		reply     chan homeResult
	}

	handoffState struct {
		from    sharding.RegionID
		since   time.Time
		waiters []waiter
	}

	// Coordinator is a single-writer state machine: all table mutations run
	// on one loop goroutine, which is the core correctness mechanism.
	Coordinator struct {
		log      *slog.Logger
		journal  journal.Journal
		registry *journal.Registry
		strategy sharding.AllocationStrategy
		t        transport.Transport
		ms       sharding.MembershipSource
		metrics  sharding.CoordinatorMetrics

		rebalanceInterval time.Duration
		handoffTimeout    time.Duration

		tasks    chan func()
		stopCh   chan struct{}
		stopOnce sync.Once
		doneCh   chan struct{}

		failErr error

		// loop-owned state
		allocations map[sharding.ShardKey]sharding.RegionID
		regions     *ds.Set[sharding.RegionID]
		leaving     map[sharding.RegionID]struct{}
		handoffs    map[sharding.ShardKey]*handoffState
	}
)

func New(opts Options) (*Coordinator, error) {
	if opts.Journal == nil {
		return nil, fmt.Errorf("coordinator: Options.Journal is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("coordinator: Options.Transport is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	strategy := opts.Strategy
	if strategy == nil {
		strategy = sharding.DefaultStrategy()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = sharding.NopCoordinatorMetrics()
	}
	rebalanceInterval := opts.RebalanceInterval
	if rebalanceInterval == 0 {
		rebalanceInterval = 10 * time.Second
	}
	handoffTimeout := opts.HandoffTimeout
	if handoffTimeout == 0 {
		handoffTimeout = 10 * time.Second
	}

	return &Coordinator{
		log:               log.With(slog.String("component", "coordinator")),
		journal:           opts.Journal,
		registry:          NewEventRegistry(),
		strategy:          strategy,
		t:                 opts.Transport,
		ms:                opts.Membership,
		metrics:           metrics,
		rebalanceInterval: rebalanceInterval,
		handoffTimeout:    handoffTimeout,
		tasks:             make(chan func(), 64),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		allocations:       make(map[sharding.ShardKey]sharding.RegionID),
		regions:           ds.NewSet[sharding.RegionID](),
		leaving:           make(map[sharding.RegionID]struct{}),
		handoffs:          make(map[sharding.ShardKey]*handoffState),
	}, nil
}

// Run recovers persisted state and starts serving. It returns once the
// coordinator is active; use Done/Err to observe termination.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("recover allocation table: %w", err)
	}
	c.log.Info("recovered", slog.Int("allocations", len(c.allocations)))

	if _, err := c.t.Subscribe(ctx, transport.CoordinatorAddress, c.handle); err != nil {
		return fmt.Errorf("subscribe coordinator address: %w", err)
	}

	go c.loop(ctx)

	if c.ms != nil {
		go c.pumpMembership(ctx)
	}
	if c.rebalanceInterval > 0 {
		go c.tickRebalance(ctx)
	}

	c.log.Info("active")
	return nil
}

// Done is closed when the coordinator stops, either via context or fatally.
func (c *Coordinator) Done() <-chan struct{} { return c.doneCh }

// Err returns the fatal error, if the coordinator stopped because of one.
func (c *Coordinator) Err() error { return c.failErr }

/* ---------------------- public operations ---------------------- */

// RegisterRegion announces a region. Idempotent.
func (c *Coordinator) RegisterRegion(ctx context.Context, region sharding.RegionID) error {
	return c.run(ctx, func() {
		if !c.regions.Contains(region) {
			c.log.Info("region registered", slog.String("region", string(region)))
		}
		c.regions.Add(region)
		delete(c.leaving, region)
		c.metrics.RegionsRegistered(c.regions.Len())
	})
}

// GetShardHome returns the owner of a shard, allocating one if needed. While
// the shard is mid-handoff the call waits until the handoff completes.
func (c *Coordinator) GetShardHome(ctx context.Context, shard sharding.ShardKey, requester sharding.RegionID) (sharding.ShardHome, error) {
	reply := make(chan homeResult, 1)
	err := c.post(func() { c.getShardHome(shard, requester, reply) })
	if err != nil {
		return sharding.ShardHome{}, err
	}
	select {
	case <-ctx.Done():
		return sharding.ShardHome{}, ctx.Err()
	case <-c.stopCh:
		return sharding.ShardHome{}, ErrStopped
	case r := <-reply:
		return r.home, r.err
	}
}

// ShardStarted records that a granted shard finished starting. Idempotent for
// the recorded owner; a report from any other region means two regions believe
// they host the shard and is rejected with ErrAllocationConflict.
func (c *Coordinator) ShardStarted(ctx context.Context, shard sharding.ShardKey, region sharding.RegionID) error {
	var conflict error
	if err := c.run(ctx, func() {
		if owner, ok := c.allocations[shard]; ok && owner != region {
			conflict = fmt.Errorf("%w: shard %s is owned by %s, reported started on %s",
				sharding.ErrAllocationConflict, shard, owner, region)
			c.log.Error("conflicting shard-started report", slog.Any("error", conflict))
			return
		}
		c.log.Debug("shard started", slog.String("shard", string(shard)), slog.String("region", string(region)))
	}); err != nil {
		return err
	}
	return conflict
}

// ShardStopped confirms a completed handoff by the previous owner. Only then
// is the shard released for reallocation; confirmations from anyone but the
// recorded owner are ignored.
func (c *Coordinator) ShardStopped(ctx context.Context, shard sharding.ShardKey, region sharding.RegionID) error {
	return c.run(ctx, func() { c.shardStopped(shard, region, nil) })
}

// RequestGracefulShutdown starts moving all shards off a region and excludes
// it from future allocation. Returns the number of shards being handed off.
func (c *Coordinator) RequestGracefulShutdown(ctx context.Context, region sharding.RegionID) (int, error) {
	var n int
	err := c.run(ctx, func() {
		c.leaving[region] = struct{}{}
		for shard, owner := range c.allocations {
			if owner != region {
				continue
			}
			if c.beginHandoff(shard) {
				n++
			}
		}
		c.log.Info("graceful shutdown requested", slog.String("region", string(region)), slog.Int("shards", n))
	})
	return n, err
}

// RegionTerminated drops all allocations of a departed region without waiting
// for handoff; the node is gone, no confirmation can arrive.
func (c *Coordinator) RegionTerminated(ctx context.Context, region sharding.RegionID) error {
	return c.run(ctx, func() { c.regionTerminated(region) })
}

// Rebalance triggers one rebalance round and returns the shards selected.
func (c *Coordinator) Rebalance(ctx context.Context) ([]sharding.ShardKey, error) {
	var moved []sharding.ShardKey
	err := c.run(ctx, func() { moved = c.rebalance() })
	return moved, err
}

// Table returns a copy of the current allocation table.
func (c *Coordinator) Table(ctx context.Context) (map[sharding.ShardKey]sharding.RegionID, error) {
	var out map[sharding.ShardKey]sharding.RegionID
	err := c.run(ctx, func() {
		out = make(map[sharding.ShardKey]sharding.RegionID, len(c.allocations))
		for k, v := range c.allocations {
			out[k] = v
		}
	})
	return out, err
}

/* ---------------------- loop ---------------------- */

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.doneCh)
	defer c.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case f := <-c.tasks:
			f()
		}
	}
}

func (c *Coordinator) post(f func()) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	case c.tasks <- f:
		return nil
	}
}

// run posts f to the loop and waits for it to execute.
func (c *Coordinator) run(ctx context.Context, f func()) error {
	done := make(chan struct{})
	err := c.post(func() {
		defer close(done)
		f()
	})
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrStopped
	case <-done:
		return nil
	}
}

// stop closes stopCh exactly once; both context cancellation and fatal errors
// converge here, so post never blocks on a dead loop.
func (c *Coordinator) stop() { c.stopOnce.Do(func() { close(c.stopCh) }) }

// fail stops the coordinator. Persistence failures land here: the instance
// never continues on unpersisted decisions; the placement collaborator is
// expected to start a fresh instance which recovers from the journal.
func (c *Coordinator) fail(err error) {
	c.failErr = err
	c.log.Error("fatal", slog.Any("error", err))
	c.stop()
}

/* ---------------------- loop-side state transitions ---------------------- */

func (c *Coordinator) getShardHome(shard sharding.ShardKey, requester sharding.RegionID, reply chan homeResult) {
	// mid-handoff: park until the old owner confirms
	if h, ok := c.handoffs[shard]; ok {
		h.waiters = append(h.waiters, waiter{requester: requester, reply: reply})
		return
	}

	if owner, ok := c.allocations[shard]; ok {
		reply <- homeResult{home: sharding.ShardHome{Shard: shard, Region: owner}}
		return
	}

	home, err := c.allocate(shard)
	reply <- homeResult{home: home, err: err}
}

// allocate picks and durably records an owner for an unallocated shard. The
// journal append happens before the table is updated or anyone is answered:
// the reply is the only externally visible commit point.
func (c *Coordinator) allocate(shard sharding.ShardKey) (sharding.ShardHome, error) {
	candidates := c.candidates()
	region, err := c.strategy.AllocateShard(candidates, c.allocations, shard)
	if err != nil {
		c.metrics.AllocationCompleted(false)
		return sharding.ShardHome{}, err
	}

	if err := c.append(ShardHomeAllocated{Shard: shard, Region: region}); err != nil {
		c.metrics.AllocationCompleted(false)
		return sharding.ShardHome{}, err
	}

	c.allocations[shard] = region
	c.metrics.AllocationCompleted(true)
	c.metrics.ShardsAllocated(len(c.allocations))
	c.log.Info("shard allocated", slog.String("shard", string(shard)), slog.String("region", string(region)))
	return sharding.ShardHome{Shard: shard, Region: region}, nil
}

func (c *Coordinator) candidates() []sharding.RegionID {
	all := c.regions.Values()
	out := make([]sharding.RegionID, 0, len(all))
	for _, r := range all {
		if _, gone := c.leaving[r]; gone {
			continue
		}
		out = append(out, r)
	}
	return out
}

// append writes events to the journal, failing the coordinator if the write
// does not succeed.
func (c *Coordinator) append(events ...journal.EventPayload) error {
	defer c.metrics.JournalAppendDuration().ObserveDuration()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := journal.AppendEvents(ctx, c.journal, events...); err != nil {
		err = fmt.Errorf("%w: %v", sharding.ErrPersistenceFailure, err)
		c.fail(err)
		return err
	}
	return nil
}
