// Package region implements the per-node router of the sharding layer. A
// region resolves each message's shard, forwards it to the local shard host
// or to the owning remote region, and keeps a best-effort location cache that
// is corrected reactively when deliveries fail.
package region

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/shardr-go/core/actor"
	"github.com/codewandler/shardr-go/core/shard"
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/core/transport"
	"github.com/codewandler/shardr-go/ports/remember"
)

type Options struct {
	Log       *slog.Logger
	ID        sharding.RegionID // defaults to a random node id
	Transport transport.Transport
	Extractor sharding.Extractor
	Factory   shard.EntityFactory
	Remember  remember.Store // nil disables remember-entities
	Metrics   sharding.RegionMetrics
	// ShardMetrics is handed to the shard hosts this region starts.
	ShardMetrics sharding.ShardMetrics

	// PassivateAfter is the entity idle threshold, <0 disables passivation.
	PassivateAfter time.Duration
	// HandoffTimeout bounds shard draining.
	HandoffTimeout time.Duration
	// RequestTimeout bounds individual transport requests.
	RequestTimeout time.Duration
	// RetryBudget is how many times a delivery is re-resolved and retried
	// before failing with ErrDeliveryFailed.
	RetryBudget int
	// BufferLimit bounds per-shard buffers of unresolved messages.
	BufferLimit int
}

// Region is a single-writer state machine: the cache and route table are only
// touched on the loop goroutine. Network sends happen on per-shard sender
// goroutines so the loop never blocks, while per-sender order is preserved.
type Region struct {
	log       *slog.Logger
	id        sharding.RegionID
	t         transport.Transport
	extractor sharding.Extractor
	factory   shard.EntityFactory
	remember  remember.Store
	metrics   sharding.RegionMetrics
	shardMet  sharding.ShardMetrics

	passivateAfter time.Duration
	handoffTimeout time.Duration
	requestTimeout time.Duration
	retryBudget    int
	bufferLimit    int

	coord *coordClient

	tasks    chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	ctx      context.Context

	routes map[sharding.ShardKey]*route
	hosts  map[sharding.ShardKey]*shard.Shard
}

func New(opts Options) (*Region, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("region: Options.Transport is required")
	}
	if opts.Extractor == nil {
		return nil, fmt.Errorf("region: Options.Extractor is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("region: Options.Factory is required")
	}

	id := opts.ID
	if id == "" {
		id = sharding.RegionID(fmt.Sprintf("region-%s", gonanoid.Must(6)))
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("region", string(id)))

	metrics := opts.Metrics
	if metrics == nil {
		metrics = sharding.NopRegionMetrics()
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 5 * time.Second
	}
	retryBudget := opts.RetryBudget
	if retryBudget == 0 {
		retryBudget = 3
	}
	bufferLimit := opts.BufferLimit
	if bufferLimit == 0 {
		bufferLimit = 1024
	}

	r := &Region{
		log:            log,
		id:             id,
		t:              opts.Transport,
		extractor:      opts.Extractor,
		factory:        opts.Factory,
		remember:       opts.Remember,
		metrics:        metrics,
		shardMet:       opts.ShardMetrics,
		passivateAfter: opts.PassivateAfter,
		handoffTimeout: opts.HandoffTimeout,
		requestTimeout: requestTimeout,
		retryBudget:    retryBudget,
		bufferLimit:    bufferLimit,
		tasks:          make(chan func(), 256),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		routes:         make(map[sharding.ShardKey]*route),
		hosts:          make(map[sharding.ShardKey]*shard.Shard),
	}
	r.coord = newCoordClient(opts.Transport, id, requestTimeout)
	return r, nil
}

// ID returns the region's identifier.
func (r *Region) ID() sharding.RegionID { return r.id }

// Run subscribes the region on the transport, registers with the coordinator
// and starts routing. Returns once the region is serving.
func (r *Region) Run(ctx context.Context) error {
	r.ctx = ctx

	if _, err := r.t.Subscribe(ctx, r.id, r.handle); err != nil {
		return fmt.Errorf("subscribe region address: %w", err)
	}
	if err := r.coord.register(ctx); err != nil {
		return fmt.Errorf("register with coordinator: %w", err)
	}

	go r.loop(ctx)

	r.log.Info("region running")
	return nil
}

// Done is closed when the region loop exits.
func (r *Region) Done() <-chan struct{} { return r.doneCh }

// Deliver routes an application message to its entity, wherever it currently
// lives. It returns once the message is accepted by the owning shard;
// failures surface only after the retry budget is exhausted.
func (r *Region) Deliver(ctx context.Context, msg any) error {
	shardKey, ok := r.extractor.ExtractShardKey(msg)
	if !ok {
		return fmt.Errorf("%w: no shard key for %T", sharding.ErrUnknownPartition, msg)
	}
	entity, payload, ok := r.extractor.ExtractEntityKey(msg)
	if !ok {
		return fmt.Errorf("%w: no entity key for %T", sharding.ErrUnknownPartition, msg)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return r.deliverWire(ctx, shardKey, entity, actor.MsgTypeOf(payload), data)
}

func (r *Region) deliverWire(ctx context.Context, shardKey sharding.ShardKey, entity sharding.EntityKey, msgType string, data []byte) error {
	m := wireMsg{entity: entity, msgType: msgType, data: data, errc: make(chan error, 1)}
	if err := r.post(func() { r.route(shardKey, m) }); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopCh:
		return shard.ErrStopped
	case err := <-m.errc:
		if err != nil {
			r.metrics.DeliveryCompleted(false)
		} else {
			r.metrics.DeliveryCompleted(true)
		}
		return err
	}
}

// Shutdown asks the coordinator to move all locally-owned shards away, then
// waits for the local hosts to drain. Preferable to an unmanaged departure.
func (r *Region) Shutdown(ctx context.Context) error {
	n, err := r.coord.gracefulShutdown(ctx)
	if err != nil {
		return fmt.Errorf("request graceful shutdown: %w", err)
	}
	r.log.Info("graceful shutdown requested", slog.Int("shards", n))

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		var remaining int
		if err := r.run(ctx, func() { remaining = len(r.hosts) }); err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HostedShards returns the shard keys this region currently hosts.
func (r *Region) HostedShards() []sharding.ShardKey {
	var out []sharding.ShardKey
	_ = r.run(context.Background(), func() {
		for k := range r.hosts {
			out = append(out, k)
		}
	})
	return out
}

/* ---------------------- loop ---------------------- */

func (r *Region) loop(ctx context.Context) {
	defer close(r.doneCh)
	defer r.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case f := <-r.tasks:
			f()
		}
	}
}

func (r *Region) post(f func()) error {
	select {
	case <-r.stopCh:
		return shard.ErrStopped
	case r.tasks <- f:
		return nil
	}
}

// stop closes stopCh exactly once when the loop exits, so post and senders
// never block on a dead loop.
func (r *Region) stop() { r.stopOnce.Do(func() { close(r.stopCh) }) }

func (r *Region) run(ctx context.Context, f func()) error {
	done := make(chan struct{})
	if err := r.post(func() {
		defer close(done)
		f()
	}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopCh:
		return shard.ErrStopped
	case <-done:
		return nil
	}
}

/* ---------------------- transport handler ---------------------- */

// handle serves inbound envelopes: entity traffic from peer regions and
// handoff requests from the coordinator.
func (r *Region) handle(ctx context.Context, env transport.Envelope) ([]byte, error) {
	switch env.Type {
	case sharding.MsgEntityEnvelope:
		var m sharding.EntityEnvelope
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("decode entity envelope: %w", err)
		}
		if err := r.deliverWire(ctx, m.Shard, m.Entity, m.MsgType, m.Data); err != nil {
			return nil, err
		}
		return nil, nil

	case sharding.MsgBeginHandoff:
		var m sharding.BeginHandoff
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("decode begin-handoff: %w", err)
		}
		if err := r.post(func() { r.beginHandoff(m.Shard) }); err != nil {
			return nil, err
		}
		return json.Marshal(sharding.BeginHandoffAck{})

	default:
		return nil, fmt.Errorf("region: unknown message type %q", env.Type)
	}
}
