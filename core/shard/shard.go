// Package shard implements the per-partition entity host. A shard is owned
// by exactly one region at a time; it creates entity handles on demand,
// passivates idle ones, recovers remembered entities on start and drains
// cleanly on handoff.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/shardr-go/core/actor"
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/ports/remember"
)

var (
	ErrHandingOff = errors.New("shard handing off")
	ErrStopped    = errors.New("shard stopped")
	ErrBufferFull = errors.New("shard buffer full")
)

// EntityFactory creates the entity handle for a key. Called on first message
// and again when a passivated entity receives new messages.
type EntityFactory func(key sharding.EntityKey) (actor.Actor, error)

type Options struct {
	Log      *slog.Logger
	Key      sharding.ShardKey
	Factory  EntityFactory
	Remember remember.Store // nil disables remember-entities
	Metrics  sharding.ShardMetrics

	// PassivateAfter is the idle threshold before an entity is stopped.
	// 0 means the default, <0 disables passivation.
	PassivateAfter time.Duration
	// HandoffTimeout bounds the drain during handoff; after it the shard
	// stops anyway.
	HandoffTimeout time.Duration
	// BufferLimit bounds the start and per-entity passivation buffers.
	BufferLimit int
}

type shardState int

const (
	stateStarting shardState = iota
	stateRunning
	stateHandingOff
	stateStopped
)

func (s shardState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateHandingOff:
		return "handing-off"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type (
	delivery struct {
		entity  sharding.EntityKey
		msgType string
		data    []byte
	}

	entityHandle struct {
		act          actor.Actor
		lastActivity time.Time
		passivating  bool
		buffer       []delivery
	}

	// Shard processes its events strictly one at a time on a single loop
	// goroutine; entity handles run concurrently on their own mailboxes.
	Shard struct {
		log      *slog.Logger
		key      sharding.ShardKey
		factory  EntityFactory
		remember remember.Store
		metrics  sharding.ShardMetrics

		passivateAfter time.Duration
		handoffTimeout time.Duration
		bufferLimit    int

		tasks    chan func()
		stopCh   chan struct{}
		stopOnce sync.Once
		doneCh   chan struct{}

		ready    chan struct{}
		startErr error

		ctx         context.Context
		state       shardState
		entities    map[sharding.EntityKey]*entityHandle
		startBuffer []delivery
	}
)

func New(opts Options) (*Shard, error) {
	if opts.Key == "" {
		return nil, fmt.Errorf("shard: Options.Key is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("shard: Options.Factory is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = sharding.NopShardMetrics()
	}
	passivateAfter := opts.PassivateAfter
	if passivateAfter == 0 {
		passivateAfter = 2 * time.Minute
	}
	handoffTimeout := opts.HandoffTimeout
	if handoffTimeout == 0 {
		handoffTimeout = 10 * time.Second
	}
	bufferLimit := opts.BufferLimit
	if bufferLimit == 0 {
		bufferLimit = 1024
	}

	return &Shard{
		log:            log.With(slog.String("shard", string(opts.Key))),
		key:            opts.Key,
		factory:        opts.Factory,
		remember:       opts.Remember,
		metrics:        metrics,
		passivateAfter: passivateAfter,
		handoffTimeout: handoffTimeout,
		bufferLimit:    bufferLimit,
		tasks:          make(chan func(), 256),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		ready:          make(chan struct{}),
		state:          stateStarting,
		entities:       make(map[sharding.EntityKey]*entityHandle),
	}, nil
}

// Run starts the shard. It returns immediately; Wait observes the transition
// to running.
func (s *Shard) Run(ctx context.Context) error {
	s.ctx = ctx
	go s.loop(ctx)
	go s.recoverEntities(ctx)
	if s.passivateAfter > 0 {
		go s.tickPassivation(ctx)
	}
	return nil
}

// Wait blocks until the shard is running, failed to start, or ctx is done.
func (s *Shard) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		if s.startErr != nil {
			return s.startErr
		}
		return ErrStopped
	case <-s.ready:
		return s.startErr
	}
}

// Key returns the shard's partition key.
func (s *Shard) Key() sharding.ShardKey { return s.key }

// Done is closed when the shard loop exits.
func (s *Shard) Done() <-chan struct{} { return s.doneCh }

// Deliver routes a message to an entity, creating the handle on first use.
// Messages that arrive while the shard is starting, or while the target
// entity is passivating, are buffered in arrival order and never dropped.
func (s *Shard) Deliver(ctx context.Context, entity sharding.EntityKey, msgType string, data []byte) error {
	errCh := make(chan error, 1)
	if err := s.post(func() { errCh <- s.deliver(delivery{entity: entity, msgType: msgType, data: data}) }); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopped
	case err := <-errCh:
		return err
	}
}

// BeginHandoff drains the shard: no new entity activations, all active
// entities stopped, then onDone is called. If draining exceeds the handoff
// timeout the shard stops anyway.
func (s *Shard) BeginHandoff(onDone func()) error {
	return s.post(func() { s.beginHandoff(onDone) })
}

// Entities returns the keys of currently live entity handles.
func (s *Shard) Entities() []sharding.EntityKey {
	out := make(chan []sharding.EntityKey, 1)
	if err := s.post(func() {
		keys := make([]sharding.EntityKey, 0, len(s.entities))
		for k := range s.entities {
			keys = append(keys, k)
		}
		out <- keys
	}); err != nil {
		return nil
	}
	select {
	case <-s.stopCh:
		return nil
	case keys := <-out:
		return keys
	}
}

/* ---------------------- loop ---------------------- */

func (s *Shard) loop(ctx context.Context) {
	defer close(s.doneCh)
	defer s.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case f := <-s.tasks:
			f()
		}
	}
}

func (s *Shard) post(f func()) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	case s.tasks <- f:
		return nil
	}
}

// stop closes stopCh exactly once. The loop exit, start failure and handoff
// completion all converge here; after it, post refuses further work.
func (s *Shard) stop() { s.stopOnce.Do(func() { close(s.stopCh) }) }

/* ---------------------- state transitions ---------------------- */

// recoverEntities loads the remembered entity set and recreates the handles
// before the shard declares itself running. Entities must not be silently
// lost across a shard restart.
func (s *Shard) recoverEntities(ctx context.Context) {
	var (
		keys []sharding.EntityKey
		err  error
	)
	if s.remember != nil {
		keys, err = s.remember.Entities(ctx, s.key)
	}
	_ = s.post(func() { s.recovered(keys, err) })
}

func (s *Shard) recovered(keys []sharding.EntityKey, err error) {
	if s.state != stateStarting {
		return
	}
	if err != nil {
		s.startErr = fmt.Errorf("recover remembered entities: %w", err)
		s.log.Error("start failed", slog.Any("error", err))
		s.state = stateStopped
		s.stop()
		return
	}

	for _, key := range keys {
		if _, exists := s.entities[key]; exists {
			continue
		}
		if _, aerr := s.activate(key, false); aerr != nil {
			s.startErr = aerr
			s.log.Error("start failed", slog.Any("error", aerr))
			s.state = stateStopped
			s.stop()
			return
		}
	}
	s.metrics.EntitiesRecovered(len(keys))

	s.state = stateRunning
	s.log.Info("running", slog.Int("recovered", len(keys)))
	close(s.ready)

	buffered := s.startBuffer
	s.startBuffer = nil
	for _, d := range buffered {
		if derr := s.deliver(d); derr != nil {
			s.log.Error("dropped start-buffered message", slog.String("entity", string(d.entity)), slog.Any("error", derr))
		}
	}
}

func (s *Shard) deliver(d delivery) error {
	switch s.state {
	case stateStarting:
		if len(s.startBuffer) >= s.bufferLimit {
			return ErrBufferFull
		}
		s.startBuffer = append(s.startBuffer, d)
		return nil
	case stateHandingOff:
		return ErrHandingOff
	case stateStopped:
		return ErrStopped
	}

	h, ok := s.entities[d.entity]
	if ok && h.passivating {
		// buffer until the handle restarts; replayed in order
		if len(h.buffer) >= s.bufferLimit {
			return ErrBufferFull
		}
		h.buffer = append(h.buffer, d)
		return nil
	}
	if !ok {
		var err error
		h, err = s.activate(d.entity, true)
		if err != nil {
			return err
		}
	}

	h.lastActivity = time.Now()
	return actor.RawSend(s.ctx, h.act, d.msgType, d.data)
}

// activate creates an entity handle. When record is set the entity is added
// to the remember store first: the record must exist no later than the
// entity's first observable side effect.
func (s *Shard) activate(key sharding.EntityKey, record bool) (*entityHandle, error) {
	if record && s.remember != nil {
		if err := s.remember.Add(s.ctx, s.key, key); err != nil {
			return nil, fmt.Errorf("remember entity %s: %w", key, err)
		}
	}
	act, err := s.factory(key)
	if err != nil {
		return nil, fmt.Errorf("create entity %s: %w", key, err)
	}
	h := &entityHandle{act: act, lastActivity: time.Now()}
	s.entities[key] = h
	s.metrics.EntitiesActive(string(s.key), len(s.entities))
	return h, nil
}
