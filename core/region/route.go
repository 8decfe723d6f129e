package region

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/shardr-go/core/shard"
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/core/transport"
)

type routeMode int

const (
	modeResolving routeMode = iota
	modeLocal
	modeRemote
	modeHandingOff
)

func (m routeMode) String() string {
	switch m {
	case modeResolving:
		return "resolving"
	case modeLocal:
		return "local"
	case modeRemote:
		return "remote"
	case modeHandingOff:
		return "handing-off"
	default:
		return "unknown"
	}
}

type wireMsg struct {
	entity   sharding.EntityKey
	msgType  string
	data     []byte
	attempts int
	errc     chan error
}

func (m wireMsg) fail(err error) {
	select {
	case m.errc <- err:
	default:
	}
}

// route is the cached location of one shard. Messages buffer here while the
// location is unknown or the shard is moving, and flow through an ordered
// sender once it is known.
type route struct {
	mode            routeMode
	owner           sharding.RegionID
	buffer          []wireMsg
	sender          *sender
	resolveAttempts int
}

// sender delivers one shard's messages in arrival order off the loop
// goroutine. Enqueue and drain both happen on the loop, so only the sender
// goroutine ever receives from the queue.
type sender struct {
	queue chan wireMsg
	stop  chan struct{}
}

func (s *sender) close() { close(s.stop) }

// drain empties the queue after the sender goroutine has exited or been
// stopped. Must run on the region loop.
func (s *sender) drain() []wireMsg {
	var out []wireMsg
	for {
		select {
		case m := <-s.queue:
			out = append(out, m)
		default:
			return out
		}
	}
}

/* ---------------------- routing (loop goroutine) ---------------------- */

func (r *Region) route(shardKey sharding.ShardKey, m wireMsg) {
	rt, ok := r.routes[shardKey]
	if !ok {
		rt = &route{mode: modeResolving}
		r.routes[shardKey] = rt
		r.bufferMsg(shardKey, rt, m)
		r.startResolve(shardKey)
		return
	}

	switch rt.mode {
	case modeResolving, modeHandingOff:
		r.bufferMsg(shardKey, rt, m)
	case modeLocal, modeRemote:
		r.metrics.CacheHit(rt.mode == modeLocal)
		select {
		case rt.sender.queue <- m:
		default:
			m.fail(fmt.Errorf("%w: shard %s buffer full", sharding.ErrDeliveryFailed, shardKey))
		}
	}
}

func (r *Region) bufferMsg(shardKey sharding.ShardKey, rt *route, m wireMsg) {
	if len(rt.buffer) >= r.bufferLimit {
		m.fail(fmt.Errorf("%w: shard %s buffer full", sharding.ErrDeliveryFailed, shardKey))
		return
	}
	rt.buffer = append(rt.buffer, m)
	r.metrics.MessagesBuffered(len(rt.buffer))
}

/* ---------------------- resolution ---------------------- */

func (r *Region) startResolve(shardKey sharding.ShardKey) {
	r.metrics.CacheMiss()
	go func() {
		tm := r.metrics.ResolveDuration()
		home, err := r.coord.getShardHome(r.ctx, shardKey)
		tm.ObserveDuration()
		r.metrics.ResolveCompleted(err == nil)
		_ = r.post(func() { r.resolved(shardKey, home, err) })
	}()
}

func (r *Region) resolved(shardKey sharding.ShardKey, home sharding.ShardHome, err error) {
	rt, ok := r.routes[shardKey]
	if !ok || rt.mode != modeResolving {
		return
	}
	if err != nil {
		rt.resolveAttempts++
		if rt.resolveAttempts <= r.retryBudget {
			r.log.Warn("shard resolution failed, retrying",
				slog.String("shard", string(shardKey)),
				slog.Int("attempt", rt.resolveAttempts),
				slog.String("err", err.Error()))
			time.AfterFunc(100*time.Millisecond, func() {
				_ = r.post(func() {
					if cur, ok := r.routes[shardKey]; ok && cur.mode == modeResolving {
						r.startResolve(shardKey)
					}
				})
			})
			return
		}
		r.log.Error("shard resolution failed",
			slog.String("shard", string(shardKey)), slog.String("err", err.Error()))
		for _, m := range rt.buffer {
			m.fail(fmt.Errorf("%w: shard %s: %v", sharding.ErrDeliveryFailed, shardKey, err))
		}
		delete(r.routes, shardKey)
		return
	}

	rt.resolveAttempts = 0
	if home.Region == r.id {
		r.becomeLocal(shardKey, rt)
	} else {
		r.becomeRemote(shardKey, rt, home.Region)
	}
}

func (r *Region) becomeLocal(shardKey sharding.ShardKey, rt *route) {
	host, err := shard.New(shard.Options{
		Log:            r.log,
		Key:            shardKey,
		Factory:        r.factory,
		Remember:       r.remember,
		Metrics:        r.shardMet,
		PassivateAfter: r.passivateAfter,
		HandoffTimeout: r.handoffTimeout,
		BufferLimit:    r.bufferLimit,
	})
	if err == nil {
		err = host.Run(r.ctx)
	}
	if err != nil {
		for _, m := range rt.buffer {
			m.fail(fmt.Errorf("%w: start shard %s: %v", sharding.ErrDeliveryFailed, shardKey, err))
		}
		delete(r.routes, shardKey)
		return
	}

	rt.mode = modeLocal
	rt.owner = r.id
	r.hosts[shardKey] = host
	rt.sender = r.newSender(func(m wireMsg) error {
		return host.Deliver(r.ctx, m.entity, m.msgType, m.data)
	}, r.localFailure(shardKey))
	r.flushBuffer(shardKey, rt)

	go func() {
		if err := host.Wait(r.ctx); err != nil {
			r.log.Error("local shard failed to start",
				slog.String("shard", string(shardKey)), slog.String("err", err.Error()))
			return
		}
		r.coord.shardStarted(r.ctx, shardKey)
	}()

	r.log.Info("shard hosted locally", slog.String("shard", string(shardKey)))
}

func (r *Region) becomeRemote(shardKey sharding.ShardKey, rt *route, owner sharding.RegionID) {
	rt.mode = modeRemote
	rt.owner = owner
	rt.sender = r.newSender(func(m wireMsg) error {
		_, err := transport.Request[struct{}](r.ctx, r.t, r.id, owner, sharding.EntityEnvelope{
			Shard:   shardKey,
			Entity:  m.entity,
			MsgType: m.msgType,
			Data:    m.data,
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %w", sharding.ErrRegionUnreachable, owner, err)
		}
		return nil
	}, r.remoteFailure(shardKey))
	r.flushBuffer(shardKey, rt)

	r.log.Debug("shard resolved remote",
		slog.String("shard", string(shardKey)), slog.String("owner", string(owner)))
}

func (r *Region) flushBuffer(shardKey sharding.ShardKey, rt *route) {
	for _, m := range rt.buffer {
		select {
		case rt.sender.queue <- m:
		default:
			m.fail(fmt.Errorf("%w: shard %s buffer full", sharding.ErrDeliveryFailed, shardKey))
		}
	}
	rt.buffer = nil
}

/* ---------------------- senders ---------------------- */

// newSender starts the ordered dispatch goroutine for one route. deliver runs
// per message; onFailure is called with the failed message and ends the
// sender, handing control back to the loop for re-resolution.
func (r *Region) newSender(deliver func(wireMsg) error, onFailure func(s *sender, m wireMsg, err error) bool) *sender {
	s := &sender{
		queue: make(chan wireMsg, r.bufferLimit),
		stop:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-r.stopCh:
				return
			case <-s.stop:
				return
			case m := <-s.queue:
				if err := deliver(m); err != nil {
					if onFailure(s, m, err) {
						return
					}
				} else {
					m.fail(nil)
				}
			}
		}
	}()
	return s
}

// remoteFailure treats any remote delivery error as a stale cache entry: the
// owner may have moved or died. The failed message and everything queued
// behind it go back through resolution, in order.
func (r *Region) remoteFailure(shardKey sharding.ShardKey) func(*sender, wireMsg, error) bool {
	return func(s *sender, m wireMsg, err error) bool {
		m.attempts++
		_ = r.post(func() { r.invalidate(shardKey, s, m, err) })
		return true
	}
}

// localFailure requeues messages refused by a draining or stopped host;
// per-message errors such as a failing entity factory surface to the caller
// and the sender keeps going.
func (r *Region) localFailure(shardKey sharding.ShardKey) func(*sender, wireMsg, error) bool {
	return func(s *sender, m wireMsg, err error) bool {
		if errors.Is(err, shard.ErrHandingOff) || errors.Is(err, shard.ErrStopped) {
			_ = r.post(func() { r.requeue(shardKey, s, m) })
			return true
		}
		m.fail(err)
		return false
	}
}

/* ---------------------- cache invalidation ---------------------- */

func (r *Region) invalidate(shardKey sharding.ShardKey, failed *sender, m wireMsg, cause error) {
	rt, ok := r.routes[shardKey]
	if !ok || rt.sender != failed {
		// Route already moved on, push the straggler through the current one.
		r.redeliver(shardKey, append([]wireMsg{m}, failed.drain()...))
		return
	}
	r.metrics.CacheInvalidated()
	r.log.Debug("shard location invalidated",
		slog.String("shard", string(shardKey)),
		slog.String("owner", string(rt.owner)),
		slog.String("err", cause.Error()))

	failed.close()
	pending := failed.drain()

	if m.attempts > r.retryBudget {
		m.fail(fmt.Errorf("%w: shard %s: %w", sharding.ErrDeliveryFailed, shardKey, cause))
	} else {
		pending = append([]wireMsg{m}, pending...)
	}

	rt.mode = modeResolving
	rt.owner = ""
	rt.sender = nil
	rt.buffer = append(pending, rt.buffer...)
	r.startResolve(shardKey)
}

func (r *Region) requeue(shardKey sharding.ShardKey, from *sender, m wireMsg) {
	pending := append([]wireMsg{m}, from.drain()...)
	rt, ok := r.routes[shardKey]
	if !ok || rt.sender != from {
		r.redeliver(shardKey, pending)
		return
	}
	from.close()
	rt.mode = modeHandingOff
	rt.sender = nil
	rt.buffer = append(pending, rt.buffer...)
}

func (r *Region) redeliver(shardKey sharding.ShardKey, msgs []wireMsg) {
	for _, m := range msgs {
		r.route(shardKey, m)
	}
}

/* ---------------------- handoff ---------------------- */

// beginHandoff drains the local host for the shard and reports ShardStopped
// once it is gone. Messages arriving meanwhile queue on the route and chase
// the shard to its next owner.
func (r *Region) beginHandoff(shardKey sharding.ShardKey) {
	host, ok := r.hosts[shardKey]
	if !ok {
		// Not hosting, likely a duplicate request after we already stopped.
		go r.coord.shardStopped(r.ctx, shardKey)
		return
	}
	rt := r.routes[shardKey]
	if rt != nil && rt.mode == modeLocal {
		if rt.sender != nil {
			rt.sender.close()
			rt.buffer = append(rt.sender.drain(), rt.buffer...)
			rt.sender = nil
		}
		rt.mode = modeHandingOff
	}
	r.log.Info("handoff started", slog.String("shard", string(shardKey)))
	if err := host.BeginHandoff(func() {
		_ = r.post(func() { r.hostStopped(shardKey) })
	}); err != nil {
		r.log.Warn("begin handoff refused",
			slog.String("shard", string(shardKey)), slog.String("err", err.Error()))
	}
}

func (r *Region) hostStopped(shardKey sharding.ShardKey) {
	delete(r.hosts, shardKey)
	r.log.Info("handoff complete", slog.String("shard", string(shardKey)))

	go func() {
		r.coord.shardStopped(r.ctx, shardKey)
		_ = r.post(func() { r.afterHandoff(shardKey) })
	}()
}

func (r *Region) afterHandoff(shardKey sharding.ShardKey) {
	rt, ok := r.routes[shardKey]
	if !ok {
		return
	}
	if len(rt.buffer) == 0 {
		delete(r.routes, shardKey)
		return
	}
	rt.mode = modeResolving
	rt.owner = ""
	r.startResolve(shardKey)
}
