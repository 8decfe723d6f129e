package shard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/shardr-go/core/actor"
	"github.com/codewandler/shardr-go/core/sharding"
)

func (s *Shard) tickPassivation(ctx context.Context) {
	// sweep at half the idle threshold so entities stop at most 1.5x late
	interval := s.passivateAfter / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.post(s.sweepIdle)
		}
	}
}

func (s *Shard) sweepIdle() {
	if s.state != stateRunning {
		return
	}
	now := time.Now()
	for key, h := range s.entities {
		if h.passivating || now.Sub(h.lastActivity) < s.passivateAfter {
			continue
		}
		s.passivate(key, h)
	}
}

// passivate asks an idle entity to stop. Messages racing with the stop are
// buffered by deliver and replayed once the handle restarts.
func (s *Shard) passivate(key sharding.EntityKey, h *entityHandle) {
	h.passivating = true
	s.metrics.EntityPassivated()
	s.log.Debug("passivating entity", slog.String("entity", string(key)))

	go func() {
		h.act.Stop()
		_ = s.post(func() { s.entityStopped(key) })
	}()
}

// entityStopped completes a passivation: if messages arrived meanwhile the
// handle restarts and replays them in order, otherwise it is destroyed. The
// remember record stays intact either way; only a shard restart consults it.
func (s *Shard) entityStopped(key sharding.EntityKey) {
	h, ok := s.entities[key]
	if !ok || !h.passivating {
		return
	}
	if s.state != stateRunning {
		delete(s.entities, key)
		return
	}

	if len(h.buffer) == 0 {
		delete(s.entities, key)
		s.metrics.EntitiesActive(string(s.key), len(s.entities))
		return
	}

	// restart and replay
	act, err := s.factory(key)
	if err != nil {
		s.log.Error("failed to restart entity", slog.String("entity", string(key)), slog.Any("error", err))
		delete(s.entities, key)
		return
	}
	buffered := h.buffer
	h.act = act
	h.buffer = nil
	h.passivating = false
	h.lastActivity = time.Now()

	for _, d := range buffered {
		if err := actor.RawSend(s.ctx, h.act, d.msgType, d.data); err != nil {
			s.log.Error("failed to replay buffered message", slog.String("entity", string(key)), slog.Any("error", err))
		}
	}
}

// beginHandoff refuses new activity and drains all entity handles. After the
// handoff timeout the shard proceeds to stop anyway rather than stall.
func (s *Shard) beginHandoff(onDone func()) {
	if s.state == stateHandingOff || s.state == stateStopped {
		return
	}
	s.state = stateHandingOff
	s.log.Info("handing off", slog.Int("entities", len(s.entities)))

	handles := make([]*entityHandle, 0, len(s.entities))
	for _, h := range s.entities {
		handles = append(handles, h)
	}

	timer := s.metrics.HandoffDrainDuration()
	go func() {
		defer timer.ObserveDuration()

		var wg sync.WaitGroup
		for _, h := range handles {
			wg.Add(1)
			go func(h *entityHandle) {
				defer wg.Done()
				h.act.Stop()
			}(h)
		}

		drained := make(chan struct{})
		go func() {
			wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-time.After(s.handoffTimeout):
			s.log.Warn("stopping with entities still draining", slog.Any("error", sharding.ErrHandoffTimeout))
		}

		_ = s.post(func() { s.finishHandoff(onDone) })
	}()
}

func (s *Shard) finishHandoff(onDone func()) {
	if s.state != stateHandingOff {
		return
	}
	s.state = stateStopped
	s.entities = make(map[sharding.EntityKey]*entityHandle)
	s.metrics.EntitiesActive(string(s.key), 0)
	s.log.Info("stopped")
	if onDone != nil {
		onDone()
	}
	s.stop()
}
