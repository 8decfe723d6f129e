package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/codewandler/shardr-go/core/sharding"
)

// responseFrame is the minimal response encoding for Request(). It must match
// the NATS adapter so backends stay interchangeable.
type responseFrame struct {
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

// MemoryTransport connects peers inside one process. Used by tests and the
// demo; semantics match the NATS adapter (async delivery, per-request inbox).
type MemoryTransport struct {
	mu  sync.RWMutex
	log *slog.Logger

	closed bool

	// addr -> subID -> handler
	subs map[sharding.RegionID]map[string]HandlerFunc

	// replyTo -> response channel
	inboxes map[string]chan []byte

	seq uint64
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		log:     slog.New(slog.DiscardHandler),
		subs:    make(map[sharding.RegionID]map[string]HandlerFunc),
		inboxes: make(map[string]chan []byte),
	}
}

func (t *MemoryTransport) WithLog(log *slog.Logger) *MemoryTransport {
	t.log = log.With(slog.String("transport", "mem"))
	return t
}

func (t *MemoryTransport) Request(ctx context.Context, env Envelope) ([]byte, error) {
	replyTo := t.newInboxID()
	replyCh, err := t.registerInbox(replyTo)
	if err != nil {
		return nil, err
	}
	defer t.unregisterInbox(replyTo)

	env.ReplyTo = replyTo

	if err := t.publish(ctx, env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-replyCh:
		if !ok {
			return nil, ErrClosed
		}
		var rf responseFrame
		if err := json.Unmarshal(b, &rf); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if rf.Err != "" {
			return nil, errors.New(rf.Err)
		}
		return rf.Data, nil
	}
}

func (t *MemoryTransport) Subscribe(ctx context.Context, addr sharding.RegionID, h HandlerFunc) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.log.Debug("subscribe", slog.String("addr", string(addr)))

	if t.closed {
		return nil, ErrClosed
	}
	if t.subs[addr] == nil {
		t.subs[addr] = make(map[string]HandlerFunc)
	}

	subID := t.newSubID(addr)
	t.subs[addr][subID] = h

	s := &memSubscription{t: t, addr: addr, subID: subID}

	context.AfterFunc(ctx, func() {
		_ = s.Unsubscribe()
	})

	return s, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	// unblock all waiters
	for k, ch := range t.inboxes {
		close(ch)
		delete(t.inboxes, k)
	}
	for addr := range t.subs {
		delete(t.subs, addr)
	}

	t.log.Debug("closed")
	return nil
}

/* ---------------------- internals ---------------------- */

func (t *MemoryTransport) publish(ctx context.Context, env Envelope) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	subs := t.subs[env.To]
	handlers := make([]HandlerFunc, 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	if len(handlers) == 0 {
		return ErrNoSubscriber
	}

	for _, h := range handlers {
		h := h
		go t.invokeHandler(ctx, h, env)
	}
	return nil
}

func (t *MemoryTransport) invokeHandler(ctx context.Context, h HandlerFunc, env Envelope) {
	resp, err := h(ctx, env)

	if env.ReplyTo == "" {
		if err != nil {
			t.log.Error("handler failed", slog.String("type", env.Type), slog.Any("error", err))
		}
		return
	}

	rf := responseFrame{Data: resp}
	if err != nil {
		rf.Err = err.Error()
		rf.Data = nil
	}
	b, _ := json.Marshal(rf)

	t.mu.RLock()
	ch := t.inboxes[env.ReplyTo]
	t.mu.RUnlock()
	if ch == nil {
		// requester timed out or canceled; drop
		return
	}

	select {
	case ch <- b:
	default:
	}
}

type memSubscription struct {
	t     *MemoryTransport
	addr  sharding.RegionID
	subID string
	once  sync.Once
}

func (s *memSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		defer s.t.mu.Unlock()
		if subs := s.t.subs[s.addr]; subs != nil {
			delete(subs, s.subID)
			if len(subs) == 0 {
				delete(s.t.subs, s.addr)
			}
		}
	})
	return nil
}

func (t *MemoryTransport) newInboxID() string {
	return fmt.Sprintf("inbox.%d", atomic.AddUint64(&t.seq, 1))
}

func (t *MemoryTransport) newSubID(addr sharding.RegionID) string {
	return fmt.Sprintf("sub.%s.%d", addr, atomic.AddUint64(&t.seq, 1))
}

func (t *MemoryTransport) registerInbox(replyTo string) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	// buffered so the handler can respond even if the requester is between selects
	ch := make(chan []byte, 1)
	t.inboxes[replyTo] = ch
	return ch, nil
}

func (t *MemoryTransport) unregisterInbox(replyTo string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch := t.inboxes[replyTo]; ch != nil {
		close(ch)
		delete(t.inboxes, replyTo)
	}
}

var _ Transport = (*MemoryTransport)(nil)
