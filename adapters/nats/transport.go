package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/core/transport"
)

type TransportConfig struct {
	Connect       Connector    // nil means ConnectDefault()
	Log           *slog.Logger // optional
	SubjectPrefix string       // e.g. "shardr" -> shardr.node.<region-id>
}

// Transport carries sharding envelopes over NATS request/reply. Each node
// address maps to one subject, replies flow through per-request inboxes.
type Transport struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string

	mu   sync.Mutex
	subs map[*natsgo.Subscription]struct{}

	closed atomic.Bool
}

// responseFrame is the reply encoding. Must match the in-memory transport in
// core/transport so the two are interchangeable.
type responseFrame struct {
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &Transport{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats")),
		prefix:  cfg.SubjectPrefix,
		subs:    make(map[*natsgo.Subscription]struct{}),
	}, nil
}

// subjectFor returns the subject a node address maps to.
func (t *Transport) subjectFor(addr sharding.RegionID) string {
	p := t.prefix
	if p == "" {
		p = "shardr"
	}
	return p + ".node." + string(addr)
}

func (t *Transport) Request(ctx context.Context, env transport.Envelope) ([]byte, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}

	inbox := natsgo.NewInbox()
	ch := make(chan *natsgo.Msg, 1)
	sub, err := t.nc.ChanSubscribe(inbox, ch)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe inbox: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
		close(ch)
	}()

	env.ReplyTo = inbox

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := t.nc.Publish(t.subjectFor(env.To), payload); err != nil {
		return nil, fmt.Errorf("nats: publish: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, transport.ErrClosed
		}
		var rf responseFrame
		if err := json.Unmarshal(msg.Data, &rf); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if rf.Err != "" {
			return nil, errors.New(rf.Err)
		}
		return rf.Data, nil
	}
}

// Subscribe serves envelopes addressed to addr until ctx ends or the
// subscription is cancelled.
func (t *Transport) Subscribe(ctx context.Context, addr sharding.RegionID, h transport.HandlerFunc) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}

	sub, err := t.nc.Subscribe(t.subjectFor(addr), func(msg *natsgo.Msg) {
		var env transport.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.log.Error("failed to decode envelope", slog.Any("error", err))
			return
		}

		data, err := h(ctx, env)
		rf := responseFrame{Data: data}
		if err != nil {
			rf.Err = err.Error()
		}
		b, _ := json.Marshal(rf)

		if env.ReplyTo != "" {
			if err := t.nc.Publish(env.ReplyTo, b); err != nil {
				t.log.Error("failed to publish reply", slog.Any("error", err))
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", addr, err)
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}()

	return &subscription{sub: sub, t: t}, nil
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return transport.ErrClosed
	}
	t.mu.Lock()
	for s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.subs = map[*natsgo.Subscription]struct{}{}
	t.mu.Unlock()
	if t.nc != nil {
		t.nc.Drain()
		t.closeNc()
	}
	return nil
}

type subscription struct {
	sub *natsgo.Subscription
	t   *Transport
}

func (s *subscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.t.mu.Lock()
	delete(s.t.subs, s.sub)
	s.t.mu.Unlock()
	return err
}

var _ transport.Transport = &Transport{}
