package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

type (
	emptyOut struct{}

	// Reply carries the result of a message handler execution.
	Reply struct {
		Result any
		Error  error
	}

	// Envelope wraps a message for delivery to an actor's mailbox. Reply may
	// be nil for fire-and-forget delivery.
	Envelope struct {
		Type  string
		Data  []byte
		Reply chan Reply
	}

	// HandlerCtx is passed to message handlers. It is the actor's context
	// plus a scoped logger.
	HandlerCtx interface {
		context.Context
		Log() *slog.Logger
	}

	// RawHandler is the low-level message handling interface. Most users
	// should use [TypedHandlers].
	RawHandler interface {
		InitHandler(hc HandlerCtx) error
		HandleMessage(hc HandlerCtx, mt string, data []byte) (any, error)
	}

	// MsgHandlerFunc is the signature for message handler functions.
	MsgHandlerFunc func(hc HandlerCtx, msg any) (any, error)

	// HandlerInitFunc runs during actor initialization.
	HandlerInitFunc func(hc HandlerCtx) error

	// HandlerRegistrar registers message handlers with an actor.
	HandlerRegistrar interface {
		Register(msgType string, f func() any, handle MsgHandlerFunc, init HandlerInitFunc)
	}

	// HandlerRegistration registers handlers with a registrar. Create via
	// [HandleMsg] or [HandleRequest].
	HandlerRegistration func(registrar HandlerRegistrar)
)

type handlerCtx struct {
	context.Context
	log *slog.Logger
}

func (hc *handlerCtx) Log() *slog.Logger { return hc.log }

var _ HandlerCtx = (*handlerCtx)(nil)

// TypedHandlerRegistry dispatches incoming messages to typed handlers by
// message type name.
type TypedHandlerRegistry struct {
	mu       sync.RWMutex
	inits    []HandlerInitFunc
	handlers map[string]MsgHandlerFunc
	types    map[string]func() any
}

// TypedHandlers creates a handler registry from the given registrations.
func TypedHandlers(handlers ...HandlerRegistration) *TypedHandlerRegistry {
	th := &TypedHandlerRegistry{
		handlers: make(map[string]MsgHandlerFunc),
		types:    make(map[string]func() any),
	}
	for _, h := range handlers {
		h(th)
	}
	return th
}

// ToActor creates and starts an actor using this registry.
func (t *TypedHandlerRegistry) ToActor(opts Options) Actor {
	return New(opts, t)
}

func (t *TypedHandlerRegistry) Register(msgType string, typeFactory func() any, msgHandler MsgHandlerFunc, init HandlerInitFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msgType != "" {
		if msgHandler != nil {
			t.handlers[msgType] = msgHandler
		}
		if typeFactory != nil {
			t.types[msgType] = typeFactory
		}
	}
	if init != nil {
		t.inits = append(t.inits, init)
	}
}

func (t *TypedHandlerRegistry) InitHandler(hc HandlerCtx) error {
	for _, i := range t.inits {
		if err := i(hc); err != nil {
			return fmt.Errorf("failed to init handler: %w", err)
		}
	}
	return nil
}

func (t *TypedHandlerRegistry) HandleMessage(hc HandlerCtx, mt string, data []byte) (any, error) {
	t.mu.RLock()
	h, ok := t.handlers[mt]
	f, tok := t.types[mt]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no handler for message type %s", mt)
	}
	if !tok {
		return nil, fmt.Errorf("no type registered for message type %s", mt)
	}
	msg := f()
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return h(hc, msg)
}

// Init registers an initialization function called when the actor starts.
func Init(initFunc HandlerInitFunc) HandlerRegistration {
	return func(registrar HandlerRegistrar) {
		registrar.Register("", nil, nil, initFunc)
	}
}

// HandleMsg registers a fire-and-forget handler for type IN.
func HandleMsg[IN any](msgHandler func(h HandlerCtx, i IN) error) HandlerRegistration {
	return HandleRequest[IN, emptyOut](func(h HandlerCtx, i IN) (*emptyOut, error) {
		return nil, msgHandler(h, i)
	})
}

// HandleRequest registers a request-response handler receiving IN and
// returning *OUT.
func HandleRequest[IN any, OUT any](h func(h HandlerCtx, i IN) (*OUT, error)) HandlerRegistration {
	return func(registrar HandlerRegistrar) {
		registrar.Register(
			MsgTypeFor[IN](),
			func() any { return new(IN) },
			func(hc HandlerCtx, msg any) (any, error) {
				i, ok := msg.(*IN)
				if !ok {
					return nil, fmt.Errorf("invalid request message type: %T", msg)
				}
				return h(hc, *i)
			},
			nil,
		)
	}
}

type requester interface {
	Send(ctx context.Context, msg Envelope) error
}

// Request sends a request to an actor and waits for the response. The
// request is serialized as JSON and dispatched by the type name of IN.
func Request[IN any, OUT any](ctx context.Context, r requester, i IN) (*OUT, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	res, err := RawRequest(ctx, r, MsgTypeFor[IN](), data)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.(*OUT), nil
}

// Publish sends a fire-and-forget message to an actor.
func Publish[IN any](ctx context.Context, r requester, i IN) error {
	_, err := Request[IN, emptyOut](ctx, r, i)
	return err
}

// RawRequest sends a pre-serialized message and waits for the response.
func RawRequest(ctx context.Context, r requester, msgType string, data []byte) (any, error) {
	replyChan := make(chan Reply, 1)

	if err := r.Send(ctx, Envelope{Type: msgType, Data: data, Reply: replyChan}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-replyChan:
		return reply.Result, reply.Error
	}
}

// RawSend sends a pre-serialized message without waiting for a result.
func RawSend(ctx context.Context, r requester, msgType string, data []byte) error {
	return r.Send(ctx, Envelope{Type: msgType, Data: data})
}
