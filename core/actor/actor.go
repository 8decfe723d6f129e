// Package actor provides the mailbox actor used for entity handles: one
// goroutine per actor, messages processed strictly one at a time, typed JSON
// handlers. It is deliberately small; supervision and clustering live in the
// layers above.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

type (
	// OnPanic is invoked when a handler panics. The actor keeps running.
	OnPanic func(recovered any, stack []byte)

	Actor interface {
		Send(ctx context.Context, msg Envelope) error
		Stop()
		Done() <-chan struct{}
	}
)

type Options struct {
	MailboxSize int
	Context     context.Context
	Logger      *slog.Logger
	OnPanic     OnPanic
}

type BaseActor struct {
	ctx context.Context
	log *slog.Logger

	mailbox chan Envelope

	stop chan struct{}
	done chan struct{}

	mu     sync.Mutex
	closed bool

	onPanic OnPanic
}

func New(opt Options, handler RawHandler) Actor {
	if opt.MailboxSize == 0 {
		opt.MailboxSize = 1024
	}
	if opt.Context == nil {
		opt.Context = context.Background()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.OnPanic == nil {
		opt.OnPanic = func(recovered any, stack []byte) {
			opt.Logger.Error("actor panicked", slog.Any("recovered", recovered), slog.String("stack", string(stack)))
		}
	}

	a := &BaseActor{
		ctx:     opt.Context,
		log:     opt.Logger,
		mailbox: make(chan Envelope, opt.MailboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onPanic: opt.OnPanic,
	}

	hc := &handlerCtx{Context: opt.Context, log: opt.Logger}

	go a.loop(hc, handler)
	return a
}

// Done is closed when the actor stops.
func (a *BaseActor) Done() <-chan struct{} { return a.done }

// Stop requests shutdown and waits for completion. Idempotent.
func (a *BaseActor) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stop)
	<-a.done
}

// Send enqueues a message, blocking until enqueued, ctx canceled, or the
// actor stopped.
func (a *BaseActor) Send(ctx context.Context, e Envelope) error {
	if a.isClosed() {
		return errors.New("actor stopped")
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("send failed: %w", ctx.Err())
	case <-a.stop:
		return errors.New("actor stopped")
	case a.mailbox <- e:
		return nil
	}
}

func (a *BaseActor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *BaseActor) loop(hc HandlerCtx, h RawHandler) {
	defer close(a.done)

	safeHandle := func(mt string, data []byte) (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				a.onPanic(r, debug.Stack())
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return h.HandleMessage(hc, mt, data)
	}

	if err := h.InitHandler(hc); err != nil {
		a.log.Error("actor init failed", slog.Any("error", err))
		return
	}

	handle := func(msg Envelope) {
		res, err := safeHandle(msg.Type, msg.Data)
		if msg.Reply != nil {
			msg.Reply <- Reply{Result: res, Error: err}
		}
	}

	for {
		select {
		case <-a.stop:
			// messages accepted before the stop request still get processed
			for {
				select {
				case msg := <-a.mailbox:
					handle(msg)
				default:
					return
				}
			}
		case <-hc.Done():
			return
		case msg := <-a.mailbox:
			handle(msg)
		}
	}
}
