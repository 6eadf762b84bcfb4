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
	OnPanic func(recovered any, stack []byte, msg any)

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
	// MaxConcurrentTasks caps the number of tasks run via HandlerCtx.Schedule.
	// If 0 or negative, a default bound is applied.
	MaxConcurrentTasks int
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
	if opt.MaxConcurrentTasks <= 0 {
		opt.MaxConcurrentTasks = 32
	}
	if opt.OnPanic == nil {
		opt.OnPanic = func(recovered any, stack []byte, msg any) {
			opt.Logger.Error("actor panicked", slog.Any("recovered", recovered), slog.Any("stack", stack), slog.Any("msg", msg))
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

	hCtx := &handlerCtx{
		Context: opt.Context,
		log:     opt.Logger,
		request: func(ctx context.Context, req any) (any, error) {
			data, err := marshalMsg(req)
			if err != nil {
				return nil, err
			}
			return RawRequest(ctx, a, msgTypeOf(req), data)
		},
		sched: NewScheduler(opt.MaxConcurrentTasks, opt.Context),
	}

	go a.loop(hCtx, handler)
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

// Send enqueues a message (blocking until enqueued, ctx canceled, or actor stopped).
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

// TrySend attempts a non-blocking enqueue.
func (a *BaseActor) TrySend(e Envelope) bool {
	if a.isClosed() {
		return false
	}
	select {
	case <-a.stop:
		return false
	case a.mailbox <- e:
		return true
	default:
		return false
	}
}

func (a *BaseActor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *BaseActor) loop(hc HandlerCtx, h RawHandler) {
	defer close(a.done)

	// crash containment: a panicking handler must not take the actor down
	safeHandle := func(mt string, data []byte) (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				if a.onPanic != nil {
					a.onPanic(r, debug.Stack(), mt)
				}
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return h.HandleMessage(hc, mt, data)
	}

	if err := h.InitHandler(hc); err != nil {
		a.log.Error("actor init failed", slog.Any("error", err))
		return
	}

	for {
		select {
		case <-a.stop:
			return
		case <-hc.Done():
			return
		case msg := <-a.mailbox:
			res, err := safeHandle(msg.Type, msg.Data)
			if msg.Reply != nil {
				msg.Reply <- Reply{Result: res, Error: err}
			}
		}
	}
}
