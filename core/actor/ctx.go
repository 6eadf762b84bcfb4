package actor

import (
	"context"
	"log/slog"
)

type (
	HandlerCtx interface {
		context.Context
		Log() *slog.Logger
		// Schedule runs f asynchronously on the actor's bounded scheduler,
		// outside the mailbox. Use it for fan-out work that must not block
		// message processing.
		Schedule(f scheduleFunc)
		// Request sends a message through the actor's own mailbox and waits
		// for the reply. Used by periodic handlers to re-enter the actor
		// without bypassing single-writer semantics.
		Request(ctx context.Context, req any) (any, error)
	}
)

type handlerCtx struct {
	context.Context
	log     *slog.Logger
	request func(ctx context.Context, req any) (any, error)
	sched   Scheduler
}

func (hc *handlerCtx) Schedule(f scheduleFunc) { hc.sched.Schedule(f) }

func (hc *handlerCtx) Log() *slog.Logger { return hc.log }

func (hc *handlerCtx) Request(ctx context.Context, req any) (any, error) {
	return hc.request(ctx, req)
}

var _ HandlerCtx = (*handlerCtx)(nil)
