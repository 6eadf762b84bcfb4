// Package actor provides a mailbox-based actor model for building
// concurrent, message-driven components.
//
// Each actor processes messages sequentially from its mailbox, which gives
// every actor instance single-writer semantics over its own state: handlers
// never need locks because no two handlers of the same actor run at once.
// Different actor instances are fully concurrent.
//
// # Creating Actors
//
// The simplest way to create an actor is using typed handlers:
//
//	a := actor.TypedHandlers(
//	    actor.HandleMsg[AddConnection](func(hc actor.HandlerCtx, m AddConnection) error {
//	        // handle the command
//	        return nil
//	    }),
//	    actor.HandleRequest[SendConnection, SendResult](func(hc actor.HandlerCtx, m SendConnection) (*SendResult, error) {
//	        return &SendResult{Delivered: true}, nil
//	    }),
//	).ToActor(actor.Options{})
//
// # Sending Messages
//
// Use [Request] for request-response and [Publish] for fire-and-forget:
//
//	res, err := actor.Request[SendConnection, SendResult](ctx, a, msg)
//	err := actor.Publish(ctx, a, AddConnection{ID: "c1"})
//
// # Background Tasks
//
// Handlers can schedule background work via [HandlerCtx.Schedule]. Scheduled
// tasks run outside the mailbox on a bounded scheduler; use them for fan-out
// deliveries that must not block message processing.
package actor
