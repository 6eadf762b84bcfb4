package actor

import (
	"context"
	"encoding/json"

	"github.com/dorisoy/signalr-backplane/internal/reflector"
)

type (
	// Reply carries the result of a message handler execution.
	Reply struct {
		Result any   // Handler return value (nil for fire-and-forget)
		Error  error // Handler error, if any
	}

	// Envelope wraps a message for delivery to an actor's mailbox.
	Envelope struct {
		Type  string     // Message type name for handler dispatch
		Data  []byte     // JSON-encoded message payload
		Reply chan Reply // Channel for sending the response (nil = no reply expected)
	}
)

type msgTyper interface{ MsgType() string }

func msgTypeFor[T any]() string {
	var z T
	if mt, ok := any(z).(msgTyper); ok {
		return mt.MsgType()
	}
	return reflector.TypeInfoFor[T]().Name
}

func msgTypeOf(x any) string {
	if mt, ok := x.(msgTyper); ok {
		return mt.MsgType()
	}
	return reflector.TypeInfoOf(x).Name
}

func marshalMsg(v any) ([]byte, error) { return json.Marshal(v) }

type requester interface {
	Send(ctx context.Context, msg Envelope) error
}

// Request sends a request to an actor and waits for the response.
// The request is serialized as JSON and dispatched by the type name of IN.
func Request[IN any, OUT any](ctx context.Context, r requester, i IN) (*OUT, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	res, err := RawRequest(ctx, r, msgTypeFor[IN](), data)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.(*OUT), nil
}

// Publish sends a fire-and-forget message to an actor, waiting only for the
// handler to run (so errors still surface).
func Publish[IN any](ctx context.Context, r requester, i IN) error {
	_, err := Request[IN, emptyOut](ctx, r, i)
	return err
}

// RawRequest sends a pre-serialized message to an actor and waits for the
// response. Use [Request] for type-safe messaging.
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
