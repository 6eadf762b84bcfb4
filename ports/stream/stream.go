// Package stream defines the pub/sub channel abstraction that moves
// messages between server processes.
//
// Each live connection has exactly one delivery channel keyed by its
// connection ID, and each in-flight invocation has one completion channel
// keyed by its correlation ID. The hosting process for a channel is simply
// whichever one currently holds a live subscription on it; publishers
// never learn subscriber identity.
package stream

import (
	"context"
	"errors"
)

var (
	ErrClosed = errors.New("stream provider closed")
)

// Handler consumes one message delivered on a subscribed channel.
// Delivery on a single channel is FIFO in publish order.
type Handler func(ctx context.Context, data []byte)

type Subscription interface {
	Unsubscribe() error
}

type Publisher interface {
	// Publish delivers data to all current subscribers of channel.
	// Publishing to a channel without subscribers is not an error.
	Publish(ctx context.Context, channel string, data []byte) error
}

type Subscriber interface {
	// Subscribe registers h for messages on channel until the subscription
	// is cancelled or ctx is done.
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
}

// Provider is the full pub/sub channel surface.
type Provider interface {
	Publisher
	Subscriber

	Close() error
}
