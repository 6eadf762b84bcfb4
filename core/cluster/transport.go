package cluster

import (
	"context"
)

// Subscription is a live shard subscription. Unsubscribe stops delivery;
// it is safe to call more than once.
type Subscription interface {
	Unsubscribe() error
}

// ServerHandlerFunc processes one envelope addressed to a shard this node
// owns, typically by routing it to the hub actor activation named in the
// envelope's key header, and returns the reply payload.
type ServerHandlerFunc = func(ctx context.Context, env Envelope) ([]byte, error)

// ClientTransport is the sending half: it carries an envelope to whichever
// node currently serves the envelope's shard.
type ClientTransport interface {
	// Request sends a message and waits for a reply.
	Request(ctx context.Context, env Envelope) ([]byte, error)

	Close() error
}

// ServerTransport is the receiving half. A node subscribes once per shard
// it owns; unowned shards are never subscribed, so misrouted requests fail
// at the transport instead of landing on the wrong node.
type ServerTransport interface {
	// SubscribeShard delivers envelopes for the shard.
	SubscribeShard(ctx context.Context, shardID uint32, h ServerHandlerFunc) (Subscription, error)

	Close() error
}

// Transport moves envelopes between backplane nodes. The NATS adapter maps
// shards onto per-shard subjects; [MemoryTransport] serves single-process
// deployments and tests.
type Transport interface {
	ClientTransport
	ServerTransport
}
