package cluster

import "errors"

var (
	// Transport errors
	ErrTransportClosed            = errors.New("transport closed")
	ErrTransportNoShardSubscriber = errors.New("no subscriber for shard")

	// Handler errors
	ErrKeyRequired      = errors.New("key is required")
	ErrMissingKeyHeader = errors.New("missing x-bp-key header")
)
