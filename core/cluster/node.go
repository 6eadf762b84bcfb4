package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dorisoy/signalr-backplane/core/ident"
)

// MsgNodeInfo is the message type for querying node metadata.
const MsgNodeInfo = "bp.node.info"

type (
	// GetNodeInfoRequest is a request for node metadata.
	GetNodeInfoRequest struct{}

	// GetNodeInfoResponse contains node metadata returned by [GetNodeInfoRequest].
	GetNodeInfoResponse struct {
		// NodeID is the unique identifier of the responding node.
		NodeID string `json:"node_id"`
		// Shards is the list of shard IDs owned by this node.
		Shards []uint32 `json:"shards"`
	}
)

func (GetNodeInfoRequest) messageType() string { return MsgNodeInfo }

// GetNodeInfo asks whichever node owns the scoped shard for its metadata.
func (c *ScopedClient) GetNodeInfo(ctx context.Context) (*GetNodeInfoResponse, error) {
	return NewRequest[GetNodeInfoRequest, GetNodeInfoResponse](c).Request(ctx, GetNodeInfoRequest{})
}

type (
	NodeOptions struct {
		Log       *slog.Logger
		NodeID    string
		Transport ServerTransport
		Shards    []uint32
		Handler   ServerHandlerFunc
		Metrics   Metrics
	}

	Node struct {
		log     *slog.Logger
		nodeID  string
		t       ServerTransport
		h       ServerHandlerFunc
		shards  []uint32
		metrics Metrics
	}
)

func NewNode(opts NodeOptions) *Node {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = ident.NodeID()
	}

	hdl := opts.Handler
	if hdl == nil {
		hdl = func(ctx context.Context, env Envelope) ([]byte, error) {
			return nil, fmt.Errorf("no handler registered")
		}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}

	return &Node{
		log:     log,
		nodeID:  nodeID,
		t:       opts.Transport,
		shards:  opts.Shards,
		h:       hdl,
		metrics: metrics,
	}
}

func (n *Node) ID() string { return n.nodeID }

func (n *Node) handleMsg(ctx context.Context, env Envelope) (data []byte, err error) {
	n.log.Debug(
		"handle",
		slog.Group(
			"envelope",
			slog.Int("shard", env.Shard),
			slog.String("type", env.Type),
			slog.Any("headers", env.Headers),
		),
	)

	// === handle internal messages ===

	switch env.Type {
	case MsgNodeInfo:
		return json.Marshal(GetNodeInfoResponse{
			NodeID: n.nodeID,
			Shards: n.shards,
		})
	}

	// use handler
	data, err = n.h(ctx, env)
	if err != nil {
		n.log.Error(
			"failed to handle message",
			slog.Group(
				"message",
				slog.String("type", env.Type),
				slog.Any("headers", env.Headers),
			),
			slog.Any("error", err),
		)
	}
	return
}

func (n *Node) Run(ctx context.Context) error {
	n.log.Info("starting node", slog.Int("num_shards", len(n.shards)))
	n.metrics.ShardsOwned(n.nodeID, len(n.shards))
	for _, s := range n.shards {
		_, err := n.t.SubscribeShard(ctx, s, n.handleMsg)
		if err != nil {
			return fmt.Errorf("failed to subscribe to shard %d: %w", s, err)
		}
	}
	return nil
}
