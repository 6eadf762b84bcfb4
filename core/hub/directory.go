package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/core/observer"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

// Connection directory messages. The directory is the per-hub roster of
// every live connection across all servers; it backs the broadcast and
// send-to-connection operations.
type (
	AddConnection struct {
		ConnectionID string `json:"connection_id"`
	}

	RemoveConnection struct {
		ConnectionID string `json:"connection_id"`
	}

	SendAll struct {
		Message     InvocationMessage `json:"message"`
		ExcludedIDs []string          `json:"excluded_ids,omitempty"`
	}

	SendConnection struct {
		ConnectionID string            `json:"connection_id"`
		Message      InvocationMessage `json:"message"`
	}

	SendConnections struct {
		ConnectionIDs []string          `json:"connection_ids"`
		Message       InvocationMessage `json:"message"`
	}

	// SendResult reports whether a targeted send found its connection.
	SendResult struct {
		Delivered bool `json:"delivered"`
	}
)

// ConnectionDirectoryConfig wires one hub's connection directory actor.
type ConnectionDirectoryConfig struct {
	Hub     string
	Pub     stream.Publisher
	Metrics Metrics
}

type connectionDirectory struct {
	hub     string
	pub     stream.Publisher
	reg     *observer.Registry
	metrics Metrics
}

// NewConnectionDirectoryHandlers builds the handler set for a hub's
// connection directory. The directory is transient and pinned: its roster
// is rebuilt from reconnects after a restart, never persisted.
func NewConnectionDirectoryHandlers(cfg ConnectionDirectoryConfig) *actor.TypedHandlerRegistry {
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	d := &connectionDirectory{
		hub: cfg.Hub,
		pub: cfg.Pub,
		// no TTL: membership is maintained by explicit add/remove only
		reg:     observer.NewRegistry(0),
		metrics: cfg.Metrics,
	}
	return actor.TypedHandlers(
		actor.HandleMsg(d.add),
		actor.HandleMsg(d.remove),
		actor.HandleRequest(d.sendAll),
		actor.HandleRequest(d.sendConnection),
		actor.HandleRequest(d.sendConnections),
		// transient: nothing to flush when the host shuts down
		actor.HandleMsg(func(hc actor.HandlerCtx, _ Deactivate) error { return nil }),
	)
}

func (d *connectionDirectory) add(hc actor.HandlerCtx, msg AddConnection) error {
	if msg.ConnectionID == "" {
		return fmt.Errorf("add connection: empty connection id")
	}
	d.reg.Subscribe(msg.ConnectionID, observer.Ref{
		Channel:      ConnectionChannel(d.hub, msg.ConnectionID),
		ConnectionID: msg.ConnectionID,
	})
	return nil
}

func (d *connectionDirectory) remove(hc actor.HandlerCtx, msg RemoveConnection) error {
	d.reg.Unsubscribe(msg.ConnectionID)
	return nil
}

func (d *connectionDirectory) sendAll(hc actor.HandlerCtx, msg SendAll) (*SendAck, error) {
	data, err := json.Marshal(msg.Message)
	if err != nil {
		return nil, fmt.Errorf("encode invocation message: %w", err)
	}

	var skip map[string]struct{}
	if len(msg.ExcludedIDs) > 0 {
		skip = make(map[string]struct{}, len(msg.ExcludedIDs))
		for _, id := range msg.ExcludedIDs {
			skip[id] = struct{}{}
		}
	}

	n := d.reg.NotifyExcept(hc, skip, func(ctx context.Context, ref observer.Ref) error {
		return d.pub.Publish(ctx, ref.Channel, data)
	})
	d.metrics.MessageSent("all", n)
	return &SendAck{Delivered: n}, nil
}

func (d *connectionDirectory) sendConnection(hc actor.HandlerCtx, msg SendConnection) (*SendResult, error) {
	ref, ok := d.reg.Get(msg.ConnectionID)
	if !ok {
		return &SendResult{Delivered: false}, nil
	}
	data, err := json.Marshal(msg.Message)
	if err != nil {
		return nil, fmt.Errorf("encode invocation message: %w", err)
	}
	if err := d.pub.Publish(hc, ref.Channel, data); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", ref.Channel, err)
	}
	d.metrics.MessageSent("connection", 1)
	return &SendResult{Delivered: true}, nil
}

func (d *connectionDirectory) sendConnections(hc actor.HandlerCtx, msg SendConnections) (*SendAck, error) {
	data, err := json.Marshal(msg.Message)
	if err != nil {
		return nil, fmt.Errorf("encode invocation message: %w", err)
	}

	delivered := 0
	for _, id := range msg.ConnectionIDs {
		ref, ok := d.reg.Get(id)
		if !ok {
			continue
		}
		if err := d.pub.Publish(hc, ref.Channel, data); err != nil {
			hc.Log().Warn("send to connection failed",
				"connection_id", id, "error", err)
			continue
		}
		delivered++
	}
	d.metrics.MessageSent("connection", delivered)
	return &SendAck{Delivered: delivered}, nil
}
