package hub

import (
	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/core/observer"
	"github.com/dorisoy/signalr-backplane/ports/kv"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

type (
	// SendToGroup fans a message out to every member of one group.
	SendToGroup struct {
		Message InvocationMessage `json:"message"`
	}

	// SendToGroupExcept is SendToGroup minus the listed connections,
	// typically the sender itself.
	SendToGroupExcept struct {
		Message     InvocationMessage `json:"message"`
		ExcludedIDs []string          `json:"excluded_ids,omitempty"`
	}
)

// GroupActorConfig wires one group fan-out actor.
type GroupActorConfig struct {
	Hub     string
	Group   string
	Store   kv.Store
	Pub     stream.Publisher
	Reg     *observer.Registry
	Metrics Metrics
}

// NewGroupHandlers builds the handler set for a group actor: one
// activation per (hub, group name), holding the group's current members.
func NewGroupHandlers(cfg GroupActorConfig) *actor.TypedHandlerRegistry {
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	f := &fanout{
		hub:     cfg.Hub,
		key:     GroupKey(cfg.Hub, cfg.Group),
		scope:   "group",
		store:   cfg.Store,
		pub:     cfg.Pub,
		reg:     cfg.Reg,
		metrics: cfg.Metrics,
	}

	regs := append(f.registrations(),
		actor.HandleRequest(func(hc actor.HandlerCtx, msg SendToGroup) (*SendAck, error) {
			return f.send(hc, msg.Message, nil)
		}),
		actor.HandleRequest(func(hc actor.HandlerCtx, msg SendToGroupExcept) (*SendAck, error) {
			return f.send(hc, msg.Message, msg.ExcludedIDs)
		}),
	)
	return actor.TypedHandlers(regs...)
}
