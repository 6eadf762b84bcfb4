package hub

import (
	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/core/observer"
	"github.com/dorisoy/signalr-backplane/ports/kv"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

// SendToUser fans a message out to every connection of one user.
type SendToUser struct {
	Message InvocationMessage `json:"message"`
}

// UserActorConfig wires one user fan-out actor.
type UserActorConfig struct {
	Hub     string
	UserID  string
	Store   kv.Store
	Pub     stream.Publisher
	Reg     *observer.Registry
	Metrics Metrics
}

// NewUserHandlers builds the handler set for a user actor: one activation
// per (hub, user ID), tracking every connection the user currently has
// open across all servers.
func NewUserHandlers(cfg UserActorConfig) *actor.TypedHandlerRegistry {
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	f := &fanout{
		hub:     cfg.Hub,
		key:     UserKey(cfg.Hub, cfg.UserID),
		scope:   "user",
		store:   cfg.Store,
		pub:     cfg.Pub,
		reg:     cfg.Reg,
		metrics: cfg.Metrics,
	}

	regs := append(f.registrations(),
		actor.HandleRequest(func(hc actor.HandlerCtx, msg SendToUser) (*SendAck, error) {
			return f.send(hc, msg.Message, nil)
		}),
	)
	return actor.TypedHandlers(regs...)
}
