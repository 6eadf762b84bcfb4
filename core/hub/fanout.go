package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/core/ds"
	"github.com/dorisoy/signalr-backplane/core/observer"
	"github.com/dorisoy/signalr-backplane/ports/kv"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

// Membership messages shared by the user and group fan-out actors. The
// observer stands for whichever server currently hosts the connection;
// its liveness is refreshed by periodic pings and lapses when the host
// dies without saying goodbye.
type (
	FanoutAdd struct {
		ConnectionID string       `json:"connection_id"`
		Observer     observer.Ref `json:"observer"`
	}

	FanoutRemove struct {
		ConnectionID string `json:"connection_id"`
	}

	FanoutPing struct {
		Observer observer.Ref `json:"observer"`
	}

	// Deactivate is delivered by the activation host right before the actor
	// stops, so it can flush or discard its persisted state.
	Deactivate struct{}

	// SendAck reports how many connections a send operation reached.
	SendAck struct {
		Delivered int `json:"delivered"`
	}
)

// fanoutState is the persisted form of a fan-out actor: just the member
// connection IDs. Observer channels are derivable from the IDs, so they
// are not stored.
type fanoutState struct {
	Connections *ds.StringSet `json:"connections"`
}

// fanout holds the in-memory state shared by the user and group actors:
// an expiring observer registry whose keys are the member connection IDs,
// mirrored to the kv store on deactivation.
type fanout struct {
	hub     string
	key     string // actor key, doubles as the kv record key
	scope   string // "user" or "group", for logs and metrics
	store   kv.Store
	pub     stream.Publisher
	reg     *observer.Registry
	metrics Metrics
}

func (f *fanout) connectionRef(connID string) observer.Ref {
	return observer.Ref{
		Channel:      ConnectionChannel(f.hub, connID),
		ConnectionID: connID,
	}
}

// init reloads the persisted member set. Members are re-subscribed with a
// fresh liveness timestamp; those whose hosting server is gone stop being
// pinged and lapse on their own.
func (f *fanout) init(hc actor.HandlerCtx) error {
	st, err := kv.Get[fanoutState](hc, f.store, f.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s state %s: %w", f.scope, f.key, err)
	}
	if st.Connections == nil {
		return nil
	}
	st.Connections.ForEach(func(id string) {
		f.reg.Subscribe(id, f.connectionRef(id))
	})
	return nil
}

func (f *fanout) add(hc actor.HandlerCtx, msg FanoutAdd) error {
	if msg.ConnectionID == "" {
		return nil
	}
	ref := msg.Observer
	if ref.Channel == "" {
		ref = f.connectionRef(msg.ConnectionID)
	}
	f.reg.Subscribe(msg.ConnectionID, ref)
	return nil
}

func (f *fanout) remove(hc actor.HandlerCtx, msg FanoutRemove) error {
	f.reg.Unsubscribe(msg.ConnectionID)
	return nil
}

func (f *fanout) ping(hc actor.HandlerCtx, msg FanoutPing) error {
	if msg.Observer.ConnectionID == "" {
		return nil
	}
	f.reg.Refresh(msg.Observer.ConnectionID, msg.Observer)
	return nil
}

// send fans msg out to every live member except those in excluded. A slow
// or failed member never blocks the rest; failed members are dropped from
// the registry.
func (f *fanout) send(hc actor.HandlerCtx, msg InvocationMessage, excluded []string) (*SendAck, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode invocation message: %w", err)
	}

	var skip map[string]struct{}
	if len(excluded) > 0 {
		skip = make(map[string]struct{}, len(excluded))
		for _, id := range excluded {
			skip[id] = struct{}{}
		}
	}

	n := f.reg.NotifyExcept(hc, skip, func(ctx context.Context, ref observer.Ref) error {
		return f.pub.Publish(ctx, ref.Channel, data)
	})
	f.metrics.MessageSent(f.scope, n)
	return &SendAck{Delivered: n}, nil
}

// shutdown prunes lapsed members and then either flushes the surviving
// set or deletes the record outright when nothing is left.
func (f *fanout) shutdown(hc actor.HandlerCtx, _ Deactivate) error {
	f.reg.ClearExpired()
	ids := f.reg.Keys()
	if len(ids) == 0 {
		if err := f.store.Delete(hc, f.key); err != nil && !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("clear %s state %s: %w", f.scope, f.key, err)
		}
		return nil
	}
	st := fanoutState{Connections: ds.NewSet(ids...)}
	if err := kv.Put(hc, f.store, f.key, st, kv.PutOptions{}); err != nil {
		return fmt.Errorf("flush %s state %s: %w", f.scope, f.key, err)
	}
	return nil
}

// registrations returns the handler set common to both fan-out flavors.
func (f *fanout) registrations() []actor.HandlerRegistration {
	return []actor.HandlerRegistration{
		actor.Init(f.init),
		actor.HandleMsg(f.add),
		actor.HandleMsg(f.remove),
		actor.HandleMsg(f.ping),
		actor.HandleMsg(f.shutdown),
	}
}
