package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/core/observer"
	"github.com/dorisoy/signalr-backplane/ports/kv"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

// InvocationRecord is the persisted pairing of one outstanding
// client invocation: which connection must answer, under which
// correlation ID, and what result type the caller expects.
type InvocationRecord struct {
	ConnectionID string `json:"connection_id"`
	InvocationID string `json:"invocation_id"`
	ReturnType   string `json:"return_type,omitempty"`
}

// Invocation actor messages.
type (
	AddInvocation struct {
		Observer observer.Ref      `json:"observer"`
		Record   *InvocationRecord `json:"record"`
	}

	// TryCompleteResult offers a completion on behalf of ConnectionID. It
	// is honored only when a record exists, its owning connection matches
	// exactly and the correlation IDs line up; anything else is silently
	// dropped so one connection cannot inject results into another's call.
	TryCompleteResult struct {
		ConnectionID string            `json:"connection_id"`
		Completion   CompletionMessage `json:"completion"`
	}

	TryGetReturnType struct{}

	ReturnTypeResult struct {
		Found bool   `json:"found"`
		Type  string `json:"type,omitempty"`
	}

	RemoveInvocation struct{}

	// RemovedInvocation carries whatever record was pending before the
	// removal; nil when the call had already resolved or never existed.
	RemovedInvocation struct {
		Record *InvocationRecord `json:"record,omitempty"`
	}
)

// InvocationActorConfig wires one invocation actor.
type InvocationActorConfig struct {
	Hub          string
	InvocationID string
	Store        kv.Store
	Pub          stream.Publisher
	Reg          *observer.Registry
	Metrics      Metrics
}

// invocationActor tracks a single outstanding call. The registry holds at
// most one observer, the caller's completion listener.
type invocationActor struct {
	key     string
	store   kv.Store
	pub     stream.Publisher
	reg     *observer.Registry
	metrics Metrics
	rec     *InvocationRecord
}

const callerObserverKey = "caller"

// NewInvocationHandlers builds the handler set for one invocation actor:
// one activation per correlation ID, alive from call issue until the
// completion lands, the caller gives up, or the owning connection's
// observer lapses.
func NewInvocationHandlers(cfg InvocationActorConfig) *actor.TypedHandlerRegistry {
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	a := &invocationActor{
		key:     InvocationKey(cfg.Hub, cfg.InvocationID),
		store:   cfg.Store,
		pub:     cfg.Pub,
		reg:     cfg.Reg,
		metrics: cfg.Metrics,
	}
	return actor.TypedHandlers(
		actor.Init(a.init),
		actor.HandleMsg(a.add),
		actor.HandleMsg(a.tryComplete),
		actor.HandleRequest(a.returnType),
		actor.HandleRequest(a.remove),
		actor.HandleMsg(a.ping),
		actor.HandleMsg(a.shutdown),
	)
}

func (a *invocationActor) init(hc actor.HandlerCtx) error {
	rec, err := kv.Get[InvocationRecord](hc, a.store, a.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load invocation record %s: %w", a.key, err)
	}
	a.rec = &rec
	return nil
}

func (a *invocationActor) add(hc actor.HandlerCtx, msg AddInvocation) error {
	if msg.Record == nil || msg.Record.ConnectionID == "" || msg.Record.InvocationID == "" {
		hc.Log().Debug("rejected incomplete invocation record")
		return nil
	}
	if a.rec != nil {
		// correlation IDs are generated fresh per call; a resident record
		// means a duplicate registration, which we ignore
		hc.Log().Warn("invocation already pending", "key", a.key)
		return nil
	}
	a.rec = msg.Record
	a.reg.Subscribe(callerObserverKey, msg.Observer)
	if err := kv.Put(hc, a.store, a.key, *a.rec, kv.PutOptions{}); err != nil {
		return fmt.Errorf("persist invocation record %s: %w", a.key, err)
	}
	return nil
}

func (a *invocationActor) tryComplete(hc actor.HandlerCtx, msg TryCompleteResult) error {
	if a.rec == nil ||
		a.rec.ConnectionID != msg.ConnectionID ||
		a.rec.InvocationID != msg.Completion.InvocationID {
		a.metrics.InvocationCompleted("mismatched")
		hc.Log().Debug("dropped mismatched completion",
			"key", a.key, "from", msg.ConnectionID)
		return nil
	}

	data, err := json.Marshal(msg.Completion)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	a.reg.Notify(hc, func(ctx context.Context, ref observer.Ref) error {
		return a.pub.Publish(ctx, ref.Channel, data)
	})

	// first matching completion wins; tear down immediately so the
	// activation goes idle
	if err := a.clear(hc); err != nil {
		return err
	}
	a.metrics.InvocationCompleted("completed")
	return nil
}

func (a *invocationActor) returnType(hc actor.HandlerCtx, _ TryGetReturnType) (*ReturnTypeResult, error) {
	if a.rec == nil {
		return &ReturnTypeResult{Found: false}, nil
	}
	return &ReturnTypeResult{Found: true, Type: a.rec.ReturnType}, nil
}

func (a *invocationActor) remove(hc actor.HandlerCtx, _ RemoveInvocation) (*RemovedInvocation, error) {
	prev := a.rec
	if err := a.clear(hc); err != nil {
		return nil, err
	}
	if prev != nil {
		a.metrics.InvocationCompleted("abandoned")
	}
	return &RemovedInvocation{Record: prev}, nil
}

func (a *invocationActor) ping(hc actor.HandlerCtx, msg FanoutPing) error {
	if _, ok := a.reg.Get(callerObserverKey); !ok {
		return nil
	}
	a.reg.Refresh(callerObserverKey, msg.Observer)
	return nil
}

func (a *invocationActor) shutdown(hc actor.HandlerCtx, _ Deactivate) error {
	if a.rec == nil {
		return nil
	}
	a.reg.ClearExpired()
	if a.reg.Len() == 0 {
		// the caller's observer lapsed: nobody is waiting anymore
		return a.clear(hc)
	}
	return kv.Put(hc, a.store, a.key, *a.rec, kv.PutOptions{})
}

// clear drops the record, the subscription and the persisted state,
// regardless of how many of them exist. Safe to call repeatedly.
func (a *invocationActor) clear(ctx context.Context) error {
	a.rec = nil
	a.reg.Clear()
	if err := a.store.Delete(ctx, a.key); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("clear invocation record %s: %w", a.key, err)
	}
	return nil
}
