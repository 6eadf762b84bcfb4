package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/core/cache"
	"github.com/dorisoy/signalr-backplane/core/sf"
)

// ActorFactory creates the actor for a given key.
type ActorFactory func(key string) (actor.Actor, error)

// DeactivateFunc runs before an activation is stopped, giving the actor a
// chance to flush or clear persisted state.
type DeactivateFunc func(ctx context.Context, key string, act actor.Actor)

type ActivationHostOpts struct {
	Context context.Context
	Log     *slog.Logger
	NodeID  string

	Create     ActorFactory
	Deactivate DeactivateFunc

	// IdleTTL evicts an activation that received no message for this long.
	// 0 disables idle eviction.
	IdleTTL time.Duration
	// IdleTTLFor overrides IdleTTL per key. Return 0 to pin the activation.
	IdleTTLFor func(key string) time.Duration
	// MaxActive caps resident activations (LRU eviction). <= 0: unbounded.
	MaxActive int
	// SweepInterval is how often idle activations are collected.
	// Defaults to IdleTTL/2 when IdleTTL > 0.
	SweepInterval time.Duration

	Metrics Metrics
}

// ActivationHost owns the resident actor activations of a node: it routes
// envelopes to the activation addressed by the key header, creating it on
// first use and deactivating it when idle, evicted, or explicitly removed.
type ActivationHost struct {
	ctx        context.Context
	log        *slog.Logger
	nodeID     string
	create     ActorFactory
	deactivate DeactivateFunc
	idleTTL    time.Duration
	idleFor    func(key string) time.Duration
	metrics    Metrics

	activations *cache.LRU
	inflight    *sf.Singleflight[actor.Actor]
	deactWG     sync.WaitGroup
}

func NewActivationHost(opts ActivationHostOpts) *ActivationHost {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	if opts.Create == nil {
		opts.Create = func(key string) (actor.Actor, error) {
			return nil, fmt.Errorf("no actor factory configured")
		}
	}

	h := &ActivationHost{
		ctx:        opts.Context,
		log:        opts.Log,
		nodeID:     opts.NodeID,
		create:     opts.Create,
		deactivate: opts.Deactivate,
		idleTTL:    opts.IdleTTL,
		idleFor:    opts.IdleTTLFor,
		metrics:    opts.Metrics,
		inflight:   sf.New[actor.Actor](),
	}

	h.activations = cache.NewLRU(cache.LRUOpts{
		Size:    opts.MaxActive,
		OnEvict: h.onEvict,
	})

	sweep := opts.SweepInterval
	if sweep == 0 && opts.IdleTTL > 0 {
		sweep = opts.IdleTTL / 2
	}
	if sweep > 0 {
		go h.runSweeper(sweep)
	}

	return h
}

// Handler returns the ServerHandlerFunc to plug into a [Node].
func (h *ActivationHost) Handler() ServerHandlerFunc {
	return func(ctx context.Context, env Envelope) ([]byte, error) {
		key, ok := env.Key()
		if !ok {
			return nil, ErrMissingKeyHeader
		}
		if key == "" {
			return nil, ErrKeyRequired
		}

		act, err := h.activation(key)
		if err != nil {
			return nil, err
		}

		res, err := actor.RawRequest(ctx, act, env.Type, env.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to send message to actor: %w", err)
		}

		return json.Marshal(res)
	}
}

// Deactivate tears down the activation for key, if resident. The actor's
// deactivate hook runs before it is stopped.
func (h *ActivationHost) Deactivate(key string) {
	h.activations.Delete(key)
}

// Len reports the number of resident activations.
func (h *ActivationHost) Len() int { return h.activations.Len() }

// Close deactivates all resident activations, idle or not, and waits for
// their deactivate hooks to finish so pending state is flushed before the
// process exits.
func (h *ActivationHost) Close() {
	h.activations.Purge()
	h.deactWG.Wait()
}

func (h *ActivationHost) activation(key string) (actor.Actor, error) {
	if v, ok := h.activations.Get(key); ok {
		return v.(actor.Actor), nil
	}

	// dedupe concurrent activations of the same key
	return h.inflight.Do(key, func() (actor.Actor, error) {
		if v, ok := h.activations.Get(key); ok {
			return v.(actor.Actor), nil
		}

		act, err := h.create(key)
		if err != nil {
			return nil, fmt.Errorf("failed to activate %s: %w", key, err)
		}

		ttl := h.idleTTL
		if h.idleFor != nil {
			ttl = h.idleFor(key)
		}
		h.activations.Put(key, act, cache.WithTTL(ttl))
		h.metrics.ActivationsActive(h.nodeID, h.activations.Len())
		h.log.Debug("activated", slog.String("key", key))
		return act, nil
	})
}

func (h *ActivationHost) onEvict(key string, val any) {
	act, ok := val.(actor.Actor)
	if !ok {
		return
	}
	h.metrics.ActivationDeactivated("evicted")

	// Deactivation must not block the caller holding the cache path.
	h.deactWG.Add(1)
	go func() {
		defer h.deactWG.Done()
		if h.deactivate != nil {
			ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
			defer cancel()
			h.deactivate(ctx, key, act)
		}
		act.Stop()
		h.metrics.ActivationsActive(h.nodeID, h.activations.Len())
		h.log.Debug("deactivated", slog.String("key", key))
	}()
}

func (h *ActivationHost) runSweeper(interval time.Duration) {
	tmr := time.NewTicker(interval)
	defer tmr.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-tmr.C:
			if n := h.activations.Sweep(); n > 0 {
				h.log.Debug("swept idle activations", slog.Int("count", n))
			}
		}
	}
}
