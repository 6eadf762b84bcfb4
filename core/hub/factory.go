package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/core/cluster"
	"github.com/dorisoy/signalr-backplane/core/observer"
	"github.com/dorisoy/signalr-backplane/ports/kv"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

// DefaultClientTimeout mirrors the usual hub client-timeout setting; it
// anchors observer expiry and actor idle deactivation.
const DefaultClientTimeout = 30 * time.Second

// observerTTLBuffer is added on top of the client timeout so an observer
// always survives at least one missed heartbeat.
const observerTTLBuffer = time.Minute

// Config wires the actor factory for every hub actor flavor.
type Config struct {
	Store   kv.Store
	Pub     stream.Publisher
	Log     *slog.Logger
	Context context.Context
	Metrics Metrics

	// ClientTimeout is the hub's client-timeout setting. Observer TTL is
	// ClientTimeout plus a fixed buffer. Defaults to [DefaultClientTimeout].
	ClientTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Context == nil {
		c.Context = context.Background()
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics()
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
}

// ObserverTTL is how long an observer stays live without a refresh.
func (c Config) ObserverTTL() time.Duration {
	return c.ClientTimeout + observerTTLBuffer
}

// NewActorFactory returns the cluster.ActorFactory that materializes the
// actor behind any hub key: directories, user and group fan-outs, and
// invocation trackers.
func NewActorFactory(cfg Config) cluster.ActorFactory {
	cfg.defaults()

	return func(key string) (actor.Actor, error) {
		kind, hubName, id, err := ParseKey(key)
		if err != nil {
			return nil, err
		}

		var handlers *actor.TypedHandlerRegistry
		switch kind {
		case KindConnectionDirectory:
			handlers = NewConnectionDirectoryHandlers(ConnectionDirectoryConfig{
				Hub:     hubName,
				Pub:     cfg.Pub,
				Metrics: cfg.Metrics,
			})
		case KindGroupDirectory:
			handlers = NewGroupDirectoryHandlers()
		case KindUser:
			handlers = NewUserHandlers(UserActorConfig{
				Hub:     hubName,
				UserID:  id,
				Store:   cfg.Store,
				Pub:     cfg.Pub,
				Reg:     observer.NewRegistry(cfg.ObserverTTL()),
				Metrics: cfg.Metrics,
			})
		case KindGroup:
			handlers = NewGroupHandlers(GroupActorConfig{
				Hub:     hubName,
				Group:   id,
				Store:   cfg.Store,
				Pub:     cfg.Pub,
				Reg:     observer.NewRegistry(cfg.ObserverTTL()),
				Metrics: cfg.Metrics,
			})
		case KindInvocation:
			handlers = NewInvocationHandlers(InvocationActorConfig{
				Hub:          hubName,
				InvocationID: id,
				Store:        cfg.Store,
				Pub:          cfg.Pub,
				Reg:          observer.NewRegistry(cfg.ObserverTTL()),
				Metrics:      cfg.Metrics,
			})
		default:
			return nil, fmt.Errorf("no actor for key %q", key)
		}

		return handlers.ToActor(actor.Options{
			Context: cfg.Context,
			Logger:  cfg.Log.With("actor", key),
		}), nil
	}
}

// NewDeactivateFunc returns the hook the activation host runs before
// stopping an activation: it delivers [Deactivate] through the mailbox so
// the actor can flush or discard persisted state under its own
// single-writer discipline.
func NewDeactivateFunc(log *slog.Logger) cluster.DeactivateFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, key string, act actor.Actor) {
		if err := actor.Publish(ctx, act, Deactivate{}); err != nil {
			log.Warn("deactivate hook failed", "key", key, "error", err)
		}
	}
}

// IdleTTLFor returns the per-key idle deactivation policy: directories
// are pinned, fan-out actors linger past observer expiry so lapsed
// members are pruned on their way out, and invocation actors go idle as
// soon as an abandoned call's observer could have lapsed.
func IdleTTLFor(cfg Config) func(key string) time.Duration {
	cfg.defaults()
	observerTTL := cfg.ObserverTTL()

	return func(key string) time.Duration {
		kind, _, _, err := ParseKey(key)
		if err != nil {
			return observerTTL
		}
		switch kind {
		case KindConnectionDirectory, KindGroupDirectory:
			return 0 // pinned
		case KindInvocation:
			return observerTTL
		default:
			return 2 * observerTTL
		}
	}
}
