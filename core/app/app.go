// Package app assembles one backplane server process: the cluster
// transport, the shard-owning node with its activation host, the client
// side, and one lifetime manager per hub.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dorisoy/signalr-backplane/core/cluster"
	"github.com/dorisoy/signalr-backplane/core/hub"
	"github.com/dorisoy/signalr-backplane/core/ident"
	"github.com/dorisoy/signalr-backplane/core/lifetime"
	"github.com/dorisoy/signalr-backplane/ports/kv"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

const DefaultNumShards = 32

type Config struct {
	// NodeID identifies this process in the cluster. Generated when empty.
	NodeID string
	// NumShards is the fixed shard count all nodes must agree on.
	NumShards uint32
	// Seed perturbs key→shard hashing; must match across the cluster.
	Seed string
	// Peers is the static membership (node IDs including this one) used to
	// derive shard ownership. Empty means single node owning every shard.
	Peers []string

	ClientTimeout time.Duration
	Log           *slog.Logger

	Transport cluster.Transport
	Streams   stream.Provider
	Store     kv.Store

	ClusterMetrics cluster.Metrics
	HubMetrics     hub.Metrics
}

// App is one running backplane server.
type App struct {
	log    *slog.Logger
	cfg    Config
	client *cluster.Client
	node   *cluster.Node
	host   *cluster.ActivationHost

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	managers map[string]*lifetime.Manager
}

func New(cfg Config) (*App, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("app: Config.Transport is required")
	}
	if cfg.Streams == nil {
		return nil, fmt.Errorf("app: Config.Streams is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("app: Config.Store is required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = ident.NodeID()
	}
	if cfg.NumShards == 0 {
		cfg.NumShards = DefaultNumShards
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	log := cfg.Log.With("node_id", cfg.NodeID)

	ctx, cancel := context.WithCancel(context.Background())

	hubCfg := hub.Config{
		Store:         cfg.Store,
		Pub:           cfg.Streams,
		Log:           log,
		Context:       ctx,
		Metrics:       cfg.HubMetrics,
		ClientTimeout: cfg.ClientTimeout,
	}
	host := cluster.NewActivationHost(cluster.ActivationHostOpts{
		Context:    ctx,
		Log:        log,
		NodeID:     cfg.NodeID,
		Create:     hub.NewActorFactory(hubCfg),
		Deactivate: hub.NewDeactivateFunc(log),
		IdleTTLFor: hub.IdleTTLFor(hubCfg),
		Metrics:    cfg.ClusterMetrics,
	})

	peers := cfg.Peers
	if len(peers) == 0 {
		peers = []string{cfg.NodeID}
	}
	shards := cluster.ShardsForNode(cfg.NodeID, peers, cfg.NumShards, cfg.Seed)

	node := cluster.NewNode(cluster.NodeOptions{
		Log:       log,
		NodeID:    cfg.NodeID,
		Transport: cfg.Transport,
		Shards:    shards,
		Handler:   host.Handler(),
		Metrics:   cfg.ClusterMetrics,
	})

	client, err := cluster.NewClient(cluster.ClientOptions{
		Transport: cfg.Transport,
		NumShards: cfg.NumShards,
		Seed:      cfg.Seed,
		Metrics:   cfg.ClusterMetrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	return &App{
		log:      log,
		cfg:      cfg,
		client:   client,
		node:     node,
		host:     host,
		ctx:      ctx,
		cancel:   cancel,
		managers: make(map[string]*lifetime.Manager),
	}, nil
}

// Run subscribes this node's shards. It returns once the subscriptions
// are established; message handling continues until ctx is done.
func (a *App) Run(ctx context.Context) error {
	return a.node.Run(ctx)
}

// NodeID reports this server's cluster identity.
func (a *App) NodeID() string { return a.node.ID() }

// Client exposes the raw cluster client, for diagnostics.
func (a *App) Client() *cluster.Client { return a.client }

// Hub returns the lifetime manager of the named hub, creating it on
// first use.
func (a *App) Hub(name string) (*lifetime.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if mgr, ok := a.managers[name]; ok {
		return mgr, nil
	}
	mgr, err := lifetime.NewManager(lifetime.Options{
		HubName:       name,
		Client:        a.client,
		Streams:       a.cfg.Streams,
		Log:           a.log,
		ClientTimeout: a.cfg.ClientTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.managers[name] = mgr
	return mgr, nil
}

// Close tears down the managers and the activation host. The transport,
// streams and store are owned by the caller.
func (a *App) Close() error {
	a.mu.Lock()
	for name, mgr := range a.managers {
		_ = mgr.Close()
		delete(a.managers, name)
	}
	a.mu.Unlock()

	a.host.Close()
	a.cancel()
	return nil
}
