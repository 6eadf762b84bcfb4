// Command backplane runs a single backplane server with a small built-in
// chat scenario, mostly useful for poking at the system and its metrics.
//
// NOTE: run nats: docker run --net=host nats:latest -js
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	natsadapter "github.com/dorisoy/signalr-backplane/adapters/nats"
	prom "github.com/dorisoy/signalr-backplane/adapters/prometheus"
	"github.com/dorisoy/signalr-backplane/core/app"
	"github.com/dorisoy/signalr-backplane/core/cluster"
	"github.com/dorisoy/signalr-backplane/core/hub"
	"github.com/dorisoy/signalr-backplane/core/ident"
	"github.com/dorisoy/signalr-backplane/core/lifetime"
	"github.com/dorisoy/signalr-backplane/ports/kv"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

var (
	backendType = getEnv("BACKEND", "mem")
	numShards   = getEnvInt("NUM_SHARDS", 32)
	metricsAddr = getEnv("METRICS_ADDR", ":9090")
	hubName     = getEnv("HUB", "chat")
)

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

// demoConn is a stand-in for a real socket: writes go to stdout.
type demoConn struct {
	id   string
	user string
	ctx  context.Context
	log  *slog.Logger

	// answered by the "client" when an invocation carries a correlation ID
	results chan hub.InvocationMessage
}

func newDemoConn(ctx context.Context, log *slog.Logger, user string) *demoConn {
	return &demoConn{
		id:      ident.ConnectionID(),
		user:    user,
		ctx:     ctx,
		log:     log,
		results: make(chan hub.InvocationMessage, 8),
	}
}

func (c *demoConn) ConnectionID() string     { return c.id }
func (c *demoConn) UserIdentifier() string   { return c.user }
func (c *demoConn) Context() context.Context { return c.ctx }

func (c *demoConn) Write(_ context.Context, msg hub.InvocationMessage) error {
	c.log.Info("client received",
		"connection_id", c.id, "target", msg.Target, "args", len(msg.Args))
	if msg.InvocationID != "" {
		c.results <- msg
	}
	return nil
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := prom.NewAllMetrics(reg)
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.Error("metrics server failed", "error", err)
		}
	}()

	var (
		transport cluster.Transport
		streams   stream.Provider
		store     kv.Store
	)
	switch backendType {
	case "nats":
		connect := natsadapter.ReuseConnection(natsadapter.ConnectDefault())

		tp, err := natsadapter.NewTransport(natsadapter.TransportConfig{Connect: connect, Log: log})
		checkErr(err)
		defer tp.Close()
		transport = tp

		sp, err := natsadapter.NewStreamProvider(natsadapter.StreamConfig{Connect: connect, Log: log})
		checkErr(err)
		defer sp.Close()
		streams = sp

		ks, err := natsadapter.NewKvStore(natsadapter.KvConfig{Connect: connect, Bucket: "backplane-state"})
		checkErr(err)
		defer ks.Close()
		store = ks
	default:
		mt := cluster.NewInMemoryTransport()
		defer mt.Close()
		transport = mt

		mp := stream.NewMemProvider()
		defer mp.Close()
		streams = mp

		store = kv.NewMemStore()
	}

	a, err := app.New(app.Config{
		NumShards:      uint32(numShards),
		Transport:      transport,
		Streams:        streams,
		Store:          store,
		Log:            log,
		ClusterMetrics: m.Cluster,
		HubMetrics:     m.Hub,
	})
	checkErr(err)
	defer a.Close()
	checkErr(a.Run(ctx))
	log.Info("backplane up", "backend", backendType, "node_id", a.NodeID())

	mgr, err := a.Hub(hubName)
	checkErr(err)

	// === scenario: two clients, a group, and an invoke ===

	alice := newDemoConn(ctx, log, "alice")
	bob := newDemoConn(ctx, log, "bob")
	checkErr(mgr.OnConnected(ctx, alice))
	checkErr(mgr.OnConnected(ctx, bob))

	checkErr(mgr.SendAll(ctx, "welcome", args(`"hello everyone"`)))

	checkErr(mgr.AddToGroup(ctx, alice.ConnectionID(), "ops"))
	checkErr(mgr.AddToGroup(ctx, bob.ConnectionID(), "ops"))
	checkErr(mgr.SendGroupExcept(ctx, "ops", "groupMessage", args(`"from alice"`), []string{alice.ConnectionID()}))
	checkErr(mgr.SendUser(ctx, "bob", "directMessage", args(`"psst"`)))

	// bob's "client" answers invocations
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-bob.results:
				checkErr(mgr.DeliverResult(ctx, bob.ConnectionID(), hub.CompletionMessage{
					InvocationID: msg.InvocationID,
					Success:      true,
					Result:       json.RawMessage(`"pong"`),
				}))
			}
		}
	}()

	invokeCtx, invokeCancel := context.WithTimeout(ctx, 5*time.Second)
	result, err := mgr.Invoke(invokeCtx, bob.ConnectionID(), "ping", nil, "string")
	invokeCancel()
	checkErr(err)
	log.Info("invoke resolved", "result", string(result))

	// unknown targets surface as a distinct error
	if _, err := mgr.Invoke(ctx, "no-such-connection", "ping", nil, ""); !errors.Is(err, lifetime.ErrConnectionNotFound) {
		log.Warn("unexpected invoke error", "error", err)
	}

	checkErr(mgr.OnDisconnected(ctx, alice))
	checkErr(mgr.OnDisconnected(ctx, bob))
	log.Info("scenario done", "metrics", metricsAddr)
}

func args(raw ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out
}

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
