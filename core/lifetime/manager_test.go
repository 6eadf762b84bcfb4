package lifetime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dorisoy/signalr-backplane/core/cluster"
	"github.com/dorisoy/signalr-backplane/core/hub"
	"github.com/dorisoy/signalr-backplane/ports/kv"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

const testNumShards = 8

// harness runs a single-node cluster: mem transport, mem streams, mem kv,
// an activation host serving every hub actor flavor, and one manager.
type harness struct {
	streams *stream.MemProvider
	store   *kv.MemStore
	client  *cluster.Client
	mgr     *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transport := cluster.NewInMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })
	streams := stream.NewMemProvider()
	t.Cleanup(func() { _ = streams.Close() })
	store := kv.NewMemStore()

	cfg := hub.Config{Store: store, Pub: streams, Context: ctx}
	host := cluster.NewActivationHost(cluster.ActivationHostOpts{
		Context:    ctx,
		NodeID:     "n1",
		Create:     hub.NewActorFactory(cfg),
		Deactivate: hub.NewDeactivateFunc(nil),
		IdleTTLFor: hub.IdleTTLFor(cfg),
	})
	t.Cleanup(host.Close)

	shards := make([]uint32, testNumShards)
	for i := range shards {
		shards[i] = uint32(i)
	}
	node := cluster.NewNode(cluster.NodeOptions{
		NodeID:    "n1",
		Transport: transport,
		Shards:    shards,
		Handler:   host.Handler(),
	})
	require.NoError(t, node.Run(ctx))

	client, err := cluster.NewClient(cluster.ClientOptions{
		Transport: transport,
		NumShards: testNumShards,
	})
	require.NoError(t, err)

	mgr, err := NewManager(Options{
		HubName: "chat",
		Client:  client,
		Streams: streams,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	return &harness{streams: streams, store: store, client: client, mgr: mgr}
}

// fakeConn is an in-memory socket. Writes land on a buffered channel.
type fakeConn struct {
	id     string
	user   string
	ctx    context.Context
	abort  context.CancelFunc
	writes chan hub.InvocationMessage

	mu        sync.Mutex
	failWrite bool
}

func newFakeConn(id, user string) *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{
		id:     id,
		user:   user,
		ctx:    ctx,
		abort:  cancel,
		writes: make(chan hub.InvocationMessage, 16),
	}
}

func (c *fakeConn) ConnectionID() string     { return c.id }
func (c *fakeConn) UserIdentifier() string   { return c.user }
func (c *fakeConn) Context() context.Context { return c.ctx }

func (c *fakeConn) Write(_ context.Context, msg hub.InvocationMessage) error {
	c.mu.Lock()
	fail := c.failWrite
	c.mu.Unlock()
	if fail {
		return fmt.Errorf("socket gone")
	}
	c.writes <- msg
	return nil
}

func (c *fakeConn) recv(t *testing.T) hub.InvocationMessage {
	t.Helper()
	select {
	case msg := <-c.writes:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s: timed out waiting for message", c.id)
		return hub.InvocationMessage{}
	}
}

func (c *fakeConn) silent(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.writes:
		t.Fatalf("connection %s: unexpected message %+v", c.id, msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func connect(t *testing.T, h *harness, id, user string) *fakeConn {
	t.Helper()
	c := newFakeConn(id, user)
	require.NoError(t, h.mgr.OnConnected(context.Background(), c))
	return c
}

func TestManager_sendAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := connect(t, h, "c1", "")
	c2 := connect(t, h, "c2", "")

	require.NoError(t, h.mgr.SendAll(ctx, "notify", nil))
	require.Equal(t, "notify", c1.recv(t).Target)
	require.Equal(t, "notify", c2.recv(t).Target)

	require.NoError(t, h.mgr.SendAllExcept(ctx, "others", nil, []string{"c1"}))
	require.Equal(t, "others", c2.recv(t).Target)
	c1.silent(t)
}

func TestManager_sendConnection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := connect(t, h, "c1", "")

	args := []json.RawMessage{json.RawMessage(`"hi"`)}
	require.NoError(t, h.mgr.SendConnection(ctx, "c1", "greet", args))
	msg := c1.recv(t)
	require.Equal(t, "greet", msg.Target)
	require.Len(t, msg.Args, 1)
	require.JSONEq(t, `"hi"`, string(msg.Args[0]))

	err := h.mgr.SendConnection(ctx, "ghost", "greet", nil)
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestManager_sendUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	// alice has two devices, bob one
	a1 := connect(t, h, "a1", "alice")
	a2 := connect(t, h, "a2", "alice")
	b1 := connect(t, h, "b1", "bob")

	require.NoError(t, h.mgr.SendUser(ctx, "alice", "nudge", nil))
	require.Equal(t, "nudge", a1.recv(t).Target)
	require.Equal(t, "nudge", a2.recv(t).Target)
	b1.silent(t)

	require.NoError(t, h.mgr.SendUsers(ctx, []string{"alice", "bob"}, "all-hands", nil))
	require.Equal(t, "all-hands", a1.recv(t).Target)
	require.Equal(t, "all-hands", a2.recv(t).Target)
	require.Equal(t, "all-hands", b1.recv(t).Target)
}

func TestManager_groups(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := connect(t, h, "c1", "")
	c2 := connect(t, h, "c2", "")
	c3 := connect(t, h, "c3", "")

	require.NoError(t, h.mgr.AddToGroup(ctx, "c1", "room"))
	require.NoError(t, h.mgr.AddToGroup(ctx, "c2", "room"))

	require.NoError(t, h.mgr.SendGroup(ctx, "room", "update", nil))
	require.Equal(t, "update", c1.recv(t).Target)
	require.Equal(t, "update", c2.recv(t).Target)
	c3.silent(t)

	require.NoError(t, h.mgr.SendGroupExcept(ctx, "room", "echo", nil, []string{"c1"}))
	require.Equal(t, "echo", c2.recv(t).Target)
	c1.silent(t)

	require.NoError(t, h.mgr.RemoveFromGroup(ctx, "c2", "room"))
	require.NoError(t, h.mgr.SendGroup(ctx, "room", "after", nil))
	require.Equal(t, "after", c1.recv(t).Target)
	c2.silent(t)
}

func TestManager_disconnectCascadesGroupRemoval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := connect(t, h, "c1", "alice")
	c2 := connect(t, h, "c2", "")

	require.NoError(t, h.mgr.AddToGroup(ctx, "c1", "room"))
	require.NoError(t, h.mgr.AddToGroup(ctx, "c2", "room"))
	require.NoError(t, h.mgr.OnDisconnected(ctx, c1))
	// disconnecting twice is harmless
	require.NoError(t, h.mgr.OnDisconnected(ctx, c1))

	// nothing must reach c1's channel anymore, via any path
	gone := make(chan struct{}, 1)
	_, err := h.streams.Subscribe(ctx, hub.ConnectionChannel("chat", "c1"), func(context.Context, []byte) {
		gone <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, h.mgr.SendGroup(ctx, "room", "update", nil))
	require.Equal(t, "update", c2.recv(t).Target)
	require.NoError(t, h.mgr.SendAll(ctx, "broadcast", nil))
	require.Equal(t, "broadcast", c2.recv(t).Target)
	require.NoError(t, h.mgr.SendUser(ctx, "alice", "nudge", nil))

	select {
	case <-gone:
		t.Fatal("disconnected connection still receives messages")
	case <-time.After(100 * time.Millisecond):
	}
}

// respond wires a client-side handler: every invocation written to conn is
// answered via DeliverResult with fn's outcome, as connID.
func respond(t *testing.T, h *harness, conn *fakeConn, connID string, fn func(hub.InvocationMessage) (json.RawMessage, error)) {
	t.Helper()
	go func() {
		for {
			select {
			case <-conn.ctx.Done():
				return
			case msg := <-conn.writes:
				if msg.InvocationID == "" {
					continue
				}
				completion := hub.CompletionMessage{InvocationID: msg.InvocationID}
				if result, err := fn(msg); err != nil {
					completion.Error = err.Error()
				} else {
					completion.Success = true
					completion.Result = result
				}
				if err := h.mgr.DeliverResult(context.Background(), connID, completion); err != nil {
					t.Errorf("deliver result: %v", err)
				}
			}
		}
	}()
}

func TestManager_invokeRoundtrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := connect(t, h, "c1", "")

	respond(t, h, c1, "c1", func(msg hub.InvocationMessage) (json.RawMessage, error) {
		require.Equal(t, "add", msg.Target)
		var a, b int
		require.NoError(t, json.Unmarshal(msg.Args[0], &a))
		require.NoError(t, json.Unmarshal(msg.Args[1], &b))
		return json.Marshal(a + b)
	})

	args := []json.RawMessage{json.RawMessage(`2`), json.RawMessage(`3`)}
	result, err := h.mgr.Invoke(ctx, "c1", "add", args, "int")
	require.NoError(t, err)
	require.JSONEq(t, `5`, string(result))
}

func TestManager_invokeClientError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := connect(t, h, "c1", "")

	respond(t, h, c1, "c1", func(hub.InvocationMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("client exploded")
	})

	_, err := h.mgr.Invoke(ctx, "c1", "boom", nil, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "client exploded")
}

func TestManager_invokeUnknownConnection(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Invoke(context.Background(), "ghost", "add", nil, "int")
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestManager_invokeIgnoresForeignCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := connect(t, h, "c1", "")

	// the intruder answers first, with the right correlation ID but the
	// wrong connection; only c1's own completion may resolve the call
	respond(t, h, c1, "intruder", func(hub.InvocationMessage) (json.RawMessage, error) {
		return json.RawMessage(`"stolen"`), nil
	})

	invokeCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err := h.mgr.Invoke(invokeCtx, "c1", "secret", nil, "string")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_invokeAbortSurfaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := connect(t, h, "c1", "")

	errs := make(chan error, 1)
	go func() {
		_, err := h.mgr.Invoke(ctx, "c1", "never-answered", nil, "")
		errs <- err
	}()

	// wait for the invocation to reach the socket, then kill the socket
	c1.recv(t)
	c1.abort()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrConnectionAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("invoke did not return after abort")
	}
}

func TestManager_invokeTimeoutTearsDownRecord(t *testing.T) {
	h := newHarness(t)
	connect(t, h, "c1", "")

	invokeCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := h.mgr.Invoke(invokeCtx, "c1", "slow", nil, "int")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// abandoned records do not linger
	require.Equal(t, 0, h.store.Len())
}

func TestManager_returnTypeLookup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c1 := connect(t, h, "c1", "")

	types := make(chan string, 1)
	respond(t, h, c1, "c1", func(msg hub.InvocationMessage) (json.RawMessage, error) {
		typ, found, err := h.mgr.ReturnType(context.Background(), msg.InvocationID)
		require.NoError(t, err)
		require.True(t, found)
		types <- typ
		return json.RawMessage(`42`), nil
	})

	result, err := h.mgr.Invoke(ctx, "c1", "answer", nil, "int")
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(result))
	require.Equal(t, "int", <-types)

	// after teardown the lookup finds nothing
	_, found, err := h.mgr.ReturnType(ctx, "k7a_Zw89xGBsb0pQeMnV2A")
	require.NoError(t, err)
	require.False(t, found)
}

// A call whose completion takes longer than the invocation actor's idle
// TTL must still resolve: the heartbeat keeps the activation and its
// caller subscription alive until the client finally answers.
func TestManager_heartbeatKeepsSlowInvokeAlive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transport := cluster.NewInMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })
	streams := stream.NewMemProvider()
	t.Cleanup(func() { _ = streams.Close() })
	store := kv.NewMemStore()

	cfg := hub.Config{Store: store, Pub: streams, Context: ctx}
	baseTTL := hub.IdleTTLFor(cfg)
	host := cluster.NewActivationHost(cluster.ActivationHostOpts{
		Context:    ctx,
		NodeID:     "n1",
		Create:     hub.NewActorFactory(cfg),
		Deactivate: hub.NewDeactivateFunc(nil),
		IdleTTLFor: func(key string) time.Duration {
			// idle out invocation activations far faster than the call runs
			if kind, _, _, err := hub.ParseKey(key); err == nil && kind == hub.KindInvocation {
				return 150 * time.Millisecond
			}
			return baseTTL(key)
		},
		SweepInterval: 30 * time.Millisecond,
	})
	t.Cleanup(host.Close)

	shards := make([]uint32, testNumShards)
	for i := range shards {
		shards[i] = uint32(i)
	}
	node := cluster.NewNode(cluster.NodeOptions{
		NodeID:    "n1",
		Transport: transport,
		Shards:    shards,
		Handler:   host.Handler(),
	})
	require.NoError(t, node.Run(ctx))

	client, err := cluster.NewClient(cluster.ClientOptions{
		Transport: transport,
		NumShards: testNumShards,
	})
	require.NoError(t, err)

	mgr, err := NewManager(Options{
		HubName:           "chat",
		Client:            client,
		Streams:           streams,
		HeartbeatInterval: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	h := &harness{streams: streams, store: store, client: client, mgr: mgr}
	c1 := connect(t, h, "c1", "")
	respond(t, h, c1, "c1", func(hub.InvocationMessage) (json.RawMessage, error) {
		time.Sleep(500 * time.Millisecond) // several idle TTLs
		return json.RawMessage(`"late"`), nil
	})

	callCtx, callCancel := context.WithTimeout(ctx, 3*time.Second)
	defer callCancel()
	res, err := mgr.Invoke(callCtx, "c1", "slow", nil, "")
	require.NoError(t, err)
	require.JSONEq(t, `"late"`, string(res))
}
