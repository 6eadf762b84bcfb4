package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

// listen subscribes to a connection's delivery channel and returns a
// channel of decoded invocation messages.
func listen(t *testing.T, ctx context.Context, p stream.Provider, channel string) <-chan InvocationMessage {
	t.Helper()
	out := make(chan InvocationMessage, 16)
	_, err := p.Subscribe(ctx, channel, func(_ context.Context, data []byte) {
		var msg InvocationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Errorf("bad invocation message: %v", err)
			return
		}
		out <- msg
	})
	require.NoError(t, err)
	return out
}

func recvMsg(t *testing.T, ch <-chan InvocationMessage) InvocationMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return InvocationMessage{}
	}
}

func requireSilent(t *testing.T, ch <-chan InvocationMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func newDirectoryActor(t *testing.T, p stream.Provider) actor.Actor {
	t.Helper()
	act := NewConnectionDirectoryHandlers(ConnectionDirectoryConfig{
		Hub: "chat",
		Pub: p,
	}).ToActor(actor.Options{})
	t.Cleanup(act.Stop)
	return act
}

func TestConnectionDirectory_sendAll(t *testing.T) {
	ctx := context.Background()
	p := stream.NewMemProvider()
	defer p.Close()
	act := newDirectoryActor(t, p)

	c1 := listen(t, ctx, p, ConnectionChannel("chat", "c1"))
	c2 := listen(t, ctx, p, ConnectionChannel("chat", "c2"))

	require.NoError(t, actor.Publish(ctx, act, AddConnection{ConnectionID: "c1"}))
	require.NoError(t, actor.Publish(ctx, act, AddConnection{ConnectionID: "c2"}))

	ack, err := actor.Request[SendAll, SendAck](ctx, act, SendAll{
		Message: InvocationMessage{Target: "notify"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, ack.Delivered)
	require.Equal(t, "notify", recvMsg(t, c1).Target)
	require.Equal(t, "notify", recvMsg(t, c2).Target)
}

func TestConnectionDirectory_sendAllExcept(t *testing.T) {
	ctx := context.Background()
	p := stream.NewMemProvider()
	defer p.Close()
	act := newDirectoryActor(t, p)

	c1 := listen(t, ctx, p, ConnectionChannel("chat", "c1"))
	c2 := listen(t, ctx, p, ConnectionChannel("chat", "c2"))

	require.NoError(t, actor.Publish(ctx, act, AddConnection{ConnectionID: "c1"}))
	require.NoError(t, actor.Publish(ctx, act, AddConnection{ConnectionID: "c2"}))

	ack, err := actor.Request[SendAll, SendAck](ctx, act, SendAll{
		Message:     InvocationMessage{Target: "notify"},
		ExcludedIDs: []string{"c1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, ack.Delivered)
	require.Equal(t, "notify", recvMsg(t, c2).Target)
	requireSilent(t, c1)
}

func TestConnectionDirectory_sendConnection(t *testing.T) {
	ctx := context.Background()
	p := stream.NewMemProvider()
	defer p.Close()
	act := newDirectoryActor(t, p)

	c1 := listen(t, ctx, p, ConnectionChannel("chat", "c1"))
	require.NoError(t, actor.Publish(ctx, act, AddConnection{ConnectionID: "c1"}))

	res, err := actor.Request[SendConnection, SendResult](ctx, act, SendConnection{
		ConnectionID: "c1",
		Message:      InvocationMessage{Target: "direct"},
	})
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, "direct", recvMsg(t, c1).Target)

	// unknown target is reported, not an error
	res, err = actor.Request[SendConnection, SendResult](ctx, act, SendConnection{
		ConnectionID: "nope",
		Message:      InvocationMessage{Target: "direct"},
	})
	require.NoError(t, err)
	require.False(t, res.Delivered)
}

func TestConnectionDirectory_sendConnections_skipsUnknown(t *testing.T) {
	ctx := context.Background()
	p := stream.NewMemProvider()
	defer p.Close()
	act := newDirectoryActor(t, p)

	c1 := listen(t, ctx, p, ConnectionChannel("chat", "c1"))
	require.NoError(t, actor.Publish(ctx, act, AddConnection{ConnectionID: "c1"}))

	ack, err := actor.Request[SendConnections, SendAck](ctx, act, SendConnections{
		ConnectionIDs: []string{"c1", "ghost"},
		Message:       InvocationMessage{Target: "multi"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, ack.Delivered)
	require.Equal(t, "multi", recvMsg(t, c1).Target)
}

func TestConnectionDirectory_removeConnection(t *testing.T) {
	ctx := context.Background()
	p := stream.NewMemProvider()
	defer p.Close()
	act := newDirectoryActor(t, p)

	c1 := listen(t, ctx, p, ConnectionChannel("chat", "c1"))
	require.NoError(t, actor.Publish(ctx, act, AddConnection{ConnectionID: "c1"}))
	require.NoError(t, actor.Publish(ctx, act, RemoveConnection{ConnectionID: "c1"}))
	// removing again is a no-op
	require.NoError(t, actor.Publish(ctx, act, RemoveConnection{ConnectionID: "c1"}))

	ack, err := actor.Request[SendAll, SendAck](ctx, act, SendAll{
		Message: InvocationMessage{Target: "notify"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, ack.Delivered)
	requireSilent(t, c1)
}
