package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dorisoy/signalr-backplane/core/actor"
	"github.com/dorisoy/signalr-backplane/core/ident"
	"github.com/dorisoy/signalr-backplane/core/observer"
	"github.com/dorisoy/signalr-backplane/ports/kv"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

type invFixture struct {
	act   actor.Actor
	store *kv.MemStore
	p     *stream.MemProvider
	invID string
	// completions delivered on the caller's channel
	completions <-chan CompletionMessage
}

func newInvFixture(t *testing.T, reg *observer.Registry) *invFixture {
	t.Helper()
	ctx := context.Background()
	p := stream.NewMemProvider()
	t.Cleanup(func() { p.Close() })
	store := kv.NewMemStore()
	invID := ident.InvocationID()

	if reg == nil {
		reg = observer.NewRegistry(time.Minute)
	}
	act := NewInvocationHandlers(InvocationActorConfig{
		Hub:          "chat",
		InvocationID: invID,
		Store:        store,
		Pub:          p,
		Reg:          reg,
		Metrics:      NopMetrics(),
	}).ToActor(actor.Options{})
	t.Cleanup(act.Stop)

	out := make(chan CompletionMessage, 4)
	_, err := p.Subscribe(ctx, CompletionChannel("chat", invID), func(_ context.Context, data []byte) {
		var c CompletionMessage
		if err := json.Unmarshal(data, &c); err != nil {
			t.Errorf("bad completion: %v", err)
			return
		}
		out <- c
	})
	require.NoError(t, err)

	return &invFixture{act: act, store: store, p: p, invID: invID, completions: out}
}

func (f *invFixture) callerRef() observer.Ref {
	return observer.Ref{Channel: CompletionChannel("chat", f.invID), ConnectionID: "caller-conn"}
}

func (f *invFixture) record(connID string) *InvocationRecord {
	return &InvocationRecord{ConnectionID: connID, InvocationID: f.invID, ReturnType: "int"}
}

func recvCompletion(t *testing.T, ch <-chan CompletionMessage) CompletionMessage {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return CompletionMessage{}
	}
}

func requireNoCompletion(t *testing.T, ch <-chan CompletionMessage) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected completion: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvocation_completeDeliversOnce(t *testing.T) {
	ctx := context.Background()
	f := newInvFixture(t, nil)

	require.NoError(t, actor.Publish(ctx, f.act, AddInvocation{
		Observer: f.callerRef(),
		Record:   f.record("c1"),
	}))
	require.Equal(t, 1, f.store.Len())

	rt, err := actor.Request[TryGetReturnType, ReturnTypeResult](ctx, f.act, TryGetReturnType{})
	require.NoError(t, err)
	require.True(t, rt.Found)
	require.Equal(t, "int", rt.Type)

	completion := CompletionMessage{
		InvocationID: f.invID,
		ConnectionID: "c1",
		Success:      true,
		Result:       json.RawMessage(`5`),
	}
	require.NoError(t, actor.Publish(ctx, f.act, TryCompleteResult{
		ConnectionID: "c1",
		Completion:   completion,
	}))

	got := recvCompletion(t, f.completions)
	require.True(t, got.Success)
	require.JSONEq(t, `5`, string(got.Result))

	// torn down immediately: record gone, duplicate completion is dropped
	require.Equal(t, 0, f.store.Len())
	require.NoError(t, actor.Publish(ctx, f.act, TryCompleteResult{
		ConnectionID: "c1",
		Completion:   completion,
	}))
	requireNoCompletion(t, f.completions)
}

func TestInvocation_mismatchedConnectionDropped(t *testing.T) {
	ctx := context.Background()
	f := newInvFixture(t, nil)

	require.NoError(t, actor.Publish(ctx, f.act, AddInvocation{
		Observer: f.callerRef(),
		Record:   f.record("c1"),
	}))

	// another connection tries to answer someone else's call
	require.NoError(t, actor.Publish(ctx, f.act, TryCompleteResult{
		ConnectionID: "intruder",
		Completion: CompletionMessage{
			InvocationID: f.invID,
			ConnectionID: "intruder",
			Success:      true,
			Result:       json.RawMessage(`"stolen"`),
		},
	}))
	requireNoCompletion(t, f.completions)

	// correlation ID mismatch is dropped too
	require.NoError(t, actor.Publish(ctx, f.act, TryCompleteResult{
		ConnectionID: "c1",
		Completion: CompletionMessage{
			InvocationID: "some-other-id",
			ConnectionID: "c1",
			Success:      true,
		},
	}))
	requireNoCompletion(t, f.completions)

	// the record is still intact for the real answer
	require.Equal(t, 1, f.store.Len())
}

func TestInvocation_rejectsIncompleteRecord(t *testing.T) {
	ctx := context.Background()
	f := newInvFixture(t, nil)

	require.NoError(t, actor.Publish(ctx, f.act, AddInvocation{Observer: f.callerRef()}))
	require.NoError(t, actor.Publish(ctx, f.act, AddInvocation{
		Observer: f.callerRef(),
		Record:   &InvocationRecord{ConnectionID: "", InvocationID: f.invID},
	}))
	require.NoError(t, actor.Publish(ctx, f.act, AddInvocation{
		Observer: f.callerRef(),
		Record:   &InvocationRecord{ConnectionID: "c1", InvocationID: ""},
	}))

	require.Equal(t, 0, f.store.Len())
	rt, err := actor.Request[TryGetReturnType, ReturnTypeResult](ctx, f.act, TryGetReturnType{})
	require.NoError(t, err)
	require.False(t, rt.Found)
}

func TestInvocation_removeReturnsPrevious(t *testing.T) {
	ctx := context.Background()
	f := newInvFixture(t, nil)

	require.NoError(t, actor.Publish(ctx, f.act, AddInvocation{
		Observer: f.callerRef(),
		Record:   f.record("c1"),
	}))

	removed, err := actor.Request[RemoveInvocation, RemovedInvocation](ctx, f.act, RemoveInvocation{})
	require.NoError(t, err)
	require.NotNil(t, removed.Record)
	require.Equal(t, "c1", removed.Record.ConnectionID)
	require.Equal(t, 0, f.store.Len())

	// idempotent: a second removal finds nothing
	removed, err = actor.Request[RemoveInvocation, RemovedInvocation](ctx, f.act, RemoveInvocation{})
	require.NoError(t, err)
	require.Nil(t, removed.Record)
}

func TestInvocation_clearsWhenCallerObserverLapses(t *testing.T) {
	ctx := context.Background()

	now := time.Now()
	clock := func() time.Time { return now }
	reg := observer.NewRegistry(time.Minute, observer.WithClock(func() time.Time { return clock() }))
	f := newInvFixture(t, reg)

	require.NoError(t, actor.Publish(ctx, f.act, AddInvocation{
		Observer: f.callerRef(),
		Record:   f.record("c1"),
	}))
	require.Equal(t, 1, f.store.Len())

	// the caller's server dies without removing the invocation
	clock = func() time.Time { return now.Add(2 * time.Minute) }
	require.NoError(t, actor.Publish(ctx, f.act, Deactivate{}))

	require.Equal(t, 0, f.store.Len())
}

func TestInvocation_flushesPendingOnDeactivate(t *testing.T) {
	ctx := context.Background()
	f := newInvFixture(t, nil)

	require.NoError(t, actor.Publish(ctx, f.act, AddInvocation{
		Observer: f.callerRef(),
		Record:   f.record("c1"),
	}))
	require.NoError(t, actor.Publish(ctx, f.act, Deactivate{}))
	require.Equal(t, 1, f.store.Len())
}
