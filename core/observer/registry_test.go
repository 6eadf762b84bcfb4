package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_subscribe_refresh(t *testing.T) {
	r := NewRegistry(time.Minute)

	r.Subscribe("c1", Ref{Channel: "hub.conn.c1", ConnectionID: "c1"})
	require.Equal(t, 1, r.Len())

	// last write wins
	r.Subscribe("c1", Ref{Channel: "hub.conn.c1b", ConnectionID: "c1"})
	ref, ok := r.Get("c1")
	require.True(t, ok)
	require.Equal(t, "hub.conn.c1b", ref.Channel)
	require.Equal(t, 1, r.Len())

	r.Unsubscribe("c1")
	require.Equal(t, 0, r.Len())
}

func TestRegistry_notify_all(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Subscribe("c1", Ref{Channel: "ch1", ConnectionID: "c1"})
	r.Subscribe("c2", Ref{Channel: "ch2", ConnectionID: "c2"})

	var mu sync.Mutex
	var seen []string
	n := r.Notify(context.Background(), func(_ context.Context, ref Ref) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ref.Channel)
		return nil
	})

	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"ch1", "ch2"}, seen)
}

func TestRegistry_failed_observer_removed_but_isolated(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Subscribe("good", Ref{Channel: "good", ConnectionID: "good"})
	r.Subscribe("bad", Ref{Channel: "bad", ConnectionID: "bad"})

	n := r.Notify(context.Background(), func(_ context.Context, ref Ref) error {
		if ref.Channel == "bad" {
			return errors.New("dead socket")
		}
		return nil
	})

	require.Equal(t, 1, n)
	require.Equal(t, 1, r.Len())
	_, ok := r.Get("bad")
	require.False(t, ok)
}

func TestRegistry_notify_except(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Subscribe("c1", Ref{Channel: "ch1", ConnectionID: "c1"})
	r.Subscribe("c2", Ref{Channel: "ch2", ConnectionID: "c2"})
	r.Subscribe("c3", Ref{Channel: "ch3", ConnectionID: "c3"})

	var mu sync.Mutex
	var seen []string
	excluded := map[string]struct{}{"c2": {}}
	n := r.NotifyExcept(context.Background(), excluded, func(_ context.Context, ref Ref) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ref.ConnectionID)
		return nil
	})

	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"c1", "c3"}, seen)
	require.Equal(t, 3, r.Len(), "excluded observers stay registered")
}

func TestRegistry_expiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := NewRegistry(time.Minute, WithClock(clock))

	r.Subscribe("c1", Ref{Channel: "ch1", ConnectionID: "c1"})
	r.Subscribe("c2", Ref{Channel: "ch2", ConnectionID: "c2"})

	now = now.Add(30 * time.Second)
	r.Refresh("c2", Ref{Channel: "ch2", ConnectionID: "c2"})

	now = now.Add(45 * time.Second) // c1 now 75s stale, c2 45s

	r.ClearExpired()
	require.Equal(t, 1, r.Len())
	_, ok := r.Get("c2")
	require.True(t, ok)

	// lapsed observers are also dropped lazily on notify
	r.Subscribe("c3", Ref{Channel: "ch3", ConnectionID: "c3"})
	now = now.Add(2 * time.Minute)
	n := r.Notify(context.Background(), func(_ context.Context, _ Ref) error { return nil })
	require.Equal(t, 0, n)
	require.Equal(t, 0, r.Len())
}

func TestRegistry_clear(t *testing.T) {
	r := NewRegistry(0)
	r.Subscribe("a", Ref{Channel: "a"})
	r.Subscribe("b", Ref{Channel: "b"})
	r.Clear()
	require.Equal(t, 0, r.Len())
}
