package nats

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dorisoy/signalr-backplane/core/cluster"
)

func TestNats_Transport(t *testing.T) {
	connectNatsC := NewTestContainer(t)

	tp, err := NewTransport(TransportConfig{
		Connect:       connectNatsC,
		Log:           slog.Default(),
		SubjectPrefix: "test",
	})
	require.NoError(t, err)
	require.NotNil(t, tp)

	s, err := tp.SubscribeShard(t.Context(), 23, func(ctx context.Context, env cluster.Envelope) ([]byte, error) {
		return env.Data, nil
	})
	require.NoError(t, err)
	require.NotNil(t, s)

	data, err := tp.Request(t.Context(), cluster.Envelope{Shard: 23, Data: []byte("hello")})
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	// key header survives the wire
	s2, err := tp.SubscribeShard(t.Context(), 7, func(ctx context.Context, env cluster.Envelope) ([]byte, error) {
		key, _ := env.Key()
		return []byte(key), nil
	})
	require.NoError(t, err)

	env := cluster.Envelope{Shard: 7, Data: []byte("{}")}
	cluster.WithHeader("x-bp-key", "chat/user/alice")(&env)
	data, err = tp.Request(t.Context(), env)
	require.NoError(t, err)
	require.Equal(t, "chat/user/alice", string(data))

	require.NoError(t, s.Unsubscribe())
	require.NoError(t, s2.Unsubscribe())
	require.NoError(t, tp.Close())
}
