package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStore_roundtrip(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	type record struct {
		Connections map[string]string `json:"connections"`
	}

	in := record{Connections: map[string]string{"c1": "hub.conn.c1"}}
	require.NoError(t, Put(ctx, s, "user/alice", in, PutOptions{}))

	out, err := Get[record](ctx, s, "user/alice")
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMemStore_not_found(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get(t.Context(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_delete_reclaims(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "k", Entry{Data: []byte(`{}`)}, PutOptions{}))
	require.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k")) // idempotent
	require.Equal(t, 0, s.Len())

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}
