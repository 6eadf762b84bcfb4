package ds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_add_remove(t *testing.T) {
	s := NewSet("a", "b", "c")
	require.Equal(t, 3, s.Len())
	require.True(t, s.Contains("b"))

	s.Add("b") // no-op
	require.Equal(t, 3, s.Len())

	s.Remove("b")
	require.False(t, s.Contains("b"))
	require.Equal(t, []string{"a", "c"}, s.Values())
}

func TestSet_order_preserved(t *testing.T) {
	s := NewSet[string]()
	for _, v := range []string{"z", "a", "m"} {
		s.Add(v)
	}
	require.Equal(t, []string{"z", "a", "m"}, s.Values())
}

func TestSet_json_roundtrip(t *testing.T) {
	s := NewSet("c1", "c2")
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.JSONEq(t, `["c1","c2"]`, string(data))

	var out Set[string]
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, s.Values(), out.Values())
}

func TestSet_zero_value_usable(t *testing.T) {
	var s Set[string]
	s.Add("x")
	require.True(t, s.Contains("x"))
	require.True(t, NewSet[string]().IsEmpty())
}
