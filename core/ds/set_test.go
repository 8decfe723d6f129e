package ds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_InsertionOrder(t *testing.T) {
	s := NewSet("c", "a", "b")
	require.Equal(t, []string{"c", "a", "b"}, s.Values())

	s.Add("a") // duplicate, no reorder
	require.Equal(t, []string{"c", "a", "b"}, s.Values())
	require.Equal(t, 3, s.Len())

	s.Remove("a")
	require.Equal(t, []string{"c", "b"}, s.Values())
	require.False(t, s.Contains("a"))

	s.Remove("missing") // no-op
	require.Equal(t, 2, s.Len())
}

func TestSet_Sorted(t *testing.T) {
	s := NewSet(3, 1, 2)
	require.Equal(t, []int{1, 2, 3}, s.Sorted(func(a, b int) bool { return a < b }))
	// original order untouched
	require.Equal(t, []int{3, 1, 2}, s.Values())
}

func TestSet_JSONRoundTrip(t *testing.T) {
	s := NewSet("b", "a")
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.JSONEq(t, `["b","a"]`, string(data))

	out := NewSet[string]()
	require.NoError(t, json.Unmarshal(data, out))
	require.Equal(t, []string{"b", "a"}, out.Values())
}
