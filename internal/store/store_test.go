package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

// runStateStoreContract exercises the behaviour every backend must share.
func runStateStoreContract(t *testing.T, s StateStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set get overwrite delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 0))
		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		require.NoError(t, s.Set(ctx, "k1", []byte("v2"), 0))
		got, err = s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		require.NoError(t, s.Delete(ctx, "k1"))
		_, err = s.Get(ctx, "k1")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, s.Delete(ctx, "never-set"))
	})

	t.Run("keys by prefix", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "wf-a:n2", []byte("x"), 0))
		require.NoError(t, s.Set(ctx, "wf-a:n1", []byte("x"), 0))
		require.NoError(t, s.Set(ctx, "wf-ab:n1", []byte("x"), 0))
		require.NoError(t, s.Set(ctx, "wf-b:n1", []byte("x"), 0))

		keys, err := s.Keys(ctx, "wf-a:")
		require.NoError(t, err)
		assert.Equal(t, []string{"wf-a:n1", "wf-a:n2"}, keys)
	})

	t.Run("markers round trip", func(t *testing.T) {
		require.NoError(t, PutMarker(ctx, s, "wf-m", "quote", &Marker{
			Status: schema.NodeStatusCompleted,
			Output: map[string]any{"price": 101.5},
		}, 0))

		m, err := GetMarker(ctx, s, "wf-m", "quote")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, schema.NodeStatusCompleted, m.Status)
		assert.Equal(t, map[string]any{"price": 101.5}, m.Output)
		assert.False(t, m.CompletedAt.IsZero())

		none, err := GetMarker(ctx, s, "wf-m", "absent")
		require.NoError(t, err)
		assert.Nil(t, none)

		all, err := ListMarkers(ctx, s, "wf-m")
		require.NoError(t, err)
		assert.Len(t, all, 1)
		assert.Contains(t, all, "quote")

		require.NoError(t, ClearMarkers(ctx, s, "wf-m"))
		all, err = ListMarkers(ctx, s, "wf-m")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("markers of extending workflow ids stay separate", func(t *testing.T) {
		done := &Marker{Status: schema.NodeStatusCompleted}
		require.NoError(t, PutMarker(ctx, s, "bot", "quote", done, 0))
		require.NoError(t, PutMarker(ctx, s, "bot:eth", "buy", done, 0))

		all, err := ListMarkers(ctx, s, "bot")
		require.NoError(t, err)
		assert.Equal(t, []string{"quote"}, mapKeys(all))

		all, err = ListMarkers(ctx, s, "bot:eth")
		require.NoError(t, err)
		assert.Equal(t, []string{"buy"}, mapKeys(all))

		require.NoError(t, ClearMarkers(ctx, s, "bot"))
		m, err := GetMarker(ctx, s, "bot:eth", "buy")
		require.NoError(t, err)
		assert.NotNil(t, m, "clearing bot must keep bot:eth markers")
		gone, err := GetMarker(ctx, s, "bot", "quote")
		require.NoError(t, err)
		assert.Nil(t, gone)

		require.NoError(t, ClearMarkers(ctx, s, "bot:eth"))
	})

	t.Run("marker output comes back as decoded JSON", func(t *testing.T) {
		require.NoError(t, PutMarker(ctx, s, "wf-json", "size", &Marker{
			Status: schema.NodeStatusCompleted,
			Output: map[string]any{"qty": 5, "fills": []int{1, 2}},
		}, 0))

		m, err := GetMarker(ctx, s, "wf-json", "size")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, map[string]any{"qty": float64(5), "fills": []any{float64(1), float64(2)}}, m.Output)
		require.NoError(t, ClearMarkers(ctx, s, "wf-json"))
	})
}

func mapKeys(m map[string]*Marker) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestMemoryStore_Contract(t *testing.T) {
	runStateStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_TTL(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "wf:stale", []byte("x"), time.Minute))
	require.NoError(t, s.Set(ctx, "wf:forever", []byte("y"), 0))

	_, err := s.Get(ctx, "wf:stale")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = s.Get(ctx, "wf:stale")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := s.Keys(ctx, "wf:")
	require.NoError(t, err)
	assert.Equal(t, []string{"wf:forever"}, keys)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf, 0))
	buf[0] = 'z'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestMarkerKey(t *testing.T) {
	assert.Equal(t, "wf-1:node-a", MarkerKey("wf-1", "node-a"))
}
