package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQLStore_Contract(t *testing.T) {
	runStateStoreContract(t, newTestStore(t))
}

func TestLibSQLStore_MigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestLibSQLStore_TTLAndSweep(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "wf:stale", []byte("x"), time.Minute))
	require.NoError(t, s.Set(ctx, "wf:fresh", []byte("y"), time.Hour))
	require.NoError(t, s.Set(ctx, "wf:forever", []byte("z"), 0))

	now = now.Add(2 * time.Minute)

	_, err := s.Get(ctx, "wf:stale")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := s.Keys(ctx, "wf:")
	require.NoError(t, err)
	assert.Equal(t, []string{"wf:forever", "wf:fresh"}, keys)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestLibSQLStore_PrefixWithLikeWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "wf_1:a", []byte("x"), 0))
	require.NoError(t, s.Set(ctx, "wfX1:a", []byte("x"), 0))

	keys, err := s.Keys(ctx, "wf_1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"wf_1:a"}, keys)
}
