package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "tradeflow:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_Contract(t *testing.T) {
	s, _ := newTestRedisStore(t)
	runStateStoreContract(t, s)
}

func TestRedisStore_TTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "wf:n1", []byte("x"), 2*time.Second))
	assert.Equal(t, 2*time.Second, mr.TTL("tradeflow:wf:n1"))

	mr.FastForward(3 * time.Second)
	_, err := s.Get(ctx, "wf:n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_NamespaceAndGlobEscaping(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("other:wf:n1", "foreign"))
	require.NoError(t, s.Set(ctx, "wf*:n1", []byte("x"), 0))
	require.NoError(t, s.Set(ctx, "wfX:n1", []byte("x"), 0))

	keys, err := s.Keys(ctx, "wf*:")
	require.NoError(t, err)
	assert.Equal(t, []string{"wf*:n1"}, keys)
}

func TestOpenRedisStore_BadURL(t *testing.T) {
	_, err := OpenRedisStore(context.Background(), "not-a-url", "")
	assert.Error(t, err)
}

func TestOpenRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := OpenRedisStore(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), 0))
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}
