package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMemoryCache(t *testing.T, size int) *MemoryCache {
	t.Helper()
	mc, err := NewMemoryCache(size, nil)
	require.NoError(t, err)
	return mc
}

func TestMemoryCache_SetGetRoundTrip(t *testing.T) {
	mc := newTestMemoryCache(t, 8)
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	require.NoError(t, mc.Set(ctx, "backlog:item:1", payload{Name: "groceries"}, time.Minute))

	var out payload
	require.NoError(t, mc.Get(ctx, "backlog:item:1", &out))
	require.Equal(t, "groceries", out.Name)
}

func TestMemoryCache_GetMissReturnsNotFound(t *testing.T) {
	mc := newTestMemoryCache(t, 8)
	var out map[string]string
	err := mc.Get(context.Background(), "missing", &out)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_ExpiredEntryDroppedOnRead(t *testing.T) {
	mc := newTestMemoryCache(t, 8)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k", "v", time.Nanosecond))
	time.Sleep(time.Millisecond)

	var out string
	require.ErrorIs(t, mc.Get(ctx, "k", &out), ErrNotFound)
	require.Zero(t, mc.Len())
}

func TestMemoryCache_DeleteAndExists(t *testing.T) {
	mc := newTestMemoryCache(t, 8)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k", "v", time.Minute))

	exists, err := mc.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, mc.Delete(ctx, "k"))

	exists, err = mc.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)

	require.ErrorIs(t, mc.Delete(ctx, "k"), ErrNotFound)
}

func TestMemoryCache_TTL(t *testing.T) {
	mc := newTestMemoryCache(t, 8)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "timed", "v", time.Minute))
	ttl, err := mc.TTL(ctx, "timed")
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, mc.Set(ctx, "forever", "v", 0))
	ttl, err = mc.TTL(ctx, "forever")
	require.NoError(t, err)
	require.Negative(t, ttl)

	_, err = mc.TTL(ctx, "unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCache_EvictsOldestUnderPressure(t *testing.T) {
	mc := newTestMemoryCache(t, 2)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", 1, 0))
	require.NoError(t, mc.Set(ctx, "b", 2, 0))
	require.NoError(t, mc.Set(ctx, "c", 3, 0))

	var out int
	require.ErrorIs(t, mc.Get(ctx, "a", &out), ErrNotFound)
	require.NoError(t, mc.Get(ctx, "c", &out))
	require.Equal(t, 3, out)
	require.Equal(t, 2, mc.Len())
}

func TestMemoryCache_Flush(t *testing.T) {
	mc := newTestMemoryCache(t, 8)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, mc.Flush(ctx))
	require.Zero(t, mc.Len())
}
