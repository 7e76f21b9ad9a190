package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/storage"
	"github.com/kodewave/goatsync/internal/storage/memory"
)

func TestGovernor_CheckFiresCallbacksOnCrossing(t *testing.T) {
	store := memory.New()
	store.SetQuotaForTest(100, 90)

	var warned, critical bool
	g := New(store, Config{WarnThresholdBytes: 80, CriticalThresholdBytes: 95, PruneTargetBytes: 70}, Callbacks{
		OnWarning:  func(storage.UsageEstimate) { warned = true },
		OnCritical: func(storage.UsageEstimate) { critical = true },
	}, nil)

	_, level, err := g.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, level)
	assert.True(t, warned)
	assert.False(t, critical)

	store.SetQuotaForTest(100, 96)
	_, level, err = g.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, level)
	assert.True(t, critical)
}

func TestGovernor_PruneRunsUntilDeficitMet(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.PutBacklogCacheEntry(ctx, &domain.BacklogCacheEntry{
		Key: "k1", Value: []byte(`{}`), ExpiresAt: time.Now().Add(-time.Hour),
	}))

	g := New(store, Config{WarnThresholdBytes: 80, CriticalThresholdBytes: 95, PruneTargetBytes: 10}, Callbacks{}, nil)
	g.Register(DefaultStrategies(store, 30*24*time.Hour, 7*24*time.Hour, nil)[0])

	freed, err := g.Prune(ctx, storage.UsageEstimate{UsedBytes: 100, QuotaBytes: 1000})
	require.NoError(t, err)
	assert.Greater(t, freed, int64(0))

	n, err := store.PruneExpiredBacklogCache(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGovernor_HasSpace(t *testing.T) {
	store := memory.New()
	store.SetQuotaForTest(1000, 500)

	g := New(store, Config{MinFreeSpaceBytes: 100}, Callbacks{}, nil)
	ok, err := g.HasSpace(context.Background(), 300)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.HasSpace(context.Background(), 500)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGovernor_NoDeficitSkipsPrune(t *testing.T) {
	store := memory.New()
	g := New(store, Config{PruneTargetBytes: 100}, Callbacks{}, nil)

	freed, err := g.Prune(context.Background(), storage.UsageEstimate{UsedBytes: 50, QuotaBytes: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(0), freed)
}
