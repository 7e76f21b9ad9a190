package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodewave/goatsync/internal/offline/conflict"
	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/offline/queue"
	"github.com/kodewave/goatsync/internal/storage/memory"
)

type stubExecutor struct {
	version int64
}

func (s *stubExecutor) Execute(_ context.Context, _ *domain.Operation) (queue.ExecResult, error) {
	s.version++
	return queue.ExecResult{ServerVersion: s.version}, nil
}

func TestEngine_SyncDrainsQueueAndMarksSynced(t *testing.T) {
	store := memory.New()
	eng := conflict.New()
	exec := &stubExecutor{}
	q := queue.New(store, eng, exec, nil, queue.Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, queue.Callbacks{}, nil)
	e := New(store, q, eng, nil, nil, Config{MinSyncInterval: 0}, nil)

	ctx := context.Background()
	rec := &domain.SessionRecord{ID: "L", Data: json.RawMessage(`{"v":1}`), LocalVersion: 1}
	require.NoError(t, store.PutSession(ctx, rec))
	_, err := q.EnqueueSessionUpdate(ctx, "L", rec.Data, 0, 0)
	require.NoError(t, err)

	res, err := e.ForceSync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Synced)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	snap := e.Snapshot()
	assert.Equal(t, StatusSynced, snap.Status)
	require.NotNil(t, snap.LastSyncedAt)
}

func TestEngine_ThrottlesWithinMinSyncInterval(t *testing.T) {
	store := memory.New()
	eng := conflict.New()
	exec := &stubExecutor{}
	q := queue.New(store, eng, exec, nil, queue.Config{}, queue.Callbacks{}, nil)
	e := New(store, q, eng, nil, nil, Config{MinSyncInterval: time.Hour}, nil)

	ctx := context.Background()
	_, err := q.EnqueueSessionUpdate(ctx, "L", json.RawMessage(`{"v":1}`), 0, 0)
	require.NoError(t, err)

	res, err := e.Sync(ctx, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = q.EnqueueSessionUpdate(ctx, "L2", json.RawMessage(`{"v":1}`), 0, 0)
	require.NoError(t, err)
	res, err = e.Sync(ctx, Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Synced)

	res, err = e.ForceSync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestEngine_HydrateRequeuesDirtySessionWithoutOperation(t *testing.T) {
	store := memory.New()
	eng := conflict.New()
	q := queue.New(store, eng, &stubExecutor{}, nil, queue.Config{}, queue.Callbacks{}, nil)
	e := New(store, q, eng, nil, nil, Config{}, nil)

	ctx := context.Background()
	// A dirty record with no queue entry, as left by a crash between the
	// session write and the enqueue.
	rec := &domain.SessionRecord{ID: "orphan", Data: json.RawMessage(`{"v":3}`), LocalVersion: 3, ServerVersion: 1}
	require.NoError(t, store.PutSession(ctx, rec))

	require.NoError(t, e.hydrate(ctx))

	ops, err := store.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OpUpdateSession, ops[0].Type)
	assert.Equal(t, "orphan", ops[0].EntityID)
	assert.Equal(t, 1, e.Snapshot().PendingChanges)

	// Hydrating again must not duplicate the repair op.
	require.NoError(t, e.hydrate(ctx))
	ops, err = store.ListOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestEngine_ConflictResolutionTriggersResync(t *testing.T) {
	store := memory.New()
	eng := conflict.New()
	calls := 0
	exec := queue.ExecutorFunc(func(_ context.Context, _ *domain.Operation) (queue.ExecResult, error) {
		calls++
		if calls == 1 {
			return queue.ExecResult{Conflict: true, ServerData: json.RawMessage(`{"v":9}`)}, nil
		}
		return queue.ExecResult{ServerVersion: 2}, nil
	})
	q := queue.New(store, eng, exec, func(_ context.Context, op *domain.Operation, serverData json.RawMessage) (*domain.ConflictRecord, error) {
		return eng.Detect(op.EntityType, op.EntityID, op.Payload, serverData, nil), nil
	}, queue.Config{}, queue.Callbacks{}, nil)
	e := New(store, q, eng, nil, nil, Config{MinSyncInterval: 0}, nil)

	ctx := context.Background()
	_, err := q.EnqueueSessionUpdate(ctx, "L", json.RawMessage(`{"v":1}`), 0, 0)
	require.NoError(t, err)

	res, err := e.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	snap := e.Snapshot()
	assert.Equal(t, StatusConflict, snap.Status)
	require.Len(t, snap.Conflicts, 1)

	require.NoError(t, e.ResolveConflict(ctx, snap.Conflicts[0].ID, domain.ResolutionLocalWins, nil))

	snap = e.Snapshot()
	assert.Equal(t, StatusSynced, snap.Status)
	assert.Empty(t, snap.Conflicts)
}
