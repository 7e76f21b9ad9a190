//go:build integration

package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodewave/goatsync/internal/offline/conflict"
	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/offline/facade"
	"github.com/kodewave/goatsync/internal/offline/network"
	"github.com/kodewave/goatsync/internal/offline/queue"
	"github.com/kodewave/goatsync/internal/offline/syncengine"
	"github.com/kodewave/goatsync/internal/remoteref"
	"github.com/kodewave/goatsync/internal/storage/memory"
)

// newIntegrationRig wires a real Facade/Queue/SyncEngine against a live
// remoteref reference server, exercising the full flows end to end
// instead of through a fake Executor.
func newIntegrationRig(t *testing.T) (*facade.Facade, *remoteref.Server, func()) {
	t.Helper()
	remote := remoteref.New()
	handler := remoteref.NewHandler(remote, nil)
	router := mux.NewRouter()
	handler.Register(router)
	srv := httptest.NewServer(router)

	store := memory.New()
	eng := conflict.New()
	// The sensor starts offline so saves never trigger a background drain:
	// every sync below is driven explicitly through SyncNow (ForceSync
	// bypasses the offline short-circuit), keeping the flows
	// deterministic.
	sensor := network.New(network.Config{DebounceDelay: time.Millisecond}, network.Reading{Connected: false}, nil)
	q := queue.New(store, eng, nil, conflictHandler(eng), queue.Config{MaxRetries: 3}, queue.Callbacks{}, nil)
	q.SetExecutor(syncengine.NewHTTPExecutor(srv.URL, 2*time.Second))
	se := syncengine.New(store, q, eng, sensor, nil, syncengine.Config{MinSyncInterval: 0}, nil)
	f := facade.New(store, q, se, sensor, nil, facade.Config{SaveDebounce: time.Millisecond}, nil)

	cleanup := func() {
		sensor.Stop()
		srv.Close()
	}
	return f, remote, cleanup
}

// A save while offline queues an operation; a later ForceSync drains it
// to the remote and clears the pending count.
func TestIntegration_OfflineSaveThenSync(t *testing.T) {
	f, remote, cleanup := newIntegrationRig(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, f.ForceSave(&domain.SessionRecord{ID: "s1", Data: json.RawMessage(`{"v":1}`)}, 0))

	snap := f.Snapshot()
	assert.True(t, snap.HasPendingChanges)

	res, err := f.SyncNow(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)

	data, version, deleted := remote.Snapshot("s1")
	assert.False(t, deleted)
	assert.Equal(t, int64(1), version)
	assert.JSONEq(t, `{"v":1}`, string(data))

	snap = f.Snapshot()
	assert.False(t, snap.HasPendingChanges)
}

// A forced 409 from the remote raises a ConflictRecord, which
// ResolveConflict then clears via local_wins.
func TestIntegration_ConflictThenResolve(t *testing.T) {
	f, remote, cleanup := newIntegrationRig(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, f.ForceSave(&domain.SessionRecord{ID: "s2", Data: json.RawMessage(`{"v":1}`)}, 0))
	remote.ForceConflictOnce("s2")

	res, err := f.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	snap := f.Snapshot()
	require.True(t, snap.HasConflicts)
	require.Len(t, snap.Conflicts, 1)

	require.NoError(t, f.ResolveConflict(ctx, snap.Conflicts[0].ID, domain.ResolutionLocalWins, nil))

	snap = f.Snapshot()
	assert.False(t, snap.HasConflicts)
}

// A grid edit races a concurrent server-side grid edit: the remote's 409
// raises an update_update ConflictRecord through the real drain, and a
// merge resolution pushes the merged grid (server item kept at the
// contested position, the divergence recorded per-position) back out.
func TestIntegration_GridConflictThenMerge(t *testing.T) {
	f, remote, cleanup := newIntegrationRig(t)
	defer cleanup()
	ctx := context.Background()

	serverItems := []*domain.GridItem{{ID: "A", Position: 0}, {ID: "C", Position: 1}}
	require.NoError(t, f.SaveGridItems(ctx, "g1", serverItems, 0))
	res, err := f.SyncNow(ctx)
	require.NoError(t, err)
	require.True(t, res.Success)

	localItems := []*domain.GridItem{{ID: "A", Position: 0}, {ID: "B", Position: 1}}
	require.NoError(t, f.SaveGridItems(ctx, "g1", localItems, 0))
	remote.ForceConflictOnce("g1")

	res, err = f.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	snap := f.Snapshot()
	require.Len(t, snap.Conflicts, 1)
	cr := snap.Conflicts[0]
	assert.Equal(t, domain.ConflictUpdateUpdate, cr.Kind)
	assert.Equal(t, domain.EntityGrid, cr.EntityType)
	assert.Equal(t, domain.ResolutionMerge, cr.Recommended)

	require.NoError(t, f.ResolveConflict(ctx, cr.ID, domain.ResolutionMerge, nil))

	snap = f.Snapshot()
	assert.False(t, snap.HasConflicts)

	data, _, _ := remote.Snapshot("g1")
	var merged conflict.MergedGrid
	require.NoError(t, json.Unmarshal(data, &merged))
	require.Len(t, merged.Items, 2)
	assert.Equal(t, "C", merged.Items[1].ID, "server wins the contested position by default")
	require.Len(t, merged.Conflicts, 1)
	assert.Equal(t, 1, merged.Conflicts[0].Position)
	assert.Equal(t, "B", merged.Conflicts[0].Local.ID)
}

// A delete operation reaches the remote and marks the entity deleted.
func TestIntegration_DeleteWins(t *testing.T) {
	f, remote, cleanup := newIntegrationRig(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, f.ForceSave(&domain.SessionRecord{ID: "s3", Data: json.RawMessage(`{"v":1}`)}, 0))
	_, err := f.SyncNow(ctx)
	require.NoError(t, err)

	require.NoError(t, f.DeleteSession(ctx, "s3"))
	res, err := f.SyncNow(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, _, deleted := remote.Snapshot("s3")
	assert.True(t, deleted)
}
