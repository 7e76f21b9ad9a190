package facade

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
	"github.com/kodewave/goatsync/internal/offline/syncengine"
	"github.com/kodewave/goatsync/internal/storage/memory"
)

type countingExecutor struct {
	calls int32
}

func (c *countingExecutor) Execute(_ context.Context, _ *domain.Operation) (queue.ExecResult, error) {
	c.calls++
	return queue.ExecResult{ServerVersion: int64(c.calls)}, nil
}

func newTestFacade(t *testing.T, debounce time.Duration) (*Facade, *memory.Storage, *countingExecutor) {
	t.Helper()
	store := memory.New()
	eng := conflict.New()
	exec := &countingExecutor{}
	q := queue.New(store, eng, exec, nil, queue.Config{}, queue.Callbacks{}, nil)
	se := syncengine.New(store, q, eng, nil, nil, syncengine.Config{MinSyncInterval: 0}, nil)
	f := New(store, q, se, nil, nil, Config{SaveDebounce: debounce}, nil)
	return f, store, exec
}

func TestFacade_SaveSessionCoalescesWithinDebounce(t *testing.T) {
	f, store, _ := newTestFacade(t, 50*time.Millisecond)

	for v := 1; v <= 5; v++ {
		f.SaveSession(&domain.SessionRecord{ID: "L", Data: json.RawMessage(`{"v":` + itoa(v) + `}`)}, 0)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	ops, err := store.ListOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.JSONEq(t, `{"v":5}`, string(ops[0].Payload))

	rec, err := store.GetSession(context.Background(), "L")
	require.NoError(t, err)
	assert.True(t, rec.LocalVersion > 0)
}

func TestFacade_ForceSaveBypassesDebounce(t *testing.T) {
	f, store, _ := newTestFacade(t, time.Hour)

	require.NoError(t, f.ForceSave(&domain.SessionRecord{ID: "L", Data: json.RawMessage(`{"v":1}`)}, 0))

	ops, err := store.ListOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
}

func TestFacade_LoadAndDeleteSession(t *testing.T) {
	f, store, _ := newTestFacade(t, time.Millisecond)

	got, err := f.LoadSession(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.PutSession(context.Background(), &domain.SessionRecord{ID: "L", Data: json.RawMessage(`{}`)}))
	got, err = f.LoadSession(context.Background(), "L")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, f.DeleteSession(context.Background(), "L"))
	ops, err := store.ListOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OpDeleteSession, ops[0].Type)
}

func TestFacade_SaveGridItemsNeverCoalesces(t *testing.T) {
	f, store, _ := newTestFacade(t, time.Millisecond)
	ctx := context.Background()

	items := []*domain.GridItem{{ID: "A", Position: 0}, {ID: "B", Position: 1}}
	require.NoError(t, f.SaveGridItems(ctx, "L", items, 0))
	require.NoError(t, f.SaveGridItems(ctx, "L", items, 0))

	ops, err := store.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2, "grid updates are position-ordered and must not coalesce")
	for _, op := range ops {
		assert.Equal(t, domain.OpUpdateGrid, op.Type)
		assert.Equal(t, domain.EntityGrid, op.EntityType)
		assert.Equal(t, "L", op.EntityID)
	}
}

func TestFacade_SaveBacklogGroupsEnqueuesBacklogUpdate(t *testing.T) {
	f, store, _ := newTestFacade(t, time.Millisecond)
	ctx := context.Background()

	groups := []*domain.BacklogGroup{{ID: "g1", Name: "Home", IsOpen: true}}
	require.NoError(t, f.SaveBacklogGroups(ctx, "L", groups, 0))

	ops, err := store.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OpUpdateBacklog, ops[0].Type)
	assert.Equal(t, domain.EntityBacklog, ops[0].EntityType)
	assert.JSONEq(t, `[{"id":"g1","name":"Home","itemIds":null,"isOpen":true,"isExpanded":false}]`, string(ops[0].Payload))
}

func itoa(v int) string {
	return string(rune('0' + v))
}
