package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodewave/goatsync/internal/offline/conflict"
	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/storage/memory"
)

type fakeExecutor struct {
	results []ExecResult
	errs    []error
	calls   int
}

func (f *fakeExecutor) Execute(_ context.Context, _ *domain.Operation) (ExecResult, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], f.errs[i]
}

func newTestQueue(t *testing.T, exec Executor) (*Queue, *memory.Storage) {
	t.Helper()
	store := memory.New()
	q := New(store, conflict.New(), exec, nil, Config{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, Callbacks{}, nil)
	return q, store
}

func TestQueue_EnqueueSessionUpdateCoalesces(t *testing.T) {
	q, store := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.EnqueueSessionUpdate(ctx, "L", json.RawMessage(`{"v":1}`), 0, 0)
	require.NoError(t, err)
	_, err = q.EnqueueSessionUpdate(ctx, "L", json.RawMessage(`{"v":2}`), 0, 0)
	require.NoError(t, err)
	_, err = q.EnqueueSessionUpdate(ctx, "L", json.RawMessage(`{"v":5}`), 0, 0)
	require.NoError(t, err)

	ops, err := store.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.JSONEq(t, `{"v":5}`, string(ops[0].Payload))
}

func TestQueue_DrainOrderIsPriorityThenTimestamp(t *testing.T) {
	exec := &fakeExecutor{
		results: []ExecResult{{ServerVersion: 1}, {ServerVersion: 1}, {ServerVersion: 1}},
		errs:    []error{nil, nil, nil},
	}
	q, _ := newTestQueue(t, exec)
	ctx := context.Background()

	low := &domain.Operation{EntityType: domain.EntitySession, EntityID: "low", Type: domain.OpUpdateSession, Payload: json.RawMessage(`{}`), Priority: 0}
	high := &domain.Operation{EntityType: domain.EntitySession, EntityID: "high", Type: domain.OpUpdateSession, Payload: json.RawMessage(`{}`), Priority: 10}
	require.NoError(t, q.Enqueue(ctx, low))
	time.Sleep(time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, high))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "high", pending[0].EntityID)
	assert.Equal(t, "low", pending[1].EntityID)
}

func TestQueue_RetrySucceedsAfterTransientFailures(t *testing.T) {
	exec := &fakeExecutor{
		results: []ExecResult{{}, {}, {}, {ServerVersion: 7}},
		errs:    []error{assert.AnError, assert.AnError, assert.AnError, nil},
	}
	q, store := newTestQueue(t, exec)
	ctx := context.Background()

	op := &domain.Operation{EntityType: domain.EntitySession, EntityID: "L", Type: domain.OpUpdateSession, Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Enqueue(ctx, op))

	for i := 0; i < 3; i++ {
		res, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
		got, err := store.GetOperation(ctx, op.ID)
		require.NoError(t, err)
		got.NextRetryAt = time.Time{} // force the next Pending() call to see it as ready
		require.NoError(t, store.UpdateOperation(ctx, got))
	}

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)

	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSynced, got.Status)
}

func TestQueue_ExceedingMaxRetriesMarksFailed(t *testing.T) {
	exec := &fakeExecutor{
		results: []ExecResult{{}, {}},
		errs:    []error{assert.AnError, assert.AnError},
	}
	q, store := newTestQueue(t, exec)
	q.cfg.MaxRetries = 1
	ctx := context.Background()

	op := &domain.Operation{EntityType: domain.EntitySession, EntityID: "L", Type: domain.OpUpdateSession, Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Enqueue(ctx, op))

	_, err := q.Drain(ctx)
	require.NoError(t, err)
	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	got.NextRetryAt = time.Time{}
	require.NoError(t, store.UpdateOperation(ctx, got))

	_, err = q.Drain(ctx)
	require.NoError(t, err)
	got, err = store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestQueue_DrainSuccessMarksSessionSynced(t *testing.T) {
	// On 200 {version:7}, the SessionRecord's
	// ServerVersion advances and it stops being dirty.
	exec := &fakeExecutor{results: []ExecResult{{ServerVersion: 7}}, errs: []error{nil}}
	q, store := newTestQueue(t, exec)
	ctx := context.Background()

	rec := &domain.SessionRecord{ID: "L", Data: json.RawMessage(`{"v":1}`), LocalVersion: 3, ServerVersion: 0}
	require.NoError(t, store.PutSession(ctx, rec))

	op := &domain.Operation{EntityType: domain.EntitySession, EntityID: "L", Type: domain.OpUpdateSession, Payload: json.RawMessage(`{"v":1}`)}
	require.NoError(t, q.Enqueue(ctx, op))

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)

	got, err := store.GetSession(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ServerVersion)
	assert.False(t, got.LocalVersion > got.ServerVersion, "session must no longer be dirty")
}

func TestQueue_ConflictEscalatesAndResolves(t *testing.T) {
	serverData := json.RawMessage(`{"v":9}`)
	exec := &fakeExecutor{
		results: []ExecResult{{Conflict: true, ServerData: serverData}, {ServerVersion: 2}},
		errs:    []error{nil, nil},
	}
	eng := conflict.New()
	store := memory.New()
	var gotConflict *domain.ConflictRecord
	q := New(store, eng, exec, func(_ context.Context, op *domain.Operation, serverData json.RawMessage) (*domain.ConflictRecord, error) {
		return eng.Detect(op.EntityType, op.EntityID, op.Payload, serverData, nil), nil
	}, Config{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, Callbacks{
		OnConflictDetected: func(cr *domain.ConflictRecord) { gotConflict = cr },
	}, nil)
	ctx := context.Background()

	op := &domain.Operation{EntityType: domain.EntitySession, EntityID: "L", Type: domain.OpUpdateSession, Payload: json.RawMessage(`{"v":1}`)}
	require.NoError(t, q.Enqueue(ctx, op))

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	require.NotNil(t, gotConflict)
	assert.Equal(t, domain.ConflictUpdateUpdate, gotConflict.Kind)

	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConflict, got.Status)
	require.NotNil(t, got.Conflict)

	require.NoError(t, q.ResolveConflict(ctx, gotConflict.ID, domain.ResolutionLocalWins, nil))

	got, err = store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.JSONEq(t, `{"v":1}`, string(got.Payload))

	res, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
}

func TestQueue_ClearRemovesAllAndCancelsTimers(t *testing.T) {
	exec := &fakeExecutor{results: []ExecResult{{}}, errs: []error{assert.AnError}}
	q, store := newTestQueue(t, exec)
	ctx := context.Background()

	op := &domain.Operation{EntityType: domain.EntitySession, EntityID: "L", Type: domain.OpUpdateSession, Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Enqueue(ctx, op))
	_, err := q.Drain(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Clear(ctx))
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ops, err := store.ListOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestQueue_RetryDelayIsExponentialWithOneSidedJitter(t *testing.T) {
	// Each successive delay for one operation must stay within
	// [base*2^k, 1.1*base*2^k]: jitter only ever lengthens the wait.
	q, _ := newTestQueue(t, nil)
	q.cfg.BaseDelay = 100 * time.Millisecond
	q.cfg.MaxDelay = 10 * time.Second

	id := uuid.New()
	for k := 0; k < 5; k++ {
		want := q.cfg.BaseDelay << k
		d := q.nextDelay(id)
		assert.GreaterOrEqual(t, d, want, "attempt %d below exponential base", k)
		assert.LessOrEqual(t, d, want+want/10, "attempt %d above 10%% jitter bound", k)
	}
}

func TestQueue_RetryDelayCapsAtMaxDelay(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	q.cfg.BaseDelay = 100 * time.Millisecond
	q.cfg.MaxDelay = 200 * time.Millisecond

	id := uuid.New()
	for k := 0; k < 6; k++ {
		d := q.nextDelay(id)
		assert.LessOrEqual(t, d, q.cfg.MaxDelay+q.cfg.MaxDelay/10)
	}
}

func TestQueue_DrainIsReentrantSafe(t *testing.T) {
	exec := &fakeExecutor{results: []ExecResult{{ServerVersion: 1}}, errs: []error{nil}}
	q, _ := newTestQueue(t, exec)
	q.processing.Store(true)
	defer q.processing.Store(false)

	_, err := q.Drain(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyDraining)
}
