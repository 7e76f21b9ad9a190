// Package queue implements the ordered, retrying, coalescing operation
// log that drives mutations against the remote authority.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/kodewave/goatsync/internal/offline/conflict"
	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/storage"
)

// ExecResult is what an Executor reports for one pushed operation.
type ExecResult struct {
	// ServerVersion is set on a 2xx success.
	ServerVersion int64
	// Conflict is true on a 409; ServerData then carries the server's
	// current state of the entity.
	Conflict   bool
	ServerData json.RawMessage
}

// Executor pushes one Operation to the remote authority. A non-nil error
// with Conflict=false is a transient failure subject to retry; Conflict=true
// always routes to the ConflictHandler regardless of err.
type Executor interface {
	Execute(ctx context.Context, op *domain.Operation) (ExecResult, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op *domain.Operation) (ExecResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, op *domain.Operation) (ExecResult, error) {
	return f(ctx, op)
}

// ConflictHandler turns a 409 response into a ConflictRecord. Returning
// (nil, nil) means the handler decided there is no real conflict after
// all (e.g. the server's state now matches local); the operation is then
// treated as if it had succeeded with no version bump.
type ConflictHandler func(ctx context.Context, op *domain.Operation, serverData json.RawMessage) (*domain.ConflictRecord, error)

// Config configures retry/backoff/overflow behavior.
type Config struct {
	MaxQueueSize int
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
}

// Callbacks notify observers of queue transitions. Each fires at most
// once per transition; nil callbacks are skipped.
type Callbacks struct {
	OnSyncStart        func()
	OnSyncComplete     func(successful, failed int)
	OnSyncError        func(error)
	OnOperationResult  func(op *domain.Operation, success bool)
	OnConflictDetected func(*domain.ConflictRecord)
	OnQueueChange      func()
	OnOverflowWarning  func(droppedCandidate uuid.UUID)
}

// Queue is the durable operation log. A Queue does not own the store's
// bytes, it borrows the Store; it does own queue-processing lifecycle:
// at most one drain runs at a time.
type Queue struct {
	store    storage.Store
	engine   *conflict.Engine
	executor Executor
	handler  ConflictHandler
	cfg      Config
	logger   *slog.Logger
	cb       Callbacks

	mu         sync.Mutex
	processing atomic.Bool
	backoffs   map[uuid.UUID]*backoff.ExponentialBackOff
	timers     map[uuid.UUID]*time.Timer
}

// New builds a Queue. executor may be swapped later via SetExecutor (the
// composition root wires it once the network layer is ready); handler is
// fixed here. Drain panics if executor is still nil when called: a missing
// executor is a programmer error.
func New(store storage.Store, engine *conflict.Engine, executor Executor, handler ConflictHandler, cfg Config, cb Callbacks, logger *slog.Logger) *Queue {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:    store,
		engine:   engine,
		executor: executor,
		handler:  handler,
		cfg:      cfg,
		logger:   logger.With("component", "operation_queue"),
		cb:       cb,
		backoffs: make(map[uuid.UUID]*backoff.ExponentialBackOff),
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// SetExecutor wires (or replaces) the RPC executor.
func (q *Queue) SetExecutor(e Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executor = e
}

// Enqueue adds a new operation to the durable log, pruning the oldest 20%
// of completed ops first if the queue is at capacity. The caller's intent
// is never dropped: if pruning doesn't free a slot, the enqueue still
// succeeds and OnOverflowWarning fires.
func (q *Queue) Enqueue(ctx context.Context, op *domain.Operation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if op.Status == "" {
		op.Status = domain.StatusPending
	}

	if err := q.enforceCapacity(ctx); err != nil {
		q.logger.Warn("capacity prune failed", "error", err)
	}

	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return fmt.Errorf("queue: enqueue: list operations: %w", err)
	}
	if countPending(ops)+1 > q.cfg.MaxQueueSize {
		if q.cb.OnOverflowWarning != nil {
			q.cb.OnOverflowWarning(op.ID)
		}
		q.logger.Warn("queue over capacity, accepting anyway", "max_queue_size", q.cfg.MaxQueueSize)
	}

	if err := q.store.EnqueueOperation(ctx, op); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	q.changed()
	return nil
}

// EnqueueSessionUpdate coalesces session writes: a pending update for
// the same session id has its payload replaced and its timestamp
// refreshed, rather than creating a second op.
func (q *Queue) EnqueueSessionUpdate(ctx context.Context, sessionID string, payload json.RawMessage, baseVersion int64, priority int) (*domain.Operation, error) {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: coalesce: list operations: %w", err)
	}
	for _, op := range ops {
		if op.Type == domain.OpUpdateSession && op.EntityID == sessionID && op.Status == domain.StatusPending {
			op.Payload = payload
			op.BaseVersion = baseVersion
			op.CreatedAt = time.Now()
			if err := q.store.UpdateOperation(ctx, op); err != nil {
				return nil, fmt.Errorf("queue: coalesce: update: %w", err)
			}
			q.changed()
			return op, nil
		}
	}

	op := &domain.Operation{
		EntityType:  domain.EntitySession,
		EntityID:    sessionID,
		Type:        domain.OpUpdateSession,
		Payload:     payload,
		BaseVersion: baseVersion,
		Priority:    priority,
	}
	if err := q.Enqueue(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func countPending(ops []*domain.Operation) int {
	n := 0
	for _, op := range ops {
		if op.Status == domain.StatusPending {
			n++
		}
	}
	return n
}

// enforceCapacity prunes the oldest 20% of completed ops when the queue
// has reached MaxQueueSize.
func (q *Queue) enforceCapacity(ctx context.Context) error {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return err
	}
	if len(ops) < q.cfg.MaxQueueSize {
		return nil
	}

	var completed []*domain.Operation
	for _, op := range ops {
		if op.Status == domain.StatusSynced {
			completed = append(completed, op)
		}
	}
	if len(completed) == 0 {
		return nil
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].CreatedAt.Before(completed[j].CreatedAt) })

	n := len(completed) / 5
	if n == 0 {
		n = 1
	}
	if n > len(completed) {
		n = len(completed)
	}
	for _, op := range completed[:n] {
		if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
			return err
		}
	}
	return nil
}

// PruneCompleted removes every synced operation, used by QuotaGovernor's
// prune pipeline.
func (q *Queue) PruneCompleted(ctx context.Context) (int, error) {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, op := range ops {
		if op.Status == domain.StatusSynced {
			if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		q.changed()
	}
	return n, nil
}

// Pending returns pending operations sorted (priority desc, timestamp
// asc), the order drains apply them in.
func (q *Queue) Pending(ctx context.Context) ([]*domain.Operation, error) {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var pending []*domain.Operation
	for _, op := range ops {
		if op.Status != domain.StatusPending {
			continue
		}
		if !op.NextRetryAt.IsZero() && op.NextRetryAt.After(now) {
			continue
		}
		pending = append(pending, op)
	}
	SortDrainOrder(pending)
	return pending, nil
}

// SortDrainOrder sorts in place by (priority desc, timestamp asc).
func SortDrainOrder(ops []*domain.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}

// Count returns the number of pending operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// DrainResult summarizes one pass through the pending operations.
type DrainResult struct {
	Successful int
	Failed     int
	Conflicts  int
	Duration   time.Duration
}

// Drain runs one pass of the queue, applying pending operations in
// (priority desc, timestamp asc) order, one in flight at a time. It is
// re-entrant-safe: a concurrent call observes the processing flag and returns
// immediately with a zero-value result and ErrAlreadyDraining; callers
// that need "wait for the in-flight drain" semantics should serialize at
// the SyncEngine layer, which holds the single Queue instance.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if q.executor == nil {
		panic("queue: Drain called with no Executor wired")
	}
	if !q.processing.CompareAndSwap(false, true) {
		return DrainResult{}, ErrAlreadyDraining
	}
	defer q.processing.Store(false)

	start := time.Now()
	if q.cb.OnSyncStart != nil {
		q.cb.OnSyncStart()
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		if q.cb.OnSyncError != nil {
			q.cb.OnSyncError(err)
		}
		return DrainResult{}, err
	}

	res := q.applyAll(ctx, pending, start)
	return res, nil
}

// DrainFiltered applies only the given already-pending operations,
// without taking the re-entrancy guard global Drain uses. It is the
// primitive selective sync builds on, meant to run alongside (not
// instead of) a global Drain.
func (q *Queue) DrainFiltered(ctx context.Context, ops []*domain.Operation) DrainResult {
	return q.applyAll(ctx, ops, time.Now())
}

func (q *Queue) applyAll(ctx context.Context, ops []*domain.Operation, start time.Time) DrainResult {
	var res DrainResult
	for _, op := range ops {
		select {
		case <-ctx.Done():
			res.Duration = time.Since(start)
			if q.cb.OnSyncComplete != nil {
				q.cb.OnSyncComplete(res.Successful, res.Failed)
			}
			return res
		default:
		}

		outcome := q.applyOne(ctx, op)
		switch outcome {
		case outcomeSuccess:
			res.Successful++
		case outcomeConflict:
			res.Conflicts++
		case outcomeFailed, outcomeRetryScheduled:
			res.Failed++
		}
	}

	res.Duration = time.Since(start)
	if q.cb.OnSyncComplete != nil {
		q.cb.OnSyncComplete(res.Successful, res.Failed)
	}
	return res
}

type opOutcome int

const (
	outcomeSuccess opOutcome = iota
	outcomeConflict
	outcomeFailed
	outcomeRetryScheduled
)

func (q *Queue) applyOne(ctx context.Context, op *domain.Operation) opOutcome {
	op.Status = domain.StatusSyncing
	if err := q.store.UpdateOperation(ctx, op); err != nil {
		q.logger.Error("mark syncing failed", "op_id", op.ID, "error", err)
	}
	q.changed()

	result, err := q.executor.Execute(ctx, op)

	if result.Conflict {
		return q.escalateConflict(ctx, op, result.ServerData)
	}
	if err != nil {
		return q.scheduleRetry(ctx, op, err)
	}

	op.Status = domain.StatusSynced
	op.LastError = ""
	_ = q.store.UpdateOperation(ctx, op)
	if err := q.markSessionSynced(ctx, op, result.ServerVersion); err != nil {
		q.logger.Error("mark session synced failed", "op_id", op.ID, "entity_id", op.EntityID, "error", err)
	}
	q.changed()
	if q.cb.OnOperationResult != nil {
		q.cb.OnOperationResult(op, true)
	}
	return outcomeSuccess
}

// markSessionSynced runs after a successful Execute: the owning
// SessionRecord's ServerVersion advances to the RPC's reported version
// and the record stops being dirty. domain.SessionRecord carries no
// separate isDirty flag; dirtiness is the derived
// LocalVersion > ServerVersion relation, so clearing it means bringing
// ServerVersion at least up to LocalVersion. A delete success has no
// SessionRecord left to update; session/grid/backlog entity types all
// address the same SessionRecord (grid items and backlog groups both
// live inside its opaque Data).
func (q *Queue) markSessionSynced(ctx context.Context, op *domain.Operation, serverVersion int64) error {
	if op.Type == domain.OpDeleteSession {
		return nil
	}
	switch op.EntityType {
	case domain.EntitySession, domain.EntityGrid, domain.EntityBacklog:
	default:
		return nil
	}

	rec, err := q.store.GetSession(ctx, op.EntityID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("queue: mark session synced: get session: %w", err)
	}

	rec.ServerVersion = serverVersion
	if rec.ServerVersion < rec.LocalVersion {
		rec.ServerVersion = rec.LocalVersion
	}
	if err := q.store.PutSession(ctx, rec); err != nil {
		return fmt.Errorf("queue: mark session synced: put session: %w", err)
	}
	return nil
}

func (q *Queue) escalateConflict(ctx context.Context, op *domain.Operation, serverData json.RawMessage) opOutcome {
	if q.handler == nil {
		panic("queue: conflict detected but no ConflictHandler wired")
	}
	cr, err := q.handler(ctx, op, serverData)
	if err != nil {
		q.logger.Error("conflict handler failed", "op_id", op.ID, "error", err)
		return q.scheduleRetry(ctx, op, err)
	}
	if cr == nil {
		// Handler decided there is no real conflict after all.
		op.Status = domain.StatusSynced
		_ = q.store.UpdateOperation(ctx, op)
		q.changed()
		if q.cb.OnOperationResult != nil {
			q.cb.OnOperationResult(op, true)
		}
		return outcomeSuccess
	}

	cr.OperationID = op.ID
	op.Status = domain.StatusConflict
	op.Conflict = &domain.ConflictSnapshot{
		LocalVersion:    op.BaseVersion,
		ServerVersion:   op.BaseVersion, // the 409 result carries no server version, so the base version is recorded
		LocalTimestamp:  op.CreatedAt,
		ServerTimestamp: time.Now(),
	}
	_ = q.store.UpdateOperation(ctx, op)
	if err := q.store.PutConflict(ctx, cr); err != nil {
		q.logger.Error("persist conflict failed", "conflict_id", cr.ID, "error", err)
	}
	q.changed()
	if q.cb.OnConflictDetected != nil {
		q.cb.OnConflictDetected(cr)
	}
	if q.cb.OnOperationResult != nil {
		q.cb.OnOperationResult(op, false)
	}
	return outcomeConflict
}

// scheduleRetry returns the op to pending with Attempts incremented and
// a timer-scheduled re-enqueue after base*2^attempts (+jitter), capped
// at MaxDelay, via cenkalti/backoff/v4's ExponentialBackOff.
func (q *Queue) scheduleRetry(ctx context.Context, op *domain.Operation, execErr error) opOutcome {
	op.Attempts++
	op.LastError = execErr.Error()

	if op.Attempts > q.cfg.MaxRetries {
		op.Status = domain.StatusFailed
		_ = q.store.UpdateOperation(ctx, op)
		q.changed()
		if q.cb.OnOperationResult != nil {
			q.cb.OnOperationResult(op, false)
		}
		q.clearBackoffState(op.ID)
		return outcomeFailed
	}

	delay := q.nextDelay(op.ID)
	op.Status = domain.StatusPending
	op.NextRetryAt = time.Now().Add(delay)
	_ = q.store.UpdateOperation(ctx, op)
	q.changed()

	q.mu.Lock()
	if t, ok := q.timers[op.ID]; ok {
		t.Stop()
	}
	q.timers[op.ID] = time.AfterFunc(delay, q.changed)
	q.mu.Unlock()

	return outcomeRetryScheduled
}

// nextDelay advances (or creates) the per-operation ExponentialBackOff
// and returns the next interval. The library's own RandomizationFactor is
// symmetric (it can land below the exponential base), so it is disabled
// and one-sided jitter is applied here instead: the result is
// min(base*2^k, MaxDelay) plus jitter in [0, 10%) of that, never below
// the unjittered interval.
func (q *Queue) nextDelay(id uuid.UUID) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.backoffs[id]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = q.cfg.BaseDelay
		b.MaxInterval = q.cfg.MaxDelay
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		q.backoffs[id] = b
	}
	d := b.NextBackOff()
	if d == backoff.Stop || d > q.cfg.MaxDelay {
		d = q.cfg.MaxDelay
	}
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}

func (q *Queue) clearBackoffState(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.backoffs, id)
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
}

// RetryFailed resets every failed operation back to pending with a clean
// retry budget; failed is terminal until this manual reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, op := range ops {
		if op.Status != domain.StatusFailed {
			continue
		}
		op.Status = domain.StatusPending
		op.Attempts = 0
		op.LastError = ""
		op.NextRetryAt = time.Time{}
		if err := q.store.UpdateOperation(ctx, op); err != nil {
			return n, err
		}
		q.clearBackoffState(op.ID)
		n++
	}
	if n > 0 {
		q.changed()
	}
	return n, nil
}

// ResolveConflict rewrites the op's payload per strategy, clears its
// conflict snapshot, resets attempts/status, and requeues. The
// ConflictRecord is marked resolved in the same call.
func (q *Queue) ResolveConflict(ctx context.Context, conflictID uuid.UUID, strategy domain.ResolutionStrategy, mergedData json.RawMessage) error {
	cr, err := q.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("queue: resolve conflict: %w", err)
	}

	var resolved json.RawMessage
	if strategy == domain.ResolutionMerge && mergedData != nil {
		resolved = mergedData
	} else {
		payload, ok := q.engine.Resolve(cr, strategy)
		if !ok {
			return fmt.Errorf("queue: resolve conflict %s: strategy %q requires mergedData", conflictID, strategy)
		}
		resolved = payload
	}

	op, err := q.store.GetOperation(ctx, cr.OperationID)
	if err != nil {
		return fmt.Errorf("queue: resolve conflict: operation %s: %w", cr.OperationID, err)
	}
	op.Payload = resolved
	op.Status = domain.StatusPending
	op.Attempts = 0
	op.LastError = ""
	op.NextRetryAt = time.Time{}
	op.Conflict = nil
	if err := q.store.UpdateOperation(ctx, op); err != nil {
		return fmt.Errorf("queue: resolve conflict: update operation: %w", err)
	}
	q.clearBackoffState(op.ID)

	now := time.Now()
	cr.Resolved = true
	cr.ResolvedWith = strategy
	cr.ResolvedAt = &now
	cr.ResolvedData = resolved
	if err := q.store.PutConflict(ctx, cr); err != nil {
		return fmt.Errorf("queue: resolve conflict: persist: %w", err)
	}

	q.changed()
	return nil
}

// Clear removes every operation from the queue and cancels every
// outstanding retry timer.
func (q *Queue) Clear(ctx context.Context) error {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
			return err
		}
		q.clearBackoffState(op.ID)
	}
	q.changed()
	return nil
}

// Stop cancels every outstanding retry timer without touching durable
// state, used when the owning SyncEngine shuts down.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) changed() {
	if q.cb.OnQueueChange != nil {
		q.cb.OnQueueChange()
	}
}
