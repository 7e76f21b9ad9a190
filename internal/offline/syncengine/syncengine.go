// Package syncengine is the orchestrator: it drives the
// OperationQueue against a remote RPC, reacting to NetworkSensor
// transitions, delegating merge policy to ConflictEngine and keeping
// QuotaGovernor headroom ahead of every drain.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kodewave/goatsync/internal/offline/conflict"
	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/offline/network"
	"github.com/kodewave/goatsync/internal/offline/quota"
	"github.com/kodewave/goatsync/internal/offline/queue"
	"github.com/kodewave/goatsync/internal/storage"
)

// Status is the closed set of sync states.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusPending  Status = "pending"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
)

// State is the engine's single reactive snapshot; exactly one exists per
// Engine.
type State struct {
	Status         Status
	LastSyncedAt   *time.Time
	PendingChanges int
	CurrentOp      *uuid.UUID
	Error          string
	Conflicts      []*domain.ConflictRecord
}

// Result summarizes one Sync call.
type Result struct {
	Success    bool
	Synced     int
	Failed     int
	Conflicts  int
	DurationMs int64
}

// Config configures the engine's timing knobs.
type Config struct {
	SyncInterval        time.Duration
	MinSyncInterval     time.Duration
	AutoSyncOnReconnect bool
}

func (c *Config) setDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.MinSyncInterval <= 0 {
		c.MinSyncInterval = 5 * time.Second
	}
}

// Engine owns the queue-processing lifecycle end to end: at most one
// drain runs at a time (delegated to queue.Queue's own re-entrancy
// guard), and the engine's background goroutines (periodic drain,
// network subscription) are all cancelled together by Stop.
type Engine struct {
	store  storage.Store
	queue  *queue.Queue
	engine *conflict.Engine
	sensor *network.Sensor
	quota  *quota.Governor
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	lastSyncTime time.Time
	subscribers  []chan State

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New wires an Engine from already-constructed components; the
// composition root builds the leaves and hands them here, keeping the
// ownership graph acyclic.
func New(store storage.Store, q *queue.Queue, eng *conflict.Engine, sensor *network.Sensor, gov *quota.Governor, cfg Config, logger *slog.Logger) *Engine {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  store,
		queue:  q,
		engine: eng,
		sensor: sensor,
		quota:  gov,
		cfg:    cfg,
		logger: logger.With("component", "sync_engine"),
		state:  State{Status: StatusIdle},
	}
	return e
}

// Start hydrates state from the durable store, subscribes to the network
// sensor and starts the periodic drain loop. Store, executor, quota and
// background-sync wiring happen in the caller before Start, since they
// need config and an http.Client this package doesn't own.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.hydrate(ctx); err != nil {
		e.logger.Warn("hydrate failed, starting from zero state", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	if e.sensor != nil {
		e.sensor.Subscribe(e.onNetworkTransition)
	}

	go e.periodicDrain(runCtx, done)
	return nil
}

func (e *Engine) hydrate(ctx context.Context) error {
	e.requeueDirtySessions(ctx)

	pending, err := e.queue.Count(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: hydrate pending count: %w", err)
	}
	conflicts, err := e.store.ListUnresolvedConflicts(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: hydrate conflicts: %w", err)
	}

	var lastSynced *time.Time
	if v, err := e.store.GetMetadata(ctx, "lastSyncTime"); err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			lastSynced = &t
			e.lastSyncTime = t
		}
	}

	e.mu.Lock()
	e.state.PendingChanges = pending
	e.state.Conflicts = conflicts
	e.state.LastSyncedAt = lastSynced
	if len(conflicts) > 0 {
		e.state.Status = StatusConflict
	} else if pending > 0 {
		e.state.Status = StatusPending
	}
	e.mu.Unlock()
	e.publish()
	return nil
}

// requeueDirtySessions restores the invariant that a dirty SessionRecord
// always has a live queue entry behind it. A crash between the session
// write and the enqueue leaves a dirty record with nothing pending;
// re-enqueueing its current data on startup lets the next drain push it.
func (e *Engine) requeueDirtySessions(ctx context.Context) {
	ops, err := e.store.ListOperations(ctx)
	if err != nil {
		e.logger.Warn("dirty-session repair: list operations failed", "error", err)
		return
	}
	queued := make(map[string]bool, len(ops))
	for _, op := range ops {
		switch op.Status {
		case domain.StatusPending, domain.StatusSyncing, domain.StatusConflict:
			queued[op.EntityID] = true
		}
	}

	dirty, err := e.store.GetDirtySessions(ctx)
	if err != nil {
		e.logger.Warn("dirty-session repair: dirty lookup failed", "error", err)
		return
	}
	for _, rec := range dirty {
		if queued[rec.ID] {
			continue
		}
		if _, err := e.queue.EnqueueSessionUpdate(ctx, rec.ID, rec.Data, rec.ServerVersion, 0); err != nil {
			e.logger.Warn("dirty-session repair: re-enqueue failed", "list_id", rec.ID, "error", err)
			continue
		}
		e.logger.Info("re-enqueued dirty session with no queued operation", "list_id", rec.ID)
	}
}

func (e *Engine) periodicDrain(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.sensor != nil && e.sensor.State() == network.StateOffline {
				continue
			}
			pending, err := e.queue.Count(ctx)
			if err != nil || pending == 0 {
				continue
			}
			if _, err := e.Sync(ctx, Options{}); err != nil {
				e.logger.Warn("periodic sync failed", "error", err)
			}
		}
	}
}

func (e *Engine) onNetworkTransition(state network.State) {
	ctx := context.Background()
	switch state {
	case network.StateOffline:
		e.mu.Lock()
		if e.state.PendingChanges > 0 {
			e.state.Status = StatusPending
		} else {
			e.state.Status = StatusIdle
		}
		e.mu.Unlock()
		e.publish()
	case network.StateOnline, network.StateSlow:
		if !e.cfg.AutoSyncOnReconnect {
			return
		}
		pending, err := e.queue.Count(ctx)
		if err != nil || pending == 0 {
			return
		}
		if _, err := e.Sync(ctx, Options{}); err != nil {
			e.logger.Warn("reconnect sync failed", "error", err)
		}
	}
}

// Options configures one Sync call.
type Options struct {
	Force bool
}

// Sync runs one drain cycle: short-circuits when
// offline or inside the min-interval throttle (unless Force), otherwise
// ensures quota headroom, delegates to the queue drain, and updates
// SyncState from the result.
func (e *Engine) Sync(ctx context.Context, opts Options) (Result, error) {
	if e.sensor != nil && e.sensor.State() == network.StateOffline && !opts.Force {
		return Result{Success: false}, nil
	}

	e.mu.Lock()
	sinceLast := time.Since(e.lastSyncTime)
	e.mu.Unlock()
	if !opts.Force && sinceLast < e.cfg.MinSyncInterval && !e.lastSyncTime.IsZero() {
		return Result{Success: false}, nil
	}

	if e.quota != nil {
		if usage, level, err := e.quota.Check(ctx); err == nil && level == quota.LevelCritical {
			if _, err := e.quota.Prune(ctx, usage); err != nil {
				e.logger.Warn("pre-sync prune failed", "error", err)
			}
		}
	}

	e.setStatus(StatusSyncing)

	drainResult, err := e.queue.Drain(ctx)
	if err != nil {
		e.setError(err)
		return Result{Success: false}, err
	}

	e.mu.Lock()
	now := time.Now()
	e.lastSyncTime = now
	e.mu.Unlock()
	_ = e.store.PutMetadata(ctx, "lastSyncTime", now.Format(time.RFC3339Nano))

	conflicts, err := e.store.ListUnresolvedConflicts(ctx)
	if err != nil {
		e.logger.Warn("list unresolved conflicts failed", "error", err)
	}
	pending, err := e.queue.Count(ctx)
	if err != nil {
		e.logger.Warn("count pending failed", "error", err)
	}

	e.mu.Lock()
	e.state.LastSyncedAt = &now
	e.state.PendingChanges = pending
	e.state.Conflicts = conflicts
	switch {
	case len(conflicts) > 0:
		e.state.Status = StatusConflict
	case drainResult.Failed > 0:
		e.state.Status = StatusError
	default:
		e.state.Status = StatusSynced
	}
	e.mu.Unlock()
	e.publish()

	return Result{
		Success:    drainResult.Failed == 0,
		Synced:     drainResult.Successful,
		Failed:     drainResult.Failed,
		Conflicts:  drainResult.Conflicts,
		DurationMs: drainResult.Duration.Milliseconds(),
	}, nil
}

// ForceSync bypasses the min-interval throttle.
func (e *Engine) ForceSync(ctx context.Context) (Result, error) {
	return e.Sync(ctx, Options{Force: true})
}

// SyncEntity drives only operations matching (entityType, entityID)
// through the executor directly, bypassing the global drain.
func (e *Engine) SyncEntity(ctx context.Context, entityType domain.EntityType, entityID string) (Result, error) {
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return Result{}, err
	}
	var filtered []*domain.Operation
	for _, op := range pending {
		if op.EntityType == entityType && op.EntityID == entityID {
			filtered = append(filtered, op)
		}
	}
	if len(filtered) == 0 {
		return Result{Success: true}, nil
	}

	drained := e.queue.DrainFiltered(ctx, filtered)
	res := Result{
		Success:    drained.Failed == 0,
		Synced:     drained.Successful,
		Failed:     drained.Failed,
		Conflicts:  drained.Conflicts,
		DurationMs: drained.Duration.Milliseconds(),
	}
	return res, nil
}

// ResolveConflict looks up the ConflictRecord, computes merged data via
// ConflictEngine when strategy is "merge" and none was supplied,
// delegates to the queue's resolution path, and triggers a fresh sync.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID uuid.UUID, strategy domain.ResolutionStrategy, mergedData json.RawMessage) error {
	cr, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("syncengine: resolve conflict: %w", err)
	}

	if strategy == domain.ResolutionMerge && mergedData == nil {
		merged, err := e.engine.Merge(cr.EntityType, cr.LocalPayload, cr.ServerPayload, cr.BasePayload)
		if err != nil {
			return fmt.Errorf("syncengine: resolve conflict: merge: %w", err)
		}
		mergedData = merged
	}

	if err := e.queue.ResolveConflict(ctx, conflictID, strategy, mergedData); err != nil {
		return err
	}

	conflicts, err := e.store.ListUnresolvedConflicts(ctx)
	if err == nil {
		e.mu.Lock()
		e.state.Conflicts = conflicts
		e.mu.Unlock()
		e.publish()
	}

	// Resolution is an explicit operator action; don't let the min-interval
	// throttle swallow the resync of the requeued payload.
	_, err = e.Sync(ctx, Options{Force: true})
	return err
}

// HandleBackgroundSync is the runtime-initiated sync path:
// one Sync call, safe to race with the periodic drain because both
// funnel through queue.Queue's single-drain guarantee.
func (e *Engine) HandleBackgroundSync(ctx context.Context) (Result, error) {
	return e.Sync(ctx, Options{})
}

// Snapshot returns the current SyncState.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cloneState()
}

func (e *Engine) cloneState() State {
	s := e.state
	s.Conflicts = append([]*domain.ConflictRecord(nil), e.state.Conflicts...)
	return s
}

// Subscribe returns a channel delivering every future State change,
// buffered so a slow consumer can't block the engine.
func (e *Engine) Subscribe() <-chan State {
	ch := make(chan State, 8)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) publish() {
	e.mu.Lock()
	s := e.cloneState()
	subs := append([]chan State(nil), e.subscribers...)
	e.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (e *Engine) setStatus(status Status) {
	e.mu.Lock()
	e.state.Status = status
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) setError(err error) {
	e.mu.Lock()
	e.state.Status = StatusError
	e.state.Error = err.Error()
	e.mu.Unlock()
	e.publish()
}

// Stop cancels the periodic drain loop, the network subscription's
// effects, and every outstanding queue retry timer.
func (e *Engine) Stop() {
	e.once.Do(func() {
		e.mu.Lock()
		cancel := e.cancel
		done := e.done
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		e.queue.Stop()
		if e.sensor != nil {
			e.sensor.Stop()
		}
		if e.quota != nil {
			e.quota.Stop()
		}
	})
}
