// Package facade exposes the reactive snapshot + action API that is the
// only recommended entrypoint for UI/admin consumers: debounced saves,
// durable reads, and passthroughs to the sync engine.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/offline/network"
	"github.com/kodewave/goatsync/internal/offline/queue"
	"github.com/kodewave/goatsync/internal/offline/syncengine"
	"github.com/kodewave/goatsync/internal/realtime"
	"github.com/kodewave/goatsync/internal/storage"
)

// Snapshot is the read-only view handed to UI consumers.
type Snapshot struct {
	IsOnline          bool
	IsOffline         bool
	IsSlow            bool
	IsSyncing         bool
	HasPendingChanges bool
	PendingCount      int
	LastSyncedAt      *time.Time
	HasConflicts      bool
	Conflicts         []*domain.ConflictRecord
}

// Config configures the save-debounce window.
type Config struct {
	SaveDebounce time.Duration
}

func (c *Config) setDefaults() {
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = 500 * time.Millisecond
	}
}

// Facade is the sole recommended entrypoint for UI code. Direct use of
// lower components remains permitted but must preserve the queue and
// session invariants those components assume.
type Facade struct {
	store  storage.Store
	queue  *queue.Queue
	engine *syncengine.Engine
	sensor *network.Sensor
	pub    *realtime.EventPublisher
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	pending    map[string]*domain.SessionRecord
	priorities map[string]int
}

// New builds a Facade over an already-wired component graph.
func New(store storage.Store, q *queue.Queue, engine *syncengine.Engine, sensor *network.Sensor, pub *realtime.EventPublisher, cfg Config, logger *slog.Logger) *Facade {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		store:      store,
		queue:      q,
		engine:     engine,
		sensor:     sensor,
		pub:        pub,
		cfg:        cfg,
		logger:     logger.With("component", "facade"),
		timers:     make(map[string]*time.Timer),
		pending:    make(map[string]*domain.SessionRecord),
		priorities: make(map[string]int),
	}
}

// Snapshot returns the current point-in-time view.
func (f *Facade) Snapshot() Snapshot {
	state := f.engine.Snapshot()
	var netState network.State = network.StateOnline
	if f.sensor != nil {
		netState = f.sensor.State()
	}
	return Snapshot{
		IsOnline:          netState == network.StateOnline,
		IsOffline:         netState == network.StateOffline,
		IsSlow:            netState == network.StateSlow,
		IsSyncing:         state.Status == syncengine.StatusSyncing,
		HasPendingChanges: state.PendingChanges > 0,
		PendingCount:      state.PendingChanges,
		LastSyncedAt:      state.LastSyncedAt,
		HasConflicts:      len(state.Conflicts) > 0,
		Conflicts:         state.Conflicts,
	}
}

// Subscribe proxies the sync engine's state stream, translated to
// Snapshot (the channel's first send races the caller's first read
// of Snapshot(), so callers typically call Snapshot() once before
// ranging over this channel).
func (f *Facade) Subscribe() <-chan Snapshot {
	src := f.engine.Subscribe()
	out := make(chan Snapshot, 8)
	go func() {
		defer close(out)
		for range src {
			out <- f.Snapshot()
		}
	}()
	return out
}

// SaveSession debounces the write: only the last payload within
// cfg.SaveDebounce survives.
// On flush it writes through DurableStore and enqueues a coalesced
// UPDATE_SESSION; if currently online, it triggers a drain.
func (f *Facade) SaveSession(session *domain.SessionRecord, priority int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := session.ID
	f.pending[id] = session
	f.priorities[id] = priority

	if t, ok := f.timers[id]; ok {
		t.Stop()
	}
	f.timers[id] = time.AfterFunc(f.cfg.SaveDebounce, func() {
		f.flush(id)
	})
}

func (f *Facade) flush(id string) {
	f.mu.Lock()
	session, ok := f.pending[id]
	priority := f.priorities[id]
	delete(f.pending, id)
	delete(f.priorities, id)
	delete(f.timers, id)
	f.mu.Unlock()
	if !ok {
		return
	}
	f.persistAndEnqueue(session, priority)
}

// ForceSave bypasses the debounce entirely, for app-lifecycle events
// (suspend, navigation).
func (f *Facade) ForceSave(session *domain.SessionRecord, priority int) error {
	f.mu.Lock()
	id := session.ID
	if t, ok := f.timers[id]; ok {
		t.Stop()
		delete(f.timers, id)
	}
	delete(f.pending, id)
	delete(f.priorities, id)
	f.mu.Unlock()
	return f.persistAndEnqueue(session, priority)
}

func (f *Facade) persistAndEnqueue(session *domain.SessionRecord, priority int) error {
	ctx := context.Background()

	session.LocalVersion++
	session.Deleted = false
	session.UpdatedAt = time.Now()
	if err := f.store.PutSession(ctx, session); err != nil {
		return fmt.Errorf("facade: save session: %w", err)
	}

	if _, err := f.queue.EnqueueSessionUpdate(ctx, session.ID, session.Data, session.ServerVersion, priority); err != nil {
		return fmt.Errorf("facade: enqueue session update: %w", err)
	}

	f.publishSnapshot()
	f.kickSync()
	return nil
}

// kickSync triggers a background drain unless the sensor reports offline.
func (f *Facade) kickSync() {
	if f.sensor != nil && f.sensor.State() == network.StateOffline {
		return
	}
	go func() {
		if _, err := f.engine.Sync(context.Background(), syncengine.Options{}); err != nil {
			f.logger.Warn("post-save sync failed", "error", err)
		}
	}()
}

// SaveGridItems queues the session's grid portion as an UPDATE_GRID
// operation. Grid payloads carry position-indexed edits whose order
// matters, so they are enqueued as-is and never coalesced.
func (f *Facade) SaveGridItems(ctx context.Context, listID string, items []*domain.GridItem, priority int) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("facade: marshal grid items: %w", err)
	}
	return f.enqueueEntityUpdate(ctx, domain.EntityGrid, domain.OpUpdateGrid, listID, payload, priority)
}

// SaveBacklogGroups queues the session's backlog grouping state as an
// UPDATE_BACKLOG operation.
func (f *Facade) SaveBacklogGroups(ctx context.Context, listID string, groups []*domain.BacklogGroup, priority int) error {
	payload, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("facade: marshal backlog groups: %w", err)
	}
	return f.enqueueEntityUpdate(ctx, domain.EntityBacklog, domain.OpUpdateBacklog, listID, payload, priority)
}

func (f *Facade) enqueueEntityUpdate(ctx context.Context, entityType domain.EntityType, opType domain.OperationType, listID string, payload json.RawMessage, priority int) error {
	var baseVersion int64
	if rec, err := f.store.GetSession(ctx, listID); err == nil {
		baseVersion = rec.ServerVersion
	}

	op := &domain.Operation{
		EntityType:  entityType,
		EntityID:    listID,
		Type:        opType,
		Payload:     payload,
		BaseVersion: baseVersion,
		Priority:    priority,
	}
	if err := f.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("facade: enqueue %s: %w", opType, err)
	}

	f.publishSnapshot()
	f.kickSync()
	return nil
}

// LoadSession returns the durable copy, or (nil, nil) if absent.
func (f *Facade) LoadSession(ctx context.Context, listID string) (*domain.SessionRecord, error) {
	rec, err := f.store.GetSession(ctx, listID)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("facade: load session: %w", err)
	}
	return rec, nil
}

// DeleteSession performs a durable delete and queues a DELETE_SESSION op.
func (f *Facade) DeleteSession(ctx context.Context, listID string) error {
	if err := f.store.DeleteSession(ctx, listID); err != nil {
		return fmt.Errorf("facade: delete session: %w", err)
	}
	op := &domain.Operation{
		EntityType: domain.EntitySession,
		EntityID:   listID,
		Type:       domain.OpDeleteSession,
	}
	if err := f.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("facade: enqueue delete: %w", err)
	}
	f.publishSnapshot()
	return nil
}

// SyncNow is a passthrough to the engine's forced sync.
func (f *Facade) SyncNow(ctx context.Context) (syncengine.Result, error) {
	return f.engine.ForceSync(ctx)
}

// RetryFailed is a passthrough to the queue's retry-failed action.
func (f *Facade) RetryFailed(ctx context.Context) (int, error) {
	return f.queue.RetryFailed(ctx)
}

// ClearSyncQueue is a passthrough to the queue's clear action.
func (f *Facade) ClearSyncQueue(ctx context.Context) error {
	return f.queue.Clear(ctx)
}

// ResolveConflict is a passthrough to the engine's conflict resolution.
func (f *Facade) ResolveConflict(ctx context.Context, conflictID uuid.UUID, strategy domain.ResolutionStrategy, mergedData json.RawMessage) error {
	return f.engine.ResolveConflict(ctx, conflictID, strategy, mergedData)
}

func (f *Facade) publishSnapshot() {
	if f.pub == nil {
		return
	}
	snap := f.Snapshot()
	var lastSynced string
	if snap.LastSyncedAt != nil {
		lastSynced = snap.LastSyncedAt.Format(time.RFC3339)
	}
	_ = f.pub.PublishSnapshotChanged(realtime.SnapshotData{
		NetworkState:  string(netStateOf(f.sensor)),
		PendingOps:    snap.PendingCount,
		OpenConflicts: len(snap.Conflicts),
		LastSyncedAt:  lastSynced,
	})
}

func netStateOf(s *network.Sensor) network.State {
	if s == nil {
		return network.StateOnline
	}
	return s.State()
}
