// Package memory implements storage.Store entirely in-process. It is the
// degraded-ok fallback used when neither SQLite nor Postgres can be
// initialized: the rest of the system keeps working transiently, but
// nothing survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/storage"
)

// Storage is a map-backed storage.Store. All methods are safe for
// concurrent use.
type Storage struct {
	mu sync.RWMutex

	sessions  map[string]*domain.SessionRecord
	ops       map[uuid.UUID]*domain.Operation
	conflicts map[uuid.UUID]*domain.ConflictRecord
	backlog   map[string]*domain.BacklogCacheEntry
	metadata  map[string]string

	events chan storage.Event

	quotaBytes int64
	usedBytes  int64
}

// New returns an empty in-memory store.
func New() *Storage {
	return &Storage{
		sessions:  make(map[string]*domain.SessionRecord),
		ops:       make(map[uuid.UUID]*domain.Operation),
		conflicts: make(map[uuid.UUID]*domain.ConflictRecord),
		backlog:   make(map[string]*domain.BacklogCacheEntry),
		metadata:  make(map[string]string),
		events:    make(chan storage.Event, 256),
	}
}

// SetQuotaForTest overrides the usage/quota pair Estimate reports. The
// in-memory backend has no real disk footprint to stat, so quota-pressure
// tests that need specific usage numbers set them directly here.
func (s *Storage) SetQuotaForTest(quotaBytes, usedBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaBytes = quotaBytes
	s.usedBytes = usedBytes
}

func (s *Storage) emit(kind storage.EventKind, entityID string) {
	ev := storage.Event{Kind: kind, EntityID: entityID, Timestamp: time.Now()}
	select {
	case s.events <- ev:
	default:
		// Drop rather than block a caller holding the lock; the event bus
		// is best-effort, the store itself is the source of truth.
	}
}

func (s *Storage) GetSession(_ context.Context, id string) (*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, &storage.ErrNotFound{Kind: "session", ID: id}
	}
	cp := *rec
	return &cp, nil
}

func (s *Storage) PutSession(_ context.Context, rec *domain.SessionRecord) error {
	s.mu.Lock()
	cp := *rec
	s.sessions[rec.ID] = &cp
	s.mu.Unlock()
	s.emit(storage.EventSessionWritten, rec.ID)
	return nil
}

func (s *Storage) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.emit(storage.EventSessionWritten, id)
	return nil
}

func (s *Storage) ListSessions(_ context.Context) ([]*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Storage) GetDirtySessions(_ context.Context) ([]*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.SessionRecord
	for _, rec := range s.sessions {
		if rec.LocalVersion > rec.ServerVersion {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Storage) EnqueueOperation(_ context.Context, op *domain.Operation) error {
	s.mu.Lock()
	cp := *op
	s.ops[op.ID] = &cp
	s.mu.Unlock()
	s.emit(storage.EventOperationQueued, op.ID.String())
	return nil
}

func (s *Storage) GetOperation(_ context.Context, id uuid.UUID) (*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, &storage.ErrNotFound{Kind: "operation", ID: id.String()}
	}
	cp := *op
	return &cp, nil
}

func (s *Storage) ListOperations(_ context.Context) ([]*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		cp := *op
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Storage) UpdateOperation(_ context.Context, op *domain.Operation) error {
	s.mu.Lock()
	if _, ok := s.ops[op.ID]; !ok {
		s.mu.Unlock()
		return &storage.ErrNotFound{Kind: "operation", ID: op.ID.String()}
	}
	cp := *op
	s.ops[op.ID] = &cp
	s.mu.Unlock()
	s.emit(storage.EventOperationUpdate, op.ID.String())
	return nil
}

func (s *Storage) DeleteOperation(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	delete(s.ops, id)
	s.mu.Unlock()
	return nil
}

func (s *Storage) PutConflict(_ context.Context, c *domain.ConflictRecord) error {
	s.mu.Lock()
	cp := *c
	s.conflicts[c.ID] = &cp
	s.mu.Unlock()
	s.emit(storage.EventConflictWritten, c.ID.String())
	return nil
}

func (s *Storage) GetConflict(_ context.Context, id uuid.UUID) (*domain.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, &storage.ErrNotFound{Kind: "conflict", ID: id.String()}
	}
	cp := *c
	return &cp, nil
}

func (s *Storage) ListUnresolvedConflicts(_ context.Context) ([]*domain.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ConflictRecord, 0)
	for _, c := range s.conflicts {
		if !c.Resolved {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Storage) GetBacklogCacheEntry(_ context.Context, key string) (*domain.BacklogCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.backlog[key]
	if !ok {
		return nil, &storage.ErrNotFound{Kind: "backlog_cache", ID: key}
	}
	cp := *e
	return &cp, nil
}

func (s *Storage) PutBacklogCacheEntry(_ context.Context, e *domain.BacklogCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.backlog[e.Key] = &cp
	return nil
}

func (s *Storage) DeleteBacklogCacheEntry(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backlog, key)
	return nil
}

func (s *Storage) PruneExpiredBacklogCache(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.backlog {
		if now.After(e.ExpiresAt) {
			delete(s.backlog, k)
			n++
		}
	}
	return n, nil
}

func (s *Storage) GetMetadata(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metadata[key]
	if !ok {
		return "", &storage.ErrNotFound{Kind: "metadata", ID: key}
	}
	return v, nil
}

func (s *Storage) PutMetadata(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
	return nil
}

func (s *Storage) Events() <-chan storage.Event { return s.events }

func (s *Storage) Estimate(_ context.Context) (storage.UsageEstimate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quotaBytes > 0 {
		return storage.UsageEstimate{UsedBytes: s.usedBytes, QuotaBytes: s.quotaBytes}, nil
	}
	// Rough per-row estimate; good enough for quota-pressure heuristics in
	// the degraded, non-persistent mode this backend exists for.
	n := len(s.sessions) + len(s.ops) + len(s.conflicts) + len(s.backlog) + len(s.metadata)
	return storage.UsageEstimate{UsedBytes: int64(n) * 512, QuotaBytes: 0}, nil
}

func (s *Storage) Health(_ context.Context) error { return nil }

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.events)
	return nil
}
