package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kodewave/goatsync/internal/offline/domain"
)

// EventKind classifies a storage change notification.
type EventKind string

const (
	EventSessionWritten  EventKind = "session_written"
	EventOperationQueued EventKind = "operation_queued"
	EventOperationUpdate EventKind = "operation_updated"
	EventConflictWritten EventKind = "conflict_written"
)

// Event is emitted for session writes and deletes, operation enqueues and
// updates, and conflict writes (not for operation deletes, backlog-cache or
// metadata writes), satisfying the "all emitted events carry a timestamp"
// contract.
type Event struct {
	Kind      EventKind
	EntityID  string
	Timestamp time.Time
}

// UsageEstimate reports approximate storage consumption, the durable
// store's analogue of a browser's storage-estimate API.
type UsageEstimate struct {
	UsedBytes  int64
	QuotaBytes int64
}

// Store is the durable backend contract. Every method takes a context
// and returns a typed error from this package on failure.
type Store interface {
	// Sessions
	GetSession(ctx context.Context, id string) (*domain.SessionRecord, error)
	PutSession(ctx context.Context, rec *domain.SessionRecord) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*domain.SessionRecord, error)
	// GetDirtySessions returns only records with unsynced local changes
	// (LocalVersion > ServerVersion), backed by an index on that relation.
	GetDirtySessions(ctx context.Context) ([]*domain.SessionRecord, error)

	// Operation queue
	EnqueueOperation(ctx context.Context, op *domain.Operation) error
	GetOperation(ctx context.Context, id uuid.UUID) (*domain.Operation, error)
	ListOperations(ctx context.Context) ([]*domain.Operation, error)
	UpdateOperation(ctx context.Context, op *domain.Operation) error
	DeleteOperation(ctx context.Context, id uuid.UUID) error

	// Conflicts
	PutConflict(ctx context.Context, c *domain.ConflictRecord) error
	GetConflict(ctx context.Context, id uuid.UUID) (*domain.ConflictRecord, error)
	ListUnresolvedConflicts(ctx context.Context) ([]*domain.ConflictRecord, error)

	// Backlog cache (purely derived, evictable)
	GetBacklogCacheEntry(ctx context.Context, key string) (*domain.BacklogCacheEntry, error)
	PutBacklogCacheEntry(ctx context.Context, e *domain.BacklogCacheEntry) error
	DeleteBacklogCacheEntry(ctx context.Context, key string) error
	PruneExpiredBacklogCache(ctx context.Context, now time.Time) (int, error)

	// Metadata
	GetMetadata(ctx context.Context, key string) (string, error)
	PutMetadata(ctx context.Context, key, value string) error

	// Events, lifecycle, estimation
	Events() <-chan Event
	Estimate(ctx context.Context) (UsageEstimate, error)
	Health(ctx context.Context) error
	Close() error
}
