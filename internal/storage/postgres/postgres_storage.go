// Package postgres implements storage.Store on top of a Postgres pool via
// pgx, the Standard-profile durable backend for an always-connected host.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/storage"
)

// Storage is a Postgres-backed storage.Store.
type Storage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	events chan storage.Event
}

// New connects to Postgres using dsn and applies the schema (idempotent,
// additive-only, see internal/storage/migrations/postgres).
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &storage.ErrConnectionFailed{Backend: "postgres", Cause: err}
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &storage.ErrConnectionFailed{Backend: "postgres", Cause: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &storage.ErrConnectionFailed{Backend: "postgres", Cause: err}
	}

	s := &Storage{pool: pool, logger: logger, events: make(chan storage.Event, 256)}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, &storage.ErrSchemaInitFailed{Backend: "postgres", Cause: err}
	}
	return s, nil
}

func (s *Storage) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL,
	local_version BIGINT NOT NULL DEFAULT 0,
	server_version BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
CREATE INDEX IF NOT EXISTS idx_sessions_dirty ON sessions((local_version > server_version));

CREATE TABLE IF NOT EXISTS sync_queue (
	id UUID PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	base_version BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	next_retry_at TIMESTAMPTZ,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS conflicts (
	id UUID PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	local_payload JSONB,
	server_payload JSONB,
	base_payload JSONB,
	recommended TEXT NOT NULL,
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_with TEXT,
	detected_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved);

CREATE TABLE IF NOT EXISTS backlog_cache (
	key TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backlog_cache_expires_at ON backlog_cache(expires_at);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Storage) emit(kind storage.EventKind, entityID string) {
	ev := storage.Event{Kind: kind, EntityID: entityID, Timestamp: time.Now()}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Storage) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var data []byte
	row := s.pool.QueryRow(ctx, `SELECT id, data, local_version, server_version, updated_at, deleted FROM sessions WHERE id = $1`, id)
	if err := row.Scan(&rec.ID, &data, &rec.LocalVersion, &rec.ServerVersion, &rec.UpdatedAt, &rec.Deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &storage.ErrNotFound{Kind: "session", ID: id}
		}
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	return &rec, nil
}

func (s *Storage) PutSession(ctx context.Context, rec *domain.SessionRecord) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO sessions (id, data, local_version, server_version, updated_at, deleted)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	data = excluded.data, local_version = excluded.local_version,
	server_version = excluded.server_version, updated_at = excluded.updated_at, deleted = excluded.deleted
`, rec.ID, []byte(rec.Data), rec.LocalVersion, rec.ServerVersion, updatedAt, rec.Deleted)
	if err != nil {
		return err
	}
	s.emit(storage.EventSessionWritten, rec.ID)
	return nil
}

func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	s.emit(storage.EventSessionWritten, id)
	return nil
}

func (s *Storage) ListSessions(ctx context.Context) ([]*domain.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, data, local_version, server_version, updated_at, deleted FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var data []byte
		if err := rows.Scan(&rec.ID, &data, &rec.LocalVersion, &rec.ServerVersion, &rec.UpdatedAt, &rec.Deleted); err != nil {
			return nil, err
		}
		rec.Data = json.RawMessage(data)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetDirtySessions selects only records with unsynced local changes,
// served by the expression index on local_version > server_version.
func (s *Storage) GetDirtySessions(ctx context.Context) ([]*domain.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, data, local_version, server_version, updated_at, deleted FROM sessions WHERE local_version > server_version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var data []byte
		if err := rows.Scan(&rec.ID, &data, &rec.LocalVersion, &rec.ServerVersion, &rec.UpdatedAt, &rec.Deleted); err != nil {
			return nil, err
		}
		rec.Data = json.RawMessage(data)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Storage) EnqueueOperation(ctx context.Context, op *domain.Operation) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sync_queue (id, entity_type, entity_id, op_type, payload, base_version, status, attempts, created_at, next_retry_at, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, op.ID, string(op.EntityType), op.EntityID, string(op.Type), []byte(op.Payload), op.BaseVersion,
		string(op.Status), op.Attempts, op.CreatedAt, nullTime(op.NextRetryAt), nullString(op.LastError))
	if err != nil {
		return err
	}
	s.emit(storage.EventOperationQueued, op.ID.String())
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanOperationRow(row pgx.Row) (*domain.Operation, error) {
	var op domain.Operation
	var entityType, opType, status string
	var payload []byte
	var nextRetryAt *time.Time
	var lastError *string
	if err := row.Scan(&op.ID, &entityType, &op.EntityID, &opType, &payload, &op.BaseVersion, &status, &op.Attempts, &op.CreatedAt, &nextRetryAt, &lastError); err != nil {
		return nil, err
	}
	op.EntityType = domain.EntityType(entityType)
	op.Type = domain.OperationType(opType)
	op.Status = domain.OperationStatus(status)
	op.Payload = json.RawMessage(payload)
	if nextRetryAt != nil {
		op.NextRetryAt = *nextRetryAt
	}
	if lastError != nil {
		op.LastError = *lastError
	}
	return &op, nil
}

func (s *Storage) GetOperation(ctx context.Context, id uuid.UUID) (*domain.Operation, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, entity_type, entity_id, op_type, payload, base_version, status, attempts, created_at, next_retry_at, last_error FROM sync_queue WHERE id = $1`, id)
	op, err := scanOperationRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &storage.ErrNotFound{Kind: "operation", ID: id.String()}
	}
	return op, err
}

func (s *Storage) ListOperations(ctx context.Context) ([]*domain.Operation, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, entity_type, entity_id, op_type, payload, base_version, status, attempts, created_at, next_retry_at, last_error FROM sync_queue ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Operation
	for rows.Next() {
		op, err := scanOperationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Storage) UpdateOperation(ctx context.Context, op *domain.Operation) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sync_queue SET entity_type = $2, entity_id = $3, op_type = $4, payload = $5, base_version = $6, status = $7, attempts = $8, next_retry_at = $9, last_error = $10
WHERE id = $1
`, op.ID, string(op.EntityType), op.EntityID, string(op.Type), []byte(op.Payload), op.BaseVersion, string(op.Status), op.Attempts, nullTime(op.NextRetryAt), nullString(op.LastError))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &storage.ErrNotFound{Kind: "operation", ID: op.ID.String()}
	}
	s.emit(storage.EventOperationUpdate, op.ID.String())
	return nil
}

func (s *Storage) DeleteOperation(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1`, id)
	return err
}

func (s *Storage) PutConflict(ctx context.Context, c *domain.ConflictRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO conflicts (id, entity_type, entity_id, kind, local_payload, server_payload, base_payload, recommended, resolved, resolved_with, detected_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET resolved = excluded.resolved, resolved_with = excluded.resolved_with, resolved_at = excluded.resolved_at
`, c.ID, string(c.EntityType), c.EntityID, string(c.Kind), nullBytes(c.LocalPayload), nullBytes(c.ServerPayload), nullBytes(c.BasePayload),
		string(c.Recommended), c.Resolved, nullString(string(c.ResolvedWith)), c.DetectedAt, c.ResolvedAt)
	if err != nil {
		return err
	}
	s.emit(storage.EventConflictWritten, c.ID.String())
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func scanConflictRow(row pgx.Row) (*domain.ConflictRecord, error) {
	var c domain.ConflictRecord
	var entityType, kind, recommended string
	var localP, serverP, baseP []byte
	var resolvedWith *string
	if err := row.Scan(&c.ID, &entityType, &c.EntityID, &kind, &localP, &serverP, &baseP, &recommended, &c.Resolved, &resolvedWith, &c.DetectedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.EntityType = domain.EntityType(entityType)
	c.Kind = domain.ConflictKind(kind)
	c.Recommended = domain.ResolutionStrategy(recommended)
	c.LocalPayload = json.RawMessage(localP)
	c.ServerPayload = json.RawMessage(serverP)
	c.BasePayload = json.RawMessage(baseP)
	if resolvedWith != nil {
		c.ResolvedWith = domain.ResolutionStrategy(*resolvedWith)
	}
	return &c, nil
}

func (s *Storage) GetConflict(ctx context.Context, id uuid.UUID) (*domain.ConflictRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, entity_type, entity_id, kind, local_payload, server_payload, base_payload, recommended, resolved, resolved_with, detected_at, resolved_at FROM conflicts WHERE id = $1`, id)
	c, err := scanConflictRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &storage.ErrNotFound{Kind: "conflict", ID: id.String()}
	}
	return c, err
}

func (s *Storage) ListUnresolvedConflicts(ctx context.Context) ([]*domain.ConflictRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, entity_type, entity_id, kind, local_payload, server_payload, base_payload, recommended, resolved, resolved_with, detected_at, resolved_at FROM conflicts WHERE resolved = FALSE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ConflictRecord
	for rows.Next() {
		c, err := scanConflictRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Storage) GetBacklogCacheEntry(ctx context.Context, key string) (*domain.BacklogCacheEntry, error) {
	var e domain.BacklogCacheEntry
	var value []byte
	row := s.pool.QueryRow(ctx, `SELECT key, value, expires_at FROM backlog_cache WHERE key = $1`, key)
	if err := row.Scan(&e.Key, &value, &e.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &storage.ErrNotFound{Kind: "backlog_cache", ID: key}
		}
		return nil, err
	}
	e.Value = json.RawMessage(value)
	return &e, nil
}

func (s *Storage) PutBacklogCacheEntry(ctx context.Context, e *domain.BacklogCacheEntry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO backlog_cache (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
`, e.Key, []byte(e.Value), e.ExpiresAt)
	return err
}

func (s *Storage) DeleteBacklogCacheEntry(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM backlog_cache WHERE key = $1`, key)
	return err
}

func (s *Storage) PruneExpiredBacklogCache(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM backlog_cache WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Storage) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	row := s.pool.QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", &storage.ErrNotFound{Kind: "metadata", ID: key}
		}
		return "", err
	}
	return value, nil
}

func (s *Storage) PutMetadata(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO metadata (key, value, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, time.Now())
	return err
}

func (s *Storage) Events() <-chan storage.Event { return s.events }

func (s *Storage) Estimate(ctx context.Context) (storage.UsageEstimate, error) {
	var bytes int64
	row := s.pool.QueryRow(ctx, `SELECT pg_database_size(current_database())`)
	if err := row.Scan(&bytes); err != nil {
		return storage.UsageEstimate{}, err
	}
	return storage.UsageEstimate{UsedBytes: bytes}, nil
}

func (s *Storage) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Storage) Close() error {
	s.pool.Close()
	close(s.events)
	return nil
}
