// Package sqlite implements storage.Store on top of a local SQLite file,
// the Lite-profile durable backend for a single-node/offline-capable host.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/storage"
)

var forbiddenPrefixes = []string{"/etc", "/sys", "/proc", "/dev"}

func validatePath(path string) error {
	if strings.Contains(path, "..") {
		return &storage.ErrInvalidFilePath{Path: path, Reason: "path traversal is not allowed"}
	}
	for _, p := range forbiddenPrefixes {
		if strings.HasPrefix(path, p) {
			return &storage.ErrInvalidFilePath{Path: path, Reason: fmt.Sprintf("refusing to open a database under %s", p)}
		}
	}
	return nil
}

// Storage is a SQLite-backed storage.Store.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.RWMutex
	events chan storage.Event
}

// New opens (creating if needed) the SQLite database at path, applies the
// schema, and returns a ready Storage.
func New(ctx context.Context, path string, logger *slog.Logger) (*Storage, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &storage.ErrConnectionFailed{Backend: "sqlite", Cause: err}
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &storage.ErrConnectionFailed{Backend: "sqlite", Cause: err}
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &storage.ErrConnectionFailed{Backend: "sqlite", Cause: err}
	}

	s := &Storage{db: db, logger: logger, path: path, events: make(chan storage.Event, 256)}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, &storage.ErrSchemaInitFailed{Backend: "sqlite", Cause: err}
	}

	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warn("failed to tighten database file permissions", "path", path, "error", err)
	}

	return s, nil
}

func (s *Storage) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	local_version INTEGER NOT NULL DEFAULT 0,
	server_version INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
CREATE INDEX IF NOT EXISTS idx_sessions_dirty ON sessions((local_version > server_version));

CREATE TABLE IF NOT EXISTS sync_queue (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	base_version INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_sync_queue_created_at ON sync_queue(created_at);

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	local_payload TEXT,
	server_payload TEXT,
	base_payload TEXT,
	recommended TEXT NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	resolved_with TEXT,
	detected_at INTEGER NOT NULL,
	resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved);

CREATE TABLE IF NOT EXISTS backlog_cache (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backlog_cache_expires_at ON backlog_cache(expires_at);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Storage) emit(kind storage.EventKind, entityID string) {
	ev := storage.Event{Kind: kind, EntityID: entityID, Timestamp: time.Now()}
	select {
	case s.events <- ev:
	default:
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *Storage) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec domain.SessionRecord
	var data string
	var updatedAt int64
	var deleted int
	row := s.db.QueryRowContext(ctx, `SELECT id, data, local_version, server_version, updated_at, deleted FROM sessions WHERE id = ?`, id)
	if err := row.Scan(&rec.ID, &data, &rec.LocalVersion, &rec.ServerVersion, &updatedAt, &deleted); err != nil {
		if err == sql.ErrNoRows {
			return nil, &storage.ErrNotFound{Kind: "session", ID: id}
		}
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.Deleted = deleted != 0
	return &rec, nil
}

func (s *Storage) PutSession(ctx context.Context, rec *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, data, local_version, server_version, updated_at, deleted)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	data = excluded.data,
	local_version = excluded.local_version,
	server_version = excluded.server_version,
	updated_at = excluded.updated_at,
	deleted = excluded.deleted
`, rec.ID, string(rec.Data), rec.LocalVersion, rec.ServerVersion, toMillis(rec.UpdatedAt), deleted)
	if err != nil {
		return err
	}
	s.emit(storage.EventSessionWritten, rec.ID)
	return nil
}

func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	s.emit(storage.EventSessionWritten, id)
	return nil
}

func (s *Storage) ListSessions(ctx context.Context) ([]*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, data, local_version, server_version, updated_at, deleted FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var data string
		var updatedAt int64
		var deleted int
		if err := rows.Scan(&rec.ID, &data, &rec.LocalVersion, &rec.ServerVersion, &updatedAt, &deleted); err != nil {
			return nil, err
		}
		rec.Data = json.RawMessage(data)
		rec.UpdatedAt = fromMillis(updatedAt)
		rec.Deleted = deleted != 0
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetDirtySessions selects only records with unsynced local changes,
// served by the expression index on local_version > server_version.
func (s *Storage) GetDirtySessions(ctx context.Context) ([]*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, data, local_version, server_version, updated_at, deleted FROM sessions WHERE local_version > server_version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var data string
		var updatedAt int64
		var deleted int
		if err := rows.Scan(&rec.ID, &data, &rec.LocalVersion, &rec.ServerVersion, &updatedAt, &deleted); err != nil {
			return nil, err
		}
		rec.Data = json.RawMessage(data)
		rec.UpdatedAt = fromMillis(updatedAt)
		rec.Deleted = deleted != 0
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Storage) EnqueueOperation(ctx context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_queue (id, entity_type, entity_id, op_type, payload, base_version, status, attempts, created_at, next_retry_at, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, op.ID.String(), string(op.EntityType), op.EntityID, string(op.Type), string(op.Payload), op.BaseVersion,
		string(op.Status), op.Attempts, toMillis(op.CreatedAt), toMillis(op.NextRetryAt), op.LastError)
	if err != nil {
		return err
	}
	s.emit(storage.EventOperationQueued, op.ID.String())
	return nil
}

func scanOperation(row interface {
	Scan(dest ...any) error
}) (*domain.Operation, error) {
	var op domain.Operation
	var id, entityType, opType, status string
	var payload string
	var createdAt, nextRetryAt int64
	var lastError sql.NullString
	if err := row.Scan(&id, &entityType, &op.EntityID, &opType, &payload, &op.BaseVersion, &status, &op.Attempts, &createdAt, &nextRetryAt, &lastError); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	op.ID = parsed
	op.EntityType = domain.EntityType(entityType)
	op.Type = domain.OperationType(opType)
	op.Status = domain.OperationStatus(status)
	op.Payload = json.RawMessage(payload)
	op.CreatedAt = fromMillis(createdAt)
	op.NextRetryAt = fromMillis(nextRetryAt)
	op.LastError = lastError.String
	return &op, nil
}

func (s *Storage) GetOperation(ctx context.Context, id uuid.UUID) (*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, entity_type, entity_id, op_type, payload, base_version, status, attempts, created_at, next_retry_at, last_error FROM sync_queue WHERE id = ?`, id.String())
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, &storage.ErrNotFound{Kind: "operation", ID: id.String()}
	}
	return op, err
}

func (s *Storage) ListOperations(ctx context.Context) ([]*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, entity_type, entity_id, op_type, payload, base_version, status, attempts, created_at, next_retry_at, last_error FROM sync_queue ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Storage) UpdateOperation(ctx context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_queue SET entity_type = ?, entity_id = ?, op_type = ?, payload = ?, base_version = ?, status = ?, attempts = ?, next_retry_at = ?, last_error = ?
WHERE id = ?
`, string(op.EntityType), op.EntityID, string(op.Type), string(op.Payload), op.BaseVersion, string(op.Status), op.Attempts, toMillis(op.NextRetryAt), op.LastError, op.ID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.ErrNotFound{Kind: "operation", ID: op.ID.String()}
	}
	s.emit(storage.EventOperationUpdate, op.ID.String())
	return nil
}

func (s *Storage) DeleteOperation(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id.String())
	return err
}

func (s *Storage) PutConflict(ctx context.Context, c *domain.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resolved := 0
	if c.Resolved {
		resolved = 1
	}
	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = toMillis(*c.ResolvedAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conflicts (id, entity_type, entity_id, kind, local_payload, server_payload, base_payload, recommended, resolved, resolved_with, detected_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	resolved = excluded.resolved,
	resolved_with = excluded.resolved_with,
	resolved_at = excluded.resolved_at
`, c.ID.String(), string(c.EntityType), c.EntityID, string(c.Kind), string(c.LocalPayload), string(c.ServerPayload), string(c.BasePayload),
		string(c.Recommended), resolved, string(c.ResolvedWith), toMillis(c.DetectedAt), resolvedAt)
	if err != nil {
		return err
	}
	s.emit(storage.EventConflictWritten, c.ID.String())
	return nil
}

func (s *Storage) GetConflict(ctx context.Context, id uuid.UUID) (*domain.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, entity_type, entity_id, kind, local_payload, server_payload, base_payload, recommended, resolved, resolved_with, detected_at, resolved_at FROM conflicts WHERE id = ?`, id.String())
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, &storage.ErrNotFound{Kind: "conflict", ID: id.String()}
	}
	return c, err
}

func (s *Storage) ListUnresolvedConflicts(ctx context.Context) ([]*domain.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, entity_type, entity_id, kind, local_payload, server_payload, base_payload, recommended, resolved, resolved_with, detected_at, resolved_at FROM conflicts WHERE resolved = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConflict(row interface {
	Scan(dest ...any) error
}) (*domain.ConflictRecord, error) {
	var c domain.ConflictRecord
	var id, entityType, kind, recommended string
	var localP, serverP, baseP sql.NullString
	var resolved int
	var resolvedWith sql.NullString
	var detectedAt int64
	var resolvedAt sql.NullInt64
	if err := row.Scan(&id, &entityType, &c.EntityID, &kind, &localP, &serverP, &baseP, &recommended, &resolved, &resolvedWith, &detectedAt, &resolvedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	c.ID = parsed
	c.EntityType = domain.EntityType(entityType)
	c.Kind = domain.ConflictKind(kind)
	c.Recommended = domain.ResolutionStrategy(recommended)
	c.LocalPayload = json.RawMessage(localP.String)
	c.ServerPayload = json.RawMessage(serverP.String)
	c.BasePayload = json.RawMessage(baseP.String)
	c.Resolved = resolved != 0
	c.ResolvedWith = domain.ResolutionStrategy(resolvedWith.String)
	c.DetectedAt = fromMillis(detectedAt)
	if resolvedAt.Valid {
		t := fromMillis(resolvedAt.Int64)
		c.ResolvedAt = &t
	}
	return &c, nil
}

func (s *Storage) GetBacklogCacheEntry(ctx context.Context, key string) (*domain.BacklogCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var e domain.BacklogCacheEntry
	var value string
	var expiresAt int64
	row := s.db.QueryRowContext(ctx, `SELECT key, value, expires_at FROM backlog_cache WHERE key = ?`, key)
	if err := row.Scan(&e.Key, &value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &storage.ErrNotFound{Kind: "backlog_cache", ID: key}
		}
		return nil, err
	}
	e.Value = json.RawMessage(value)
	e.ExpiresAt = fromMillis(expiresAt)
	return &e, nil
}

func (s *Storage) PutBacklogCacheEntry(ctx context.Context, e *domain.BacklogCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO backlog_cache (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
`, e.Key, string(e.Value), toMillis(e.ExpiresAt))
	return err
}

func (s *Storage) DeleteBacklogCacheEntry(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM backlog_cache WHERE key = ?`, key)
	return err
}

func (s *Storage) PruneExpiredBacklogCache(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM backlog_cache WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Storage) GetMetadata(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	row := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", &storage.ErrNotFound{Kind: "metadata", ID: key}
		}
		return "", err
	}
	return value, nil
}

func (s *Storage) PutMetadata(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, toMillis(time.Now()))
	return err
}

func (s *Storage) Events() <-chan storage.Event { return s.events }

func (s *Storage) Estimate(ctx context.Context) (storage.UsageEstimate, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return storage.UsageEstimate{}, err
	}
	size := info.Size()
	if walInfo, err := os.Stat(s.path + "-wal"); err == nil {
		size += walInfo.Size()
	}
	return storage.UsageEstimate{UsedBytes: size}, nil
}

func (s *Storage) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return &storage.ErrConnectionFailed{Backend: "sqlite", Cause: fmt.Errorf("closed")}
	}
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	close(s.events)
	return err
}
