package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsTraversalAndSystemPaths(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, "../../../etc/passwd", testLogger())
	require.Error(t, err)

	_, err = New(ctx, "/etc/goat.db", testLogger())
	require.Error(t, err)
}

func TestSessionCRUD(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "goat.db")
	s, err := New(ctx, path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	rec := &domain.SessionRecord{ID: "s1", Data: []byte(`{"a":1}`), LocalVersion: 3, UpdatedAt: time.Now()}
	require.NoError(t, s.PutSession(ctx, rec))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.LocalVersion)
	assert.JSONEq(t, `{"a":1}`, string(got.Data))

	rec.LocalVersion = 4
	require.NoError(t, s.PutSession(ctx, rec))
	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.LocalVersion)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.GetSession(ctx, "s1")
	assert.True(t, storage.IsNotFound(err))
}

func TestGetDirtySessions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "goat.db")
	s, err := New(ctx, path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutSession(ctx, &domain.SessionRecord{ID: "dirty", Data: []byte(`{}`), LocalVersion: 5, ServerVersion: 2, UpdatedAt: time.Now()}))
	require.NoError(t, s.PutSession(ctx, &domain.SessionRecord{ID: "clean", Data: []byte(`{}`), LocalVersion: 4, ServerVersion: 4, UpdatedAt: time.Now()}))

	dirty, err := s.GetDirtySessions(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "dirty", dirty[0].ID)
	assert.Equal(t, int64(5), dirty[0].LocalVersion)
}

func TestOperationQueuePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "goat.db")
	s, err := New(ctx, path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	op := &domain.Operation{
		ID:         uuid.New(),
		EntityType: domain.EntityGrid,
		EntityID:   "grid1",
		Type:       domain.OpUpdateGrid,
		Payload:    []byte(`{"position":1}`),
		Status:     domain.StatusPending,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.EnqueueOperation(ctx, op))

	ops, err := s.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OpUpdateGrid, ops[0].Type)

	op.Status = domain.StatusFailed
	op.LastError = "boom"
	require.NoError(t, s.UpdateOperation(ctx, op))

	got, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.LastError)
}

func TestConflictRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "goat.db")
	s, err := New(ctx, path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	c := &domain.ConflictRecord{
		ID:          uuid.New(),
		EntityType:  domain.EntitySession,
		EntityID:    "s1",
		Kind:        domain.ConflictUpdateUpdate,
		Recommended: domain.ResolutionMerge,
		DetectedAt:  time.Now(),
	}
	require.NoError(t, s.PutConflict(ctx, c))

	unresolved, err := s.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	c.Resolved = true
	c.ResolvedWith = domain.ResolutionLocalWins
	now := time.Now()
	c.ResolvedAt = &now
	require.NoError(t, s.PutConflict(ctx, c))

	unresolved, err = s.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, unresolved, 0)
}

func TestHealthAfterClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "goat.db")
	s, err := New(ctx, path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Health(ctx))
	require.NoError(t, s.Close())
	assert.Error(t, s.Health(ctx))
}
