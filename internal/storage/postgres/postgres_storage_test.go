//go:build integration

package postgres

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/kodewave/goatsync/internal/offline/domain"
)

// These tests spin up a real Postgres via testcontainers-go; run them with
// `-tags integration` against a machine that has a docker daemon.
func TestPostgresSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("goatsync"),
		postgres.WithUsername("goatsync"),
		postgres.WithPassword("goatsync"),
	)
	require.NoError(t, err)
	defer container.Terminate(ctx)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(ctx, dsn, logger)
	require.NoError(t, err)
	defer s.Close()

	rec := &domain.SessionRecord{ID: "s1", Data: []byte(`{"a":1}`), LocalVersion: 1, UpdatedAt: time.Now()}
	require.NoError(t, s.PutSession(ctx, rec))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.LocalVersion)
}
