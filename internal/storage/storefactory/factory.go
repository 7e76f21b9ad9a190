package storefactory

import (
	"context"
	"log/slog"

	"github.com/kodewave/goatsync/internal/config"
	"github.com/kodewave/goatsync/internal/storage"
	"github.com/kodewave/goatsync/internal/storage/memory"
	"github.com/kodewave/goatsync/internal/storage/postgres"
	"github.com/kodewave/goatsync/internal/storage/sqlite"
)

// NewStore selects and initializes a durable backend per cfg.Profile. If
// the selected backend fails to initialize, it falls back to an
// in-memory store (degraded-ok mode) and returns the init error alongside
// a usable Store, so callers can log the failure without being forced to
// stop.
func NewStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if !cfg.Profile.Valid() {
		return memory.New(), &storage.ErrInvalidProfile{Profile: string(cfg.Profile)}
	}

	switch cfg.Profile {
	case config.ProfileLite:
		s, err := sqlite.New(ctx, cfg.Storage.SQLitePath, logger)
		if err != nil {
			logger.Error("sqlite backend init failed, falling back to in-memory store", "error", err)
			return memory.New(), &storage.ErrStorageInitFailed{Backend: "sqlite", Profile: string(cfg.Profile), Cause: err}
		}
		return s, nil
	case config.ProfileStandard:
		s, err := postgres.New(ctx, cfg.Storage.PostgresDSN, logger)
		if err != nil {
			logger.Error("postgres backend init failed, falling back to in-memory store", "error", err)
			return memory.New(), &storage.ErrStorageInitFailed{Backend: "postgres", Profile: string(cfg.Profile), Cause: err}
		}
		return s, nil
	default:
		return memory.New(), &storage.ErrInvalidProfile{Profile: string(cfg.Profile)}
	}
}
