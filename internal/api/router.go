// Package api exposes the admin/dashboard HTTP surface over the Facade:
// a reactive snapshot, sync/retry/conflict actions, a WebSocket event
// stream, and the standard health/metrics endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kodewave/goatsync/internal/api/middleware"
	"github.com/kodewave/goatsync/internal/infrastructure/cache"
	"github.com/kodewave/goatsync/internal/offline/facade"
	"github.com/kodewave/goatsync/internal/realtime"
	"github.com/kodewave/goatsync/internal/storage"
	pkgmiddleware "github.com/kodewave/goatsync/pkg/middleware"
)

// Config configures the HTTP server and its middleware.
type Config struct {
	Addr            string
	MetricsEnabled  bool
	MetricsPath     string
	RateLimitPerMin int
	RateLimitBurst  int
	CORS            middleware.CORSConfig
	ShutdownTimeout time.Duration
}

// Server is the admin/dashboard HTTP surface wired over a Facade.
type Server struct {
	facade   *facade.Facade
	store    storage.Store
	validate *validator.Validate
	logger   *slog.Logger
	cfg      Config

	http *http.Server
	hub  *wsHub

	l2         cache.Cache
	backlogTTL time.Duration

	cancel context.CancelFunc
}

// New builds a Server. bus, if non-nil, gets the WebSocket hub attached
// as a watcher so every realtime.Event the Facade publishes reaches
// connected clients; it may be nil in tests that don't exercise the bus.
func New(f *facade.Facade, store storage.Store, bus *realtime.Bus, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 600
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 50
	}

	s := &Server{
		facade:   f,
		store:    store,
		validate: validator.New(),
		logger:   logger.With("component", "api_server"),
		cfg:      cfg,
		hub:      newWSHub(logger),
	}

	if bus != nil {
		w := &hubWatcher{hub: s.hub, ctx: context.Background()}
		if err := bus.Attach(w); err != nil {
			s.logger.Warn("failed to attach ws hub to event bus", "error", err)
		}
	}

	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(s.logger))
	router.Use(pkgmiddleware.PathNormalization())
	router.Use(middleware.MetricsMiddleware)
	router.Use(middleware.CORSMiddleware(s.cfg.CORS))
	router.Use(pkgmiddleware.SecurityHeaders(pkgmiddleware.DefaultSecurityHeadersConfig()))
	router.Use(middleware.RateLimitMiddleware(s.cfg.RateLimitPerMin, s.cfg.RateLimitBurst))

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/sync-now", s.handleSyncNow).Methods(http.MethodPost)
	router.HandleFunc("/retry-failed", s.handleRetryFailed).Methods(http.MethodPost)
	router.HandleFunc("/queue", s.handleClearQueue).Methods(http.MethodDelete)
	router.HandleFunc("/conflicts/{id}/resolve", s.handleResolveConflict).Methods(http.MethodPost)
	router.HandleFunc("/backlog/{key}", s.handleGetBacklog).Methods(http.MethodGet)
	router.HandleFunc("/backlog/{key}", s.handlePutBacklog).Methods(http.MethodPut)
	router.HandleFunc("/backlog/{key}", s.handleDeleteBacklog).Methods(http.MethodDelete)
	router.HandleFunc("/ws", s.hub.handleUpgrade).Methods(http.MethodGet)

	if s.cfg.MetricsEnabled {
		router.Handle(s.cfg.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	return router
}

// Start runs the hub loop and the HTTP listener until ctx is cancelled or
// ListenAndServe returns.
func (s *Server) Start(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.hub.run(hubCtx)

	s.logger.Info("api server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server down, bounded by
// cfg.ShutdownTimeout, and stops the WebSocket hub.
func (s *Server) Stop(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(shutCtx)
}
