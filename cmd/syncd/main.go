// Command syncd is the offline-first sync daemon: it wires the durable
// store, network sensor, quota governor, conflict engine, operation
// queue, sync engine and facade into one running process fronted by the
// admin HTTP/WebSocket API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kodewave/goatsync/internal/api"
	apimw "github.com/kodewave/goatsync/internal/api/middleware"
	"github.com/kodewave/goatsync/internal/config"
	"github.com/kodewave/goatsync/internal/infrastructure/cache"
	"github.com/kodewave/goatsync/internal/metrics"
	"github.com/kodewave/goatsync/internal/offline/conflict"
	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/offline/facade"
	"github.com/kodewave/goatsync/internal/offline/network"
	"github.com/kodewave/goatsync/internal/offline/queue"
	"github.com/kodewave/goatsync/internal/offline/quota"
	"github.com/kodewave/goatsync/internal/offline/syncengine"
	"github.com/kodewave/goatsync/internal/realtime"
	"github.com/kodewave/goatsync/internal/storage"
	"github.com/kodewave/goatsync/internal/storage/storefactory"
	"github.com/kodewave/goatsync/pkg/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "syncd",
		Short: "Offline-first session sync daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	root.AddCommand(runCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configCmd() *cobra.Command {
	var showEffective bool
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config OK: profile=%s server=%s\n", cfg.Profile, cfg.Server.Addr)
			if showEffective {
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("syncd: render effective config: %w", err)
				}
				fmt.Print(string(out))
			}
			return nil
		},
	}
	validate.Flags().BoolVar(&showEffective, "show", false, "print the effective configuration as YAML")
	parent := &cobra.Command{Use: "config", Short: "Configuration utilities"}
	parent.AddCommand(validate)
	return parent
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("syncd: load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.Log)
	slog.SetDefault(log)
	log.Info("starting syncd", "profile", cfg.Profile)

	store, err := storefactory.NewStore(ctx, cfg, log)
	if err != nil {
		log.Warn("storage backend degraded, continuing in-memory", "error", err)
	}
	defer store.Close()

	var backlogCache cache.Cache
	if cfg.Cache.Enabled {
		redisCache, err := cache.NewRedisCache(&cache.Config{
			Addr:        cfg.Cache.Addr,
			Password:    cfg.Cache.Password,
			DB:          cfg.Cache.DB,
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		}, log)
		if err != nil {
			log.Warn("redis cache init failed, falling back to in-process L2 cache", "error", err)
		} else {
			backlogCache = redisCache
		}
	}
	if backlogCache == nil {
		memCache, err := cache.NewMemoryCache(cache.DefaultMemoryCacheSize, log)
		if err != nil {
			return fmt.Errorf("syncd: init memory cache: %w", err)
		}
		backlogCache = memCache
	}

	sensor := network.New(network.Config{
		DebounceDelay: cfg.Network.DebounceDelay,
		Probe:         network.NewHTTPProbe(cfg.Network.ProbeURL),
		ProbeInterval: cfg.Network.ProbeInterval,
	}, network.Reading{Connected: true}, log)
	sensor.Subscribe(func(state network.State) {
		metrics.SetNetworkState(
			[]string{string(network.StateOnline), string(network.StateSlow), string(network.StateOffline)},
			string(state),
		)
	})
	go activeProbeLoop(ctx, sensor, cfg.Network.ProbeInterval, cfg.Network.ProbeTimeout)

	quotaGov := quota.New(store, quota.Config{
		WarnThresholdBytes:     cfg.Quota.WarnThresholdBytes,
		CriticalThresholdBytes: cfg.Quota.CriticalThresholdBytes,
		CheckInterval:          cfg.Quota.CheckInterval,
	}, quota.Callbacks{
		OnWarning: func(u storage.UsageEstimate) {
			metrics.QuotaUsageRatio.Set(usageRatio(u))
			log.Warn("quota warning threshold crossed", "used_bytes", u.UsedBytes, "quota_bytes", u.QuotaBytes)
		},
		OnCritical: func(u storage.UsageEstimate) {
			metrics.QuotaUsageRatio.Set(usageRatio(u))
			log.Error("quota critical threshold crossed", "used_bytes", u.UsedBytes, "quota_bytes", u.QuotaBytes)
		},
		OnPruned: func(freedBytes int64) {
			metrics.QuotaPrunedBytesTotal.Add(float64(freedBytes))
		},
	}, log)

	conflictEngine := conflict.New()

	var drainStart time.Time
	var opQueue *queue.Queue
	opQueue = queue.New(store, conflictEngine, nil, conflictHandler(conflictEngine), queue.Config{
		MaxQueueSize: cfg.Queue.MaxQueueSize,
		MaxRetries:   cfg.Queue.MaxRetries,
		BaseDelay:    cfg.Queue.RetryBaseDelay,
		MaxDelay:     cfg.Queue.RetryMaxDelay,
	}, queue.Callbacks{
		OnQueueChange: func() {
			if n, err := opQueue.Count(ctx); err == nil {
				metrics.QueueDepth.Set(float64(n))
			}
		},
		OnConflictDetected: func(c *domain.ConflictRecord) {
			metrics.ConflictsDetectedTotal.WithLabelValues(string(c.Kind)).Inc()
		},
		OnSyncStart: func() {
			drainStart = time.Now()
		},
		OnSyncComplete: func(successful, failed int) {
			metrics.SyncResultTotal.WithLabelValues("success").Add(float64(successful))
			metrics.SyncResultTotal.WithLabelValues("error").Add(float64(failed))
			if !drainStart.IsZero() {
				metrics.DrainDurationSeconds.Observe(time.Since(drainStart).Seconds())
			}
		},
		OnOperationResult: func(op *domain.Operation, success bool) {
			if !success && op.Status == domain.StatusFailed {
				metrics.QueueFailedTotal.Inc()
			}
		},
	}, log)
	opQueue.SetExecutor(syncengine.NewHTTPExecutor(cfg.Sync.RemoteBaseURL, cfg.Sync.RequestTimeout))

	registerPruneStrategies(quotaGov, store, opQueue, backlogCache)

	syncEng := syncengine.New(store, opQueue, conflictEngine, sensor, quotaGov, syncengine.Config{
		SyncInterval:        cfg.Sync.PeriodicDrain,
		MinSyncInterval:     cfg.Sync.MinSyncInterval,
		AutoSyncOnReconnect: true,
	}, log)

	bus := realtime.NewBus(log, realtime.NewMetrics("goatsync"))
	publisher := realtime.NewEventPublisher(bus, log)

	f := facade.New(store, opQueue, syncEng, sensor, publisher, facade.Config{SaveDebounce: cfg.Sync.SaveDebounce}, log)

	if err := syncEng.Start(ctx); err != nil {
		return fmt.Errorf("syncd: start sync engine: %w", err)
	}
	quotaGov.Watch(ctx)

	apiServer := api.New(f, store, bus, api.Config{
		Addr:            cfg.Server.Addr,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsPath:     cfg.Metrics.Path,
		CORS:            apimw.DefaultCORSConfig(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, log)
	apiServer.SetBacklogCache(backlogCache, cfg.Cache.TTL)

	runCtx, cancel := context.WithCancel(ctx)
	if err := bus.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("syncd: start event bus: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- apiServer.Start(runCtx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// SIGUSR1 is the daemon's background-sync event: one sync pass,
	// serialized with the foreground drain by the queue's single-drain
	// guarantee.
	bgSync := make(chan os.Signal, 1)
	signal.Notify(bgSync, syscall.SIGUSR1)
	go func() {
		for range bgSync {
			if _, err := syncEng.HandleBackgroundSync(runCtx); err != nil {
				log.Warn("background sync failed", "error", err)
			}
		}
	}()

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("api server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	_ = apiServer.Stop(shutdownCtx)
	_ = bus.Stop(shutdownCtx)
	cancel()
	syncEng.Stop()

	log.Info("syncd exited")
	return nil
}

// activeProbeLoop drives NetworkSensor.ProbeNow on the configured
// interval; the sensor itself stays free of scheduling concerns.
func activeProbeLoop(ctx context.Context, sensor *network.Sensor, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sensor.ProbeNow(ctx, timeout)
		}
	}
}

func usageRatio(u storage.UsageEstimate) float64 {
	if u.QuotaBytes <= 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.QuotaBytes)
}

// conflictHandler builds a ConflictRecord from a 409 response: the
// server's current payload versus what we tried to push, with no base
// snapshot available at this layer (ConflictEngine treats that as "any
// difference is a conflict").
func conflictHandler(engine *conflict.Engine) queue.ConflictHandler {
	return func(ctx context.Context, op *domain.Operation, serverData json.RawMessage) (*domain.ConflictRecord, error) {
		cr := engine.Detect(op.EntityType, op.EntityID, op.Payload, serverData, nil)
		if cr == nil {
			return nil, nil
		}
		cr.OperationID = op.ID
		return cr, nil
	}
}

// registerPruneStrategies wires the default four-stage prune
// pipeline, plus a fifth stage that checks the optional L2 cache is still
// reachable under critical pressure (not a byte-freeing strategy, since
// the Redis cache expires its own entries on TTL, but a critical pass is the
// natural point to notice a dead cache has stopped shedding read load).
//
// Strategy 2 (completed operations) goes through the Queue rather than
// quota.DefaultStrategies' store-only version, so pruning also fires
// Queue's own OnQueueChange notification.
func registerPruneStrategies(gov *quota.Governor, store storage.Store, q *queue.Queue, l2 cache.Cache) {
	for _, s := range quota.DefaultStrategies(store, 30*24*time.Hour, 7*24*time.Hour, nil) {
		if s.Name == "completed_queue_operations" {
			continue
		}
		gov.Register(s)
	}
	gov.Register(quota.Strategy{
		Name:     "completed_queue_operations",
		Priority: 2,
		Run: func(ctx context.Context) (int64, error) {
			n, err := q.PruneCompleted(ctx)
			return int64(n) * 512, err
		},
	})
	if l2 != nil {
		gov.Register(quota.Strategy{
			Name:     "l2_cache_eviction",
			Priority: 5,
			Run: func(ctx context.Context) (int64, error) {
				if err := l2.HealthCheck(ctx); err != nil {
					return 0, err
				}
				return 0, nil
			},
		})
	}
}
