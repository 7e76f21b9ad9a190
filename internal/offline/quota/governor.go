// Package quota watches durable-store usage against configured
// thresholds and runs an ordered prune pipeline when pressure builds.
package quota

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kodewave/goatsync/internal/storage"
)

// Level classifies current quota pressure.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Strategy is one step of the prune pipeline. It attempts to free bytes
// and reports how many bytes it actually freed (best-effort estimate).
type Strategy struct {
	Name     string
	Priority int
	Run      func(ctx context.Context) (freedBytes int64, err error)
}

// Config configures the governor's thresholds.
type Config struct {
	WarnThresholdBytes     int64
	CriticalThresholdBytes int64
	PruneTargetBytes       int64
	MinFreeSpaceBytes      int64
	CheckInterval          time.Duration
}

// Callbacks are fired on threshold crossings.
type Callbacks struct {
	OnWarning  func(storage.UsageEstimate)
	OnCritical func(storage.UsageEstimate)
	OnPruned   func(freedBytes int64)
}

// Governor watches store usage and runs registered prune strategies.
type Governor struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	strategies []Strategy
	lastLevel  Level
	callbacks  Callbacks

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Governor. Default prune strategies must be
// registered separately via Register so callers can compose them with the
// store they have; this package only orders and runs what's registered.
func New(store storage.Store, cfg Config, callbacks Callbacks, logger *slog.Logger) *Governor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "quota_governor"),
		callbacks: callbacks,
		lastLevel: LevelNormal,
	}
}

// Register adds a prune strategy. Strategies execute in ascending
// Priority order during Prune.
func (g *Governor) Register(s Strategy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strategies = append(g.strategies, s)
	sort.SliceStable(g.strategies, func(i, j int) bool {
		return g.strategies[i].Priority < g.strategies[j].Priority
	})
}

// Check reads current usage, fires threshold callbacks on crossing, and
// returns the usage along with the new Level.
func (g *Governor) Check(ctx context.Context) (storage.UsageEstimate, Level, error) {
	usage, err := g.store.Estimate(ctx)
	if err != nil {
		return storage.UsageEstimate{}, LevelNormal, err
	}

	level := g.classify(usage)

	g.mu.Lock()
	crossed := level != g.lastLevel
	g.lastLevel = level
	g.mu.Unlock()

	if crossed {
		switch level {
		case LevelWarning:
			if g.callbacks.OnWarning != nil {
				g.callbacks.OnWarning(usage)
			}
		case LevelCritical:
			if g.callbacks.OnCritical != nil {
				g.callbacks.OnCritical(usage)
			}
		}
	}

	return usage, level, nil
}

// classify compares UsedBytes against the absolute byte thresholds;
// QuotaBytes may be zero on backends that can't report a quota (the
// embedded SQLite file) without disabling the thresholds.
func (g *Governor) classify(u storage.UsageEstimate) Level {
	if g.cfg.CriticalThresholdBytes > 0 && u.UsedBytes >= g.cfg.CriticalThresholdBytes {
		return LevelCritical
	}
	if g.cfg.WarnThresholdBytes > 0 && u.UsedBytes >= g.cfg.WarnThresholdBytes {
		return LevelWarning
	}
	return LevelNormal
}

// HasSpace reports whether bytes plus the configured headroom fit within
// the remaining quota.
func (g *Governor) HasSpace(ctx context.Context, bytes int64) (bool, error) {
	usage, err := g.store.Estimate(ctx)
	if err != nil {
		return false, err
	}
	if usage.QuotaBytes <= 0 {
		// Backend can't report a quota; assume headroom.
		return true, nil
	}
	remaining := usage.QuotaBytes - usage.UsedBytes
	return bytes+g.cfg.MinFreeSpaceBytes <= remaining, nil
}

// Prune runs registered strategies in priority order until freed bytes
// meet deficit or strategies are exhausted. deficit is usage minus the
// configured prune target; callers typically pass the result of Check.
func (g *Governor) Prune(ctx context.Context, usage storage.UsageEstimate) (freedBytes int64, err error) {
	deficit := usage.UsedBytes - g.cfg.PruneTargetBytes
	if deficit <= 0 {
		return 0, nil
	}

	g.mu.Lock()
	strategies := append([]Strategy(nil), g.strategies...)
	g.mu.Unlock()

	var freed int64
	for _, s := range strategies {
		if freed >= deficit {
			break
		}
		n, err := s.Run(ctx)
		if err != nil {
			g.logger.Warn("prune strategy failed", "strategy", s.Name, "error", err)
			continue
		}
		g.logger.Info("prune strategy ran", "strategy", s.Name, "freed_bytes", n)
		freed += n
	}

	return freed, nil
}

// Watch starts a ticker-driven loop that calls Check (and Prune when
// critical) every CheckInterval, until ctx is cancelled or Stop is called.
func (g *Governor) Watch(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.done = make(chan struct{})
	done := g.done
	g.mu.Unlock()

	ticker := time.NewTicker(g.cfg.CheckInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				usage, level, err := g.Check(ctx)
				if err != nil {
					g.logger.Error("quota check failed", "error", err)
					continue
				}
				if level == LevelCritical {
					freed, err := g.Prune(ctx, usage)
					if err != nil {
						g.logger.Error("quota prune failed", "error", err)
					}
					if freed > 0 && g.callbacks.OnPruned != nil {
						g.callbacks.OnPruned(freed)
					}
				}
			}
		}
	}()
}

// Stop cancels the watch loop and waits for it to exit.
func (g *Governor) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
