// Package sweeper enforces the retention window.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcewatch/internal/metrics"
	"github.com/JakeFAU/sourcewatch/internal/poller"
)

// Config controls sweep cadence and the retention window.
type Config struct {
	Period time.Duration
	Window time.Duration
}

const (
	defaultPeriod = 60 * time.Second
	defaultWindow = 4 * time.Hour
)

// Sweeper periodically deletes rows older than the retention window. A
// failed sweep is logged and retried on the next period; it is never fatal.
// Read paths clamp independently, so a delayed sweep cannot leak stale rows.
type Sweeper struct {
	cfg    Config
	store  poller.Store
	clock  poller.Clock
	logger *zap.Logger
}

// New constructs a Sweeper.
func New(cfg Config, store poller.Store, clock poller.Clock, logger *zap.Logger) *Sweeper {
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{cfg: cfg, store: store, clock: clock, logger: logger}
}

// Run blocks, sweeping on every period until the context finishes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	s.logger.Info("retention sweeper started",
		zap.Duration("period", s.cfg.Period),
		zap.Duration("window", s.cfg.Window),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one deletion cycle. Exported for deterministic tests.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.Window)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	metrics.ObserveSweep(deleted, err)
	if err != nil {
		s.logger.Warn("sweep failed, will retry next period", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Debug("sweep removed rows",
			zap.Int64("rows", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
}
