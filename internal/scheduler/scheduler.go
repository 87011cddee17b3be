// Package scheduler drives the polling tick loop.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcewatch/internal/metrics"
	"github.com/JakeFAU/sourcewatch/internal/poller"
	"github.com/JakeFAU/sourcewatch/internal/registry"
)

// Runner executes one attempt for one source. It must never panic through
// and must clear the source's in-flight flag before returning.
type Runner interface {
	Run(ctx context.Context, src poller.Source)
}

// Config controls the tick loop.
type Config struct {
	// TickPeriod is the scan interval. It is much shorter than the interval
	// floor, so due-but-undispatched sources just wait for the next tick.
	TickPeriod time.Duration
	// MaxConcurrency caps simultaneous runs across all sources.
	MaxConcurrency int
}

const (
	defaultTickPeriod     = time.Second
	defaultMaxConcurrency = 3
)

// Scheduler scans the registry each tick and dispatches due sources to the
// runner, bounded by a global slot pool. Scheduling decisions happen on one
// goroutine; only the runs themselves are concurrent.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	runner   Runner
	clock    poller.Clock
	logger   *zap.Logger
	slots    chan struct{}
}

// New constructs a Scheduler.
func New(cfg Config, reg *registry.Registry, runner Runner, clock poller.Clock, logger *zap.Logger) *Scheduler {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = defaultTickPeriod
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		runner:   runner,
		clock:    clock,
		logger:   logger,
		slots:    make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Run blocks, ticking until the context finishes. In-flight runs are not
// canceled; they run to completion under their own extraction timeouts.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickPeriod)
	defer ticker.Stop()
	s.logger.Info("scheduler started",
		zap.Duration("tick_period", s.cfg.TickPeriod),
		zap.Int("max_concurrency", s.cfg.MaxConcurrency),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches as many due sources as free slots allow. Exported for
// deterministic tests.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	for _, src := range s.registry.DueSources(now) {
		select {
		case s.slots <- struct{}{}:
		default:
			// Cap reached; the rest stay due and get picked up next tick.
			return
		}
		if !s.registry.MarkInFlight(src.ID) {
			<-s.slots
			continue
		}
		metrics.IncInFlightRuns()
		s.logger.Debug("dispatching source", zap.String("source_id", src.ID))
		go func(src poller.Source) {
			defer func() {
				metrics.DecInFlightRuns()
				<-s.slots
			}()
			s.runner.Run(ctx, src)
		}(src)
	}
}

// InFlight reports how many runs currently hold a slot.
func (s *Scheduler) InFlight() int {
	return len(s.slots)
}
