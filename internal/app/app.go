// Package app initializes and holds the long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcewatch/internal/api"
	"github.com/JakeFAU/sourcewatch/internal/blob/gcs"
	"github.com/JakeFAU/sourcewatch/internal/blob/local"
	"github.com/JakeFAU/sourcewatch/internal/bus"
	"github.com/JakeFAU/sourcewatch/internal/clock/system"
	"github.com/JakeFAU/sourcewatch/internal/config"
	"github.com/JakeFAU/sourcewatch/internal/executor"
	"github.com/JakeFAU/sourcewatch/internal/extractor"
	uuidgen "github.com/JakeFAU/sourcewatch/internal/id/uuid"
	"github.com/JakeFAU/sourcewatch/internal/logging"
	"github.com/JakeFAU/sourcewatch/internal/metrics"
	"github.com/JakeFAU/sourcewatch/internal/poller"
	pubmemory "github.com/JakeFAU/sourcewatch/internal/publisher/memory"
	pubgcp "github.com/JakeFAU/sourcewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/sourcewatch/internal/registry"
	"github.com/JakeFAU/sourcewatch/internal/scheduler"
	storememory "github.com/JakeFAU/sourcewatch/internal/store/memory"
	storepostgres "github.com/JakeFAU/sourcewatch/internal/store/postgres"
	"github.com/JakeFAU/sourcewatch/internal/sweeper"
)

// App holds all the shared, long-lived services. It is initialized once at
// startup and fails fast when any critical service cannot be built.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     poller.Store
	publisher poller.Publisher
	headless  *extractor.Headless
	registry  *registry.Registry
	bus       *bus.Bus
	scheduler *scheduler.Scheduler
	sweeper   *sweeper.Sweeper
	server    *api.Server
}

// New builds the full service graph from configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	metrics.Init()
	logger.Info("initializing services")

	clock := system.New()
	idGen := uuidgen.NewGenerator()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	blobStore, err := newBlobStore(ctx, cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	sources, err := config.ResolveSources(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("resolve sources: %w", err)
	}
	if len(sources) == 0 {
		logger.Warn("no sources configured; scheduler will idle")
	}

	reg := registry.New(logger, nil)
	now := clock.Now()
	for _, src := range sources {
		if err := reg.Register(src, now); err != nil {
			store.Close()
			return nil, fmt.Errorf("register source: %w", err)
		}
	}
	if err := reg.Hydrate(ctx, store, now); err != nil {
		store.Close()
		return nil, fmt.Errorf("hydrate registry: %w", err)
	}

	eventBus := bus.New(cfg.Bus.BufferSize, logger)

	headless, err := extractor.NewHeadless(extractor.HeadlessConfig{
		MaxParallel:    cfg.Extract.HeadlessMaxParallel,
		UserAgent:      cfg.Extract.UserAgent,
		DefaultTimeout: time.Duration(cfg.Extract.HeadlessNavTimeoutSec) * time.Second,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize headless extractor: %w", err)
	}
	static := extractor.NewStatic(extractor.StaticConfig{
		UserAgent:      cfg.Extract.UserAgent,
		DefaultTimeout: time.Duration(cfg.Extract.StaticTimeoutSec) * time.Second,
	})
	mux := extractor.NewMux(headless, static)

	exec := executor.New(
		executor.Config{
			SnapshotPrefix:      cfg.Blob.SnapshotPrefix,
			SnapshotContentType: cfg.Blob.ContentType,
			Topic:               cfg.PubSub.TopicID,
		},
		store, reg, eventBus, mux, blobStore, publisher, clock, idGen, logger,
	)

	sched := scheduler.New(
		scheduler.Config{
			TickPeriod:     cfg.Scheduler.TickPeriod(),
			MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		},
		reg, exec, clock, logger,
	)

	sweep := sweeper.New(
		sweeper.Config{
			Period: cfg.Retention.SweepPeriod(),
			Window: cfg.Retention.Window(),
		},
		store, clock, logger,
	)

	server := api.NewServer(reg, store, eventBus, clock, cfg, logger)

	logger.Info("services initialized",
		zap.Int("sources", len(sources)),
		zap.String("db_provider", cfg.DB.Provider),
		zap.String("blob_provider", cfg.Blob.Provider),
		zap.String("pubsub_provider", cfg.PubSub.Provider),
	)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		publisher: publisher,
		headless:  headless,
		registry:  reg,
		bus:       eventBus,
		scheduler: sched,
		sweeper:   sweep,
		server:    server,
	}, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Run starts the scheduler, sweeper, and HTTP server and blocks until the
// context finishes or the server fails.
func (a *App) Run(ctx context.Context) error {
	go a.scheduler.Run(ctx)
	go a.sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http server shutdown failed", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// Close gracefully shuts down all services.
func (a *App) Close() {
	a.logger.Info("shutting down services")
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("close publisher failed", zap.Error(err))
		}
	}
	a.store.Close()
	// Best effort: stderr sync failures on shutdown are not actionable.
	_ = a.logger.Sync()
}

func newStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (poller.Store, error) {
	switch cfg.DB.Provider {
	case "postgres":
		logger.Info("connecting to postgres")
		store, err := storepostgres.New(ctx, storepostgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
			MinConns: int32(cfg.DB.MinOpenConns),
		})
		if err != nil {
			return nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return store, nil
	case "memory":
		logger.Info("using in-memory store; data will not survive restarts")
		return storememory.New(), nil
	default:
		return nil, fmt.Errorf("unknown db provider: %s", cfg.DB.Provider)
	}
}

func newBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (poller.BlobStore, error) {
	switch cfg.Blob.Provider {
	case "gcs":
		logger.Info("using GCS snapshot store", zap.String("bucket", cfg.Blob.GCSBucket))
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Blob.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("initialize gcs blob store: %w", err)
		}
		return store, nil
	case "local":
		logger.Info("using local snapshot store", zap.String("dir", cfg.Blob.LocalDir))
		store, err := local.New(local.Config{BaseDir: cfg.Blob.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("initialize local blob store: %w", err)
		}
		return store, nil
	case "noop":
		logger.Info("snapshots disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown blob provider: %s", cfg.Blob.Provider)
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (poller.Publisher, error) {
	switch cfg.PubSub.Provider {
	case "pubsub":
		logger.Info("connecting to GCP Pub/Sub", zap.String("topic", cfg.PubSub.TopicID))
		pub, err := pubgcp.New(ctx, pubgcp.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicID:   cfg.PubSub.TopicID,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		return pub, nil
	case "memory":
		logger.Info("using in-memory publisher")
		return pubmemory.New(), nil
	case "noop":
		logger.Info("downstream notifications disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider: %s", cfg.PubSub.Provider)
	}
}
