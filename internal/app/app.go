// Package app initializes and holds the monitor's long-lived services, acting
// as a dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsn-monitor/internal/api"
	"github.com/JakeFAU/dsn-monitor/internal/archive"
	"github.com/JakeFAU/dsn-monitor/internal/archive/gcs"
	"github.com/JakeFAU/dsn-monitor/internal/archive/local"
	"github.com/JakeFAU/dsn-monitor/internal/broadcast"
	"github.com/JakeFAU/dsn-monitor/internal/clock/system"
	"github.com/JakeFAU/dsn-monitor/internal/config"
	"github.com/JakeFAU/dsn-monitor/internal/ingest"
	"github.com/JakeFAU/dsn-monitor/internal/logging"
	"github.com/JakeFAU/dsn-monitor/internal/parser"
	"github.com/JakeFAU/dsn-monitor/internal/predictor"
	"github.com/JakeFAU/dsn-monitor/internal/publisher/pubsub"
	"github.com/JakeFAU/dsn-monitor/internal/scheduler"
	"github.com/JakeFAU/dsn-monitor/internal/source"
	"github.com/JakeFAU/dsn-monitor/internal/store"
	"github.com/JakeFAU/dsn-monitor/internal/store/postgres"
	"github.com/JakeFAU/dsn-monitor/internal/store/sqlite"
	"github.com/JakeFAU/dsn-monitor/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App holds the shared services built from one Config.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     store.Store
	predictor *predictor.Baseline
	latest    *broadcast.LatestSink
	hub       *broadcast.Hub
	scheduler *scheduler.Scheduler
	api       *api.Server
	closers   []func() error
}

// New builds every service described by cfg. It fails fast: any service that
// cannot start aborts construction and releases what was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	logger = logging.OrNop(logger)
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, logging.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })

	a.store, err = openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	archiver, err := a.openArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}

	client := source.New(source.Config{
		UserAgent:      cfg.HTTP.UserAgent,
		Timeout:        cfg.HTTP.Timeout,
		CacheBustWidth: cfg.HTTP.CacheBustWidth,
	}, logger)
	collector := ingest.New(ingest.Config{
		PrimaryEndpoint: cfg.Ingest.PrimaryEndpoint,
		BackupEndpoint:  cfg.Ingest.BackupEndpoint,
		FallbackOnEmpty: cfg.Ingest.FallbackOnEmpty,
	}, client, parser.New(parser.WithLogger(logger)),
		ingest.WithArchiver(archiver),
		ingest.WithLogger(logger),
	)

	a.predictor = predictor.New(predictor.Config{
		ModelPath:    cfg.Predictor.ModelPath,
		TrainingData: cfg.Predictor.TrainingData,
	}, logger)
	if err := a.predictor.Load(); err != nil {
		// A corrupt model is not fatal; the next retrain replaces it.
		logger.Warn("predictor model not loaded", zap.Error(err))
	}

	sinks, err := a.sinks(ctx, cfg.PubSub)
	if err != nil {
		return nil, err
	}
	a.hub = broadcast.NewHub(broadcast.Config{
		BufferSize:  cfg.Broadcast.BufferSize,
		SinkTimeout: cfg.Broadcast.SinkTimeout,
		Logger:      logger,
	}, sinks...)

	a.scheduler, err = scheduler.New(scheduler.Config{
		FetchInterval:   cfg.Ingest.FetchInterval,
		RetrainInterval: cfg.Ingest.RetrainInterval,
	}, collector, a.store, system.New(),
		scheduler.WithObserver(a.hub),
		scheduler.WithTrainer(a.predictor),
		scheduler.WithTracerProvider(tp),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	a.api = api.NewServer(api.Deps{
		Latest:    a.latest,
		History:   a.store,
		Estimator: a.predictor,
		Ready:     a.scheduler,
		Logger:    logger,
	})

	logger.Info("application services initialized",
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Bool("pubsub", cfg.PubSub.Topic != ""),
		zap.Bool("predictor_trained", a.predictor.Trained()),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			Table:           cfg.TableName,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case config.DriverSQLite, "":
		s, err := sqlite.Open(sqlite.Config{Path: cfg.Location, Table: cfg.TableName}, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) openArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archiver, error) {
	switch cfg.Backend {
	case config.ArchiveLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		return archive.New(blobs, cfg.Prefix), nil
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("open gcs archive: %w", err)
		}
		a.closers = append(a.closers, blobs.Close)
		return archive.New(blobs, cfg.Prefix), nil
	case config.ArchiveNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

func (a *App) sinks(ctx context.Context, cfg config.PubSubConfig) ([]broadcast.Sink, error) {
	a.latest = broadcast.NewLatestSink()
	sinks := []broadcast.Sink{broadcast.NewLogSink(a.logger), a.latest}
	if cfg.Topic == "" {
		return sinks, nil
	}
	pub, err := pubsub.New(ctx, cfg.ProjectID, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("open pubsub publisher: %w", err)
	}
	// The hub closes its sinks, and the publish sink closes pub.
	return append(sinks, broadcast.NewPublishSink(pub, cfg.Topic)), nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store exposes the configured persistence backend.
func (a *App) Store() store.Store { return a.store }

// Predictor exposes the duration model.
func (a *App) Predictor() *predictor.Baseline { return a.predictor }

// Scheduler exposes the polling loop.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Run starts the polling loop and, when enabled, the HTTP server. It blocks
// until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *http.Server
	serverErr := make(chan error, 1)
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
				cancel()
			}
		}()
	}

	runErr := a.scheduler.Run(ctx)
	a.logger.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	return runErr
}

// RunOnce executes a single cycle without sleeping or retraining. Observers
// receive the batch asynchronously.
func (a *App) RunOnce(ctx context.Context) (scheduler.CycleResult, error) {
	return a.scheduler.RunOnce(ctx)
}

// EnsureSchema creates the storage table when it is missing.
func (a *App) EnsureSchema(ctx context.Context) error {
	if err := a.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Train fits the predictor on the configured training data and saves it.
func (a *App) Train(ctx context.Context) error {
	return a.predictor.Train(ctx)
}

// Close drains the observer hub and releases every resource. It is safe to
// call once after Run returns.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("observer hub close failed", zap.Error(err))
		}
	}
	a.closeResources()
	// Best effort: Sync fails on some terminals.
	_ = a.logger.Sync()
}

func (a *App) closeResources() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("resource close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
