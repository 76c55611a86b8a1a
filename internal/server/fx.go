// Package server builds the application graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/api"
	"github.com/JakeFAU/keyword-graph-crawler/internal/clock/system"
	"github.com/JakeFAU/keyword-graph-crawler/internal/config"
	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-graph-crawler/internal/dispatcher"
	"github.com/JakeFAU/keyword-graph-crawler/internal/id/uuid"
	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
	"github.com/JakeFAU/keyword-graph-crawler/internal/logging"
	"github.com/JakeFAU/keyword-graph-crawler/internal/metrics"
	"github.com/JakeFAU/keyword-graph-crawler/internal/provider"
	memorypublisher "github.com/JakeFAU/keyword-graph-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/keyword-graph-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/keyword-graph-crawler/internal/queue"
	gcsstorage "github.com/JakeFAU/keyword-graph-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/keyword-graph-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/keyword-graph-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/keyword-graph-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/keyword-graph-crawler/internal/storage/redis"
	"github.com/JakeFAU/keyword-graph-crawler/internal/telemetry"
	"github.com/JakeFAU/keyword-graph-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	scheduler      *keypool.Scheduler
	dispatch       *dispatcher.Dispatcher
	db             *pgstore.DB
	usage          *redisstore.UsageStore
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	tracerShutdown func(context.Context) error
}

type stores struct {
	keywords  crawler.KeywordStore
	jobs      crawler.JobStore
	snapshots crawler.SnapshotStore
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("open_search_keys", len(cfg.Providers.OpenSearch.Keys)),
		zap.Int("ad_search_keys", len(cfg.Providers.AdSearch.Keys)),
		zap.String("keypool_store", cfg.KeyPool.Store),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("auto_collect", cfg.Worker.AutoCollect),
	)
	return &App{cfg: cfg, logger: logger}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		a.scheduler.Run(ctx)
	}()
	if a.dispatch != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			a.logger.Info("dispatcher started")
			a.dispatch.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	background.Wait()

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync reports EINVAL on stderr-backed loggers; nothing to act on here.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	metrics.Init()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clock := system.New(loc)
	ids := uuid.NewUUIDGenerator()

	app.logger.Info("building application dependencies")
	st, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}

	pool, err := setupKeyPool(ctx, app, clock, loc)
	if err != nil {
		return nil, err
	}
	app.scheduler = keypool.NewScheduler(pool, clock, keypool.SchedulerConfig{
		RefillEvery: time.Duration(cfg.KeyPool.RefillIntervalMs) * time.Millisecond,
		Location:    loc,
	}, logger.Named("keypool"))

	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	jitter := time.Duration(cfg.Queue.BackoffJitterSeconds) * time.Second
	q := queue.New(
		st.jobs,
		crawler.NewBackoffPolicy(cfg.Backoffs(), jitter),
		clock,
		ids,
		queue.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Lease:       time.Duration(cfg.Queue.LeaseMinutes) * time.Minute,
		},
		logger.Named("queue"),
	)

	providerCfg := func(baseURL string) provider.Config {
		return provider.Config{BaseURL: baseURL, Timeout: cfg.ProviderTimeout(), UserAgent: cfg.HTTP.UserAgent}
	}
	adClient := provider.NewClient(keypool.ProviderAdSearch, provider.HMACSigner{}, pool, clock, nil,
		providerCfg(cfg.Providers.AdSearch.BaseURL), logger.Named("adsearch"))
	openClient := provider.NewClient(keypool.ProviderOpenSearch, provider.StaticHeaderSigner{}, pool, clock, nil,
		providerCfg(cfg.Providers.OpenSearch.BaseURL), logger.Named("opensearch"))

	orch := crawler.NewOrchestrator(
		st.keywords,
		st.snapshots,
		q,
		provider.NewAdSearch(adClient),
		provider.NewOpenSearch(openClient, logger.Named("opensearch")),
		archive,
		publisher,
		clock,
		ids,
		crawler.OrchestratorConfig{ArchivePrefix: cfg.Archive.Prefix, PublishEvents: publisher != nil},
		logger.Named("orchestrator"),
	)
	w := worker.New(q, orch, logger.Named("worker"))

	if cfg.Worker.AutoCollect {
		app.dispatch = dispatcher.New(w, []dispatcher.Lane{
			{
				Type:     crawler.JobTypeFetchRelated,
				Batch:    cfg.Queue.RelatedBatch,
				Interval: time.Duration(cfg.Worker.RelatedIntervalSeconds) * time.Second,
			},
			{
				Type:     crawler.JobTypeCountDocs,
				Batch:    cfg.Queue.DocsBatch,
				Interval: time.Duration(cfg.Worker.DocsIntervalSeconds) * time.Second,
			},
		}, logger.Named("dispatcher"))
	}

	app.apiServer = api.NewServer(api.Deps{
		Seeder:    crawler.NewSeeder(st.keywords, q, clock, ids, logger.Named("seeder")),
		Runner:    w,
		Keys:      pool,
		Keywords:  st.keywords,
		Jobs:      q,
		Snapshots: st.snapshots,
		Clock:     clock,
		Checks:    app.readinessChecks(),
	}, *cfg, logger.Named("api"))

	return app, nil
}

func setupStores(ctx context.Context, app *App) (stores, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no database DSN configured, using in-memory stores")
		snapshots := memorystorage.NewSnapshotStore()
		return stores{
			keywords:  memorystorage.NewKeywordStore(snapshots),
			jobs:      memorystorage.NewJobStore(),
			snapshots: snapshots,
		}, nil
	}
	db, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
		Migrate:         app.cfg.DB.Migrate,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	app.db = db
	app.logger.Info("postgres stores initialized", zap.Bool("migrate", app.cfg.DB.Migrate))
	return stores{
		keywords:  pgstore.NewKeywordStore(db),
		jobs:      pgstore.NewJobStore(db),
		snapshots: pgstore.NewSnapshotStore(db),
	}, nil
}

func setupKeyPool(ctx context.Context, app *App, clock keypool.Clock, loc *time.Location) (*keypool.Pool, error) {
	var usage keypool.UsageStore
	switch app.cfg.KeyPool.Store {
	case "redis":
		store, err := redisstore.NewUsageStore(ctx, redisstore.Config{
			Addr:      app.cfg.KeyPool.Redis.Addr,
			Password:  app.cfg.KeyPool.Redis.Password,
			DB:        app.cfg.KeyPool.Redis.DB,
			KeyPrefix: app.cfg.KeyPool.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis usage store init failed: %w", err)
		}
		app.usage = store
		usage = store
		app.logger.Info("using redis usage store", zap.String("addr", app.cfg.KeyPool.Redis.Addr))
	default:
		app.logger.Info("using in-memory usage store")
		if app.cfg.Worker.AutoCollect {
			app.logger.Warn("auto-collect with the in-memory usage store; replicas will not share credential usage")
		}
		usage = memorystorage.NewUsageStore()
	}
	pool, err := keypool.New(app.cfg.Credentials(), usage, clock, keypool.Config{
		Cooldowns:     app.cfg.Cooldowns(),
		MaxCASRetries: app.cfg.KeyPool.MaxCASRetries,
		Location:      loc,
	}, app.logger.Named("keypool"))
	if err != nil {
		return nil, fmt.Errorf("key pool init failed: %w", err)
	}
	return pool, nil
}

func setupArchive(ctx context.Context, app *App) (crawler.ArchiveStore, error) {
	switch app.cfg.Archive.Backend {
	case "gcs":
		app.logger.Info("using GCS archive", zap.String("bucket", app.cfg.Archive.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Archive.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		return store, nil
	case "local":
		app.logger.Info("using local archive", zap.String("path", app.cfg.Archive.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		return store, nil
	case "none":
		app.logger.Info("raw payload archive disabled")
		return nil, nil
	default:
		app.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if !app.cfg.PubSub.Enabled {
		app.logger.Info("Pub/Sub disabled, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.publisher = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized", zap.String("project", app.cfg.PubSub.ProjectID))
	return app.publisher, nil
}

func (a *App) readinessChecks() []api.ReadinessCheck {
	var checks []api.ReadinessCheck
	if a.db != nil {
		checks = append(checks, api.ReadinessCheck{Name: "postgres", Check: a.db.Ping})
	}
	if a.usage != nil {
		checks = append(checks, api.ReadinessCheck{Name: "redis", Check: a.usage.Ping})
	}
	return checks
}
