// Package server provides the core application server and dependency injection.
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

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/api"
	"github.com/JakeFAU/sitecorpus/internal/auth"
	"github.com/JakeFAU/sitecorpus/internal/clock/system"
	"github.com/JakeFAU/sitecorpus/internal/config"
	"github.com/JakeFAU/sitecorpus/internal/crawl/apify"
	"github.com/JakeFAU/sitecorpus/internal/crawl/local"
	"github.com/JakeFAU/sitecorpus/internal/dispatcher"
	"github.com/JakeFAU/sitecorpus/internal/id/jobhash"
	"github.com/JakeFAU/sitecorpus/internal/id/uuid"
	"github.com/JakeFAU/sitecorpus/internal/lifecycle"
	"github.com/JakeFAU/sitecorpus/internal/logging"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/policy/blocklist"
	"github.com/JakeFAU/sitecorpus/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/sitecorpus/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitecorpus/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/sitecorpus/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/sitecorpus/internal/queue/pubsub"
	"github.com/JakeFAU/sitecorpus/internal/quota"
	"github.com/JakeFAU/sitecorpus/internal/reconcile"
	"github.com/JakeFAU/sitecorpus/internal/registry"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
	gcsstorage "github.com/JakeFAU/sitecorpus/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitecorpus/internal/storage/local"
	memoryStorage "github.com/JakeFAU/sitecorpus/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitecorpus/internal/storage/postgres"
	redisstore "github.com/JakeFAU/sitecorpus/internal/storage/redis"
	"github.com/JakeFAU/sitecorpus/internal/telemetry"
)

// syncRequestSlack is added to the crawl timeout when the API awaits jobs.
const syncRequestSlack = 30 * time.Second

type jobQueue interface {
	scrape.Queue
	Close()
}

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	queue          jobQueue
	sweeper        *reconcile.Sweeper
	pool           *pgxpool.Pool
	redis          *goredis.Client
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	tracerShutdown func(context.Context) error

	workers   sync.WaitGroup
	closeOnce sync.Once
}

// Build creates the application's dependencies. On failure every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Tracing.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Tracing.Enabled {
		tp, tErr := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if tErr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", tErr)
		}
		app.tracerShutdown = tp.Shutdown
	}

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("crawl_engine", cfg.Crawl.Engine),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("database_driver", cfg.Database.Driver),
		zap.Bool("synchronous", cfg.Jobs.Synchronous),
	)

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	jobStore, checks, err := setupJobStore(ctx, app)
	if err != nil {
		return nil, err
	}
	plans, cacheChecks, err := setupPlans(app)
	if err != nil {
		return nil, err
	}
	checks = append(checks, cacheChecks...)

	if err = setupPubSub(ctx, app); err != nil {
		return nil, err
	}
	var publisher scrape.Publisher = memorypublisher.New()
	if app.publisher != nil {
		publisher = app.publisher
	}

	crawler, err := NewCrawler(cfg.Crawl, logger)
	if err != nil {
		return nil, err
	}
	authenticator, err := setupAuth(app)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Quota.Location()
	if err != nil {
		return nil, err
	}
	clock := system.New(loc)

	manager := lifecycle.New(
		jobStore,
		blobStore,
		crawler,
		publisher,
		jobhash.New(),
		uuid.New(),
		clock,
		lifecycle.Config{
			CrawlTimeout:   cfg.Jobs.CrawlTimeout,
			ArtifactPrefix: cfg.Storage.Prefix,
			Topic:          cfg.PubSub.Topic,
			SourceLabel:    cfg.Crawl.SourceLabel,
		},
		logger.Named("lifecycle"),
	)
	gate := quota.New(plans, jobStore, clock, quota.Config{
		FallbackLimit: cfg.Quota.FallbackLimit,
		Location:      loc,
	}, logger.Named("quota"))

	var submitter registry.Submitter
	if !cfg.Jobs.Synchronous {
		if err = setupQueue(ctx, app); err != nil {
			return nil, err
		}
		app.dispatch = dispatcher.New(app.queue, manager, cfg.Jobs.Workers, logger.Named("worker"))
		submitter = app.dispatch
	}

	reg, err := registry.New(gate, manager, submitter, jobStore, blobStore, registry.Config{
		Synchronous:    cfg.Jobs.Synchronous,
		HistoryLimit:   cfg.Jobs.HistoryLimit,
		ArtifactPrefix: cfg.Storage.Prefix,
		Blocklist:      blocklist.New(cfg.Jobs.BlockedHosts),
	}, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}

	app.sweeper, err = reconcile.New(jobStore, clock, reconcile.Config{
		Schedule:   cfg.Jobs.ReconcileSchedule,
		StaleAfter: cfg.Jobs.StaleAfter,
	}, logger.Named("reconcile"))
	if err != nil {
		return nil, fmt.Errorf("reconciler init failed: %w", err)
	}

	requestTimeout := cfg.Server.RequestTimeout
	if cfg.Jobs.Synchronous && requestTimeout < cfg.Jobs.CrawlTimeout+syncRequestSlack {
		requestTimeout = cfg.Jobs.CrawlTimeout + syncRequestSlack
		logger.Info("raising request timeout to cover synchronous crawls", zap.Duration("request_timeout", requestTimeout))
	}
	app.apiServer, err = api.NewServer(reg, authenticator, checks, api.Config{
		RequestTimeout: requestTimeout,
	}, logger.Named("api"))
	if err != nil {
		return nil, fmt.Errorf("api server init failed: %w", err)
	}

	return app, nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Start launches the workers and the reconciler. Workers stop when ctx ends
// or the queue is closed.
func (a *App) Start(ctx context.Context) error {
	if a.dispatch != nil {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
			a.dispatch.Run(ctx)
		}()
	}
	if err := a.sweeper.Start(); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	return nil
}

// Sweep runs one reconciliation pass outside the schedule.
func (a *App) Sweep(ctx context.Context) (int, error) {
	n, err := a.sweeper.Sweep(ctx)
	if err != nil {
		return n, fmt.Errorf("sweep stale jobs: %w", err)
	}
	return n, nil
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops background work and releases infrastructure. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.sweeper != nil {
			a.sweeper.Stop(ctx)
		}
		if a.queue != nil {
			a.queue.Close()
		}
		a.waitForWorkers(ctx)
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) waitForWorkers(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("workers still running at shutdown deadline; the reconciler will fail their jobs")
	}
}

func (a *App) closeInfrastructure(_ context.Context) {
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
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}

func setupStorage(ctx context.Context, app *App) (scrape.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("dir", cfg.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupJobStore(ctx context.Context, app *App) (scrape.JobStore, []api.ReadinessCheck, error) {
	cfg := app.cfg.Database
	if cfg.Driver != "postgres" {
		app.logger.Info("using in-memory job store")
		return memoryStorage.NewJobStore(), nil, nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	app.pool = pool
	jobs, err := pgstore.NewJobStore(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres job store init failed: %w", err)
	}
	app.logger.Info("using postgres job store")
	return jobs, []api.ReadinessCheck{{Name: "postgres", Check: jobs.Ping}}, nil
}

func setupPlans(app *App) (scrape.PlanLookup, []api.ReadinessCheck, error) {
	cfg := app.cfg
	var plans scrape.PlanLookup
	if cfg.Plans.Store == "postgres" {
		store, err := pgstore.NewPlanStore(app.pool)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres plan store init failed: %w", err)
		}
		plans = store
	} else {
		plans = memoryStorage.NewPlanStore(cfg.Plans.Limits, cfg.Plans.Users, scrape.PlanTier(cfg.Plans.DefaultTier))
	}

	if cfg.Cache.RedisAddr == "" {
		return plans, nil, nil
	}
	client, err := redisstore.NewClient(redisstore.Config{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis init failed: %w", err)
	}
	app.redis = client
	cache, err := redisstore.NewPlanCache(plans, client, cfg.Cache.TTL, app.logger.Named("plan_cache"))
	if err != nil {
		return nil, nil, fmt.Errorf("plan cache init failed: %w", err)
	}
	app.logger.Info("caching plan lookups in redis", zap.String("addr", cfg.Cache.RedisAddr))
	return cache, []api.ReadinessCheck{{Name: "redis", Check: cache.Ping}}, nil
}

func setupPubSub(ctx context.Context, app *App) error {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("pubsub disabled; completion events stay in memory")
		return nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.publisher, err = gcppublisher.New(client)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	return nil
}

func setupQueue(ctx context.Context, app *App) error {
	cfg := app.cfg
	if cfg.Jobs.Queue != "pubsub" {
		app.queue = queueMemory.NewQueue(cfg.Jobs.QueueDepth)
		return nil
	}
	q, err := queuePubSub.New(ctx, app.pubsubClient, queuePubSub.Config{
		Topic:          cfg.PubSub.JobTopic,
		Subscription:   cfg.PubSub.JobSubscription,
		MaxOutstanding: cfg.Jobs.Workers,
	}, app.logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("pubsub queue init failed: %w", err)
	}
	app.queue = q
	return nil
}

// NewCrawler builds the configured crawl engine behind a per-host rate limiter.
func NewCrawler(cfg config.CrawlConfig, logger *zap.Logger) (scrape.Crawler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
	switch cfg.Engine {
	case "apify":
		client, err := apify.New(apify.Config{
			BaseURL:      cfg.Apify.BaseURL,
			Token:        cfg.Apify.Token,
			ActorID:      cfg.Apify.ActorID,
			PollInterval: cfg.Apify.PollInterval,
			Profile:      cfg.Profile,
		}, nil, limiter, logger.Named("apify"))
		if err != nil {
			return nil, fmt.Errorf("apify client init failed: %w", err)
		}
		return client, nil
	default:
		crawler, err := local.New(local.Config{
			Profile:        cfg.Profile,
			UserAgent:      cfg.Local.UserAgent,
			RequestTimeout: cfg.Local.RequestTimeout,
			Parallelism:    cfg.Local.Parallelism,
			RespectRobots:  cfg.Local.RespectRobots,
		}, limiter, logger.Named("crawler"))
		if err != nil {
			return nil, fmt.Errorf("local crawler init failed: %w", err)
		}
		return crawler, nil
	}
}

func setupAuth(app *App) (scrape.Authenticator, error) {
	cfg := app.cfg.Auth
	if cfg.Provider == "supabase" {
		authenticator, err := auth.NewSupabase(auth.SupabaseConfig{
			URL:     cfg.SupabaseURL,
			APIKey:  cfg.SupabaseKey,
			Timeout: cfg.Timeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("supabase auth init failed: %w", err)
		}
		return authenticator, nil
	}
	return auth.NewStatic(cfg.TokenMap()), nil
}
