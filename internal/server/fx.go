// Package server builds the application's dependencies and runs the HTTP
// service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/wiki-circuit/internal/api"
	"github.com/JakeFAU/wiki-circuit/internal/cache"
	"github.com/JakeFAU/wiki-circuit/internal/cache/memory"
	pgcache "github.com/JakeFAU/wiki-circuit/internal/cache/postgres"
	rediscache "github.com/JakeFAU/wiki-circuit/internal/cache/redis"
	"github.com/JakeFAU/wiki-circuit/internal/config"
	"github.com/JakeFAU/wiki-circuit/internal/crawler"
	"github.com/JakeFAU/wiki-circuit/internal/extractor/wiki"
	collyfetcher "github.com/JakeFAU/wiki-circuit/internal/fetcher/colly"
	"github.com/JakeFAU/wiki-circuit/internal/job"
	"github.com/JakeFAU/wiki-circuit/internal/logging"
	"github.com/JakeFAU/wiki-circuit/internal/manager"
	"github.com/JakeFAU/wiki-circuit/internal/metrics"
	"github.com/JakeFAU/wiki-circuit/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/wiki-circuit/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/wiki-circuit/internal/storage/gcs"
	localstorage "github.com/JakeFAU/wiki-circuit/internal/storage/local"
	memorystorage "github.com/JakeFAU/wiki-circuit/internal/storage/memory"
	"github.com/JakeFAU/wiki-circuit/internal/telemetry"
)

type closer struct {
	name  string
	close func() error
}

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	manager   *manager.Manager
	jobs      *cache.Hierarchy[job.Handle]
	closers   []closer

	// base bounds every crawl; it is canceled once jobs have been stopped.
	base       context.Context
	cancelBase context.CancelFunc

	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger, err := logging.Build(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	base, cancel := context.WithCancel(context.Background())
	app := &App{cfg: cfg, logger: logger, base: base, cancelBase: cancel}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	exporter, err := telemetry.NewExporter(ctx, cfg.Telemetry.Exporter, cfg.Telemetry.ProjectID, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("trace exporter init failed: %w", err)
	}
	var tpOpts []sdktrace.TracerProviderOption
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, tpOpts...)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	logger.Info("building application dependencies", zap.Int("server_port", cfg.Server.Port))
	app.jobs, err = setupJobCache(ctx, app)
	if err != nil {
		return nil, err
	}

	mgrOpts := []manager.Option{
		manager.WithThreshold(cfg.Jobs.ProgressThreshold),
		manager.WithLogger(logger.Named("manager")),
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	mgrOpts = append(mgrOpts, manager.WithArchive(blobs))

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		mgrOpts = append(mgrOpts, manager.WithPublisher(publisher, cfg.PubSub.TopicName))
	}

	app.manager, err = manager.New(base, app.jobs, NewWorkFactory(*cfg, logger), mgrOpts...)
	if err != nil {
		return nil, fmt.Errorf("manager init failed: %w", err)
	}
	app.apiServer = api.NewServer(app.manager, cfg.Auth, logger.Named("api"))
	return app, nil
}

// NewWorkFactory returns a factory building one crawl engine per job. All
// engines share a fetcher, so the per-host rate limit applies across jobs.
func NewWorkFactory(cfg config.Config, logger *zap.Logger) manager.WorkFactory {
	fetcherOpts := []collyfetcher.Option{}
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Crawler.RequestsPerSecond,
		Burst:             cfg.Crawler.Burst,
	})
	if limiter.Enabled() {
		fetcherOpts = append(fetcherOpts, collyfetcher.WithWaiter(limiter))
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.RequestTimeout(),
	}, fetcherOpts...)
	extractor := wiki.New()
	engineCfg := crawler.Config{
		MaxDepth:             cfg.Crawler.MaxDepth,
		MaxParallelDownloads: cfg.Crawler.MaxParallelDownloads,
		BaseURL:              cfg.Crawler.BaseURL,
	}
	engineLogger := logger.Named("crawler")

	return func() (job.Work[crawler.Params], error) {
		return crawler.NewEngine(engineCfg, fetcher, extractor, crawler.WithLogger(engineLogger))
	}
}

// NewLocalJobCache builds a hierarchy holding only the in-process tier.
func NewLocalJobCache(cfg config.Config, logger *zap.Logger) (*cache.Hierarchy[job.Handle], error) {
	opts := cfg.CacheOptions()
	opts.Logger = logger
	local, err := memory.New[job.Handle](opts)
	if err != nil {
		return nil, fmt.Errorf("memory tier init failed: %w", err)
	}
	h, err := cache.NewHierarchy([]cache.Cache[job.Handle]{local}, cache.WithLogger(logger))
	if err != nil {
		_ = local.Dispose(context.Background())
		return nil, fmt.Errorf("job cache init failed: %w", err)
	}
	return h, nil
}

func setupJobCache(ctx context.Context, app *App) (*cache.Hierarchy[job.Handle], error) {
	cfg := app.cfg
	opts := cfg.CacheOptions()
	opts.Logger = app.logger

	local, err := memory.New[job.Handle](opts)
	if err != nil {
		return nil, fmt.Errorf("memory tier init failed: %w", err)
	}
	tiers := []cache.Cache[job.Handle]{local}
	release := func() {
		for _, t := range tiers {
			_ = t.Dispose(context.Background())
		}
	}

	if cfg.Redis.Enabled {
		client, err := rediscache.NewClient(rediscache.ClientConfig{
			Mode:       rediscache.Mode(cfg.Redis.Mode),
			Addrs:      cfg.Redis.Addrs,
			MasterName: cfg.Redis.MasterName,
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
		})
		if err != nil {
			release()
			return nil, fmt.Errorf("redis client init failed: %w", err)
		}
		remote, err := rediscache.New[job.Handle](ctx, client, job.Serializer{}, rediscache.Config{
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, opts)
		if err != nil {
			_ = client.Close()
			release()
			return nil, fmt.Errorf("redis tier init failed: %w", err)
		}
		tiers = append(tiers, remote)
		app.logger.Info("redis tier enabled",
			zap.String("mode", cfg.Redis.Mode),
			zap.Strings("addrs", cfg.Redis.Addrs),
			zap.String("origin", remote.Origin()),
		)
	} else {
		app.logger.Warn("redis disabled; job status is local to this instance")
	}

	if cfg.Database.DSN != "" {
		durable, err := pgcache.New[job.Handle](ctx, pgcache.Config{
			DSN:   cfg.Database.DSN,
			Table: cfg.Database.Table,
		}, job.Serializer{}, opts)
		if err != nil {
			release()
			return nil, fmt.Errorf("postgres tier init failed: %w", err)
		}
		tiers = append(tiers, durable)
		app.logger.Info("postgres tier enabled", zap.String("table", cfg.Database.Table))
	}

	h, err := cache.NewHierarchy(tiers, cache.WithLogger(app.logger.Named("cache")))
	if err != nil {
		release()
		return nil, fmt.Errorf("job cache init failed: %w", err)
	}
	app.logger.Info("job cache ready",
		zap.Int("tiers", h.Tiers()),
		zap.Duration("max_age", opts.MaxAge),
		zap.Int("max_entries", opts.MaxEntries),
	)
	return h, nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	storageCfg := app.cfg.Storage
	switch storageCfg.Backend {
	case "gcs":
		blobs, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket: storageCfg.Bucket,
			Prefix: storageCfg.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.closers = append(app.closers, closer{name: "gcs", close: blobs.Close})
		app.logger.Info("using GCS result archive", zap.String("bucket", storageCfg.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: storageCfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local result archive", zap.String("path", storageCfg.Local.BaseDir))
		return blobs, nil
	default:
		app.logger.Info("using in-memory result archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	pubCfg := app.cfg.PubSub
	if pubCfg.ProjectID == "" {
		app.logger.Info("no Pub/Sub project configured; job events are not published")
		return nil, nil
	}
	publisher, err := gcppublisher.Dial(ctx, pubCfg.ProjectID, pubCfg.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.closers = append(app.closers, closer{name: "pubsub", close: publisher.Close})
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", pubCfg.ProjectID),
		zap.String("topic", pubCfg.TopicName),
	)
	return publisher, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Manager exposes the job manager.
func (a *App) Manager() *manager.Manager {
	return a.manager
}

// Run serves HTTP until ctx ends or SIGINT/SIGTERM arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.manager.StopAll(shutdownCtx); err != nil {
		a.logger.Warn("stopping jobs failed", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err, ok := <-serveErr; ok && err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close releases the job cache, cloud clients and telemetry. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.cancelBase != nil {
			a.cancelBase()
		}
		if a.jobs != nil {
			if err := a.jobs.Dispose(ctx); err != nil {
				a.logger.Warn("job cache dispose failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		for _, c := range a.closers {
			if err := c.close(); err != nil {
				a.logger.Warn("client close failed", zap.String("client", c.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
		if a.tracerShutdown != nil {
			if err := a.tracerShutdown(ctx); err != nil {
				a.logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return errors.Join(errs...)
}
