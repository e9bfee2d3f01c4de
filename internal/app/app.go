// Package app builds the long-lived services of a crawl run and wires them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/api"
	"github.com/oreusol/pangolin/internal/archive"
	"github.com/oreusol/pangolin/internal/config"
	"github.com/oreusol/pangolin/internal/crawler"
	"github.com/oreusol/pangolin/internal/dispatcher"
	collyfetcher "github.com/oreusol/pangolin/internal/fetcher/colly"
	"github.com/oreusol/pangolin/internal/fetcher/headless"
	"github.com/oreusol/pangolin/internal/logging"
	"github.com/oreusol/pangolin/internal/metrics"
	"github.com/oreusol/pangolin/internal/orchestrator"
	"github.com/oreusol/pangolin/internal/pipeline"
	"github.com/oreusol/pangolin/internal/policy/ratelimit"
	"github.com/oreusol/pangolin/internal/policy/retry"
	memorypublisher "github.com/oreusol/pangolin/internal/publisher/memory"
	gcppublisher "github.com/oreusol/pangolin/internal/publisher/pubsub"
	"github.com/oreusol/pangolin/internal/sites"
	"github.com/oreusol/pangolin/internal/sites/indiatoday"
	gcsstorage "github.com/oreusol/pangolin/internal/storage/gcs"
	localstorage "github.com/oreusol/pangolin/internal/storage/local"
	memorystorage "github.com/oreusol/pangolin/internal/storage/memory"
	pgstore "github.com/oreusol/pangolin/internal/storage/postgres"
)

// Component logger names.
const (
	componentSpider   = "spider"
	componentPipeline = "pipeline"
	componentDatabase = "database"
)

// App contains the services of one crawl run.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	session      *crawler.Session
	pipeline     *pipeline.StoragePipeline
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server

	renderer        *headless.Renderer
	pubsubPublisher *gcppublisher.Publisher
	gcsStore        *gcsstorage.BlobStore
	logClosers      []io.Closer
}

// Option overrides a dependency Build would otherwise construct from config.
type Option func(*buildOptions)

type buildOptions struct {
	store      crawler.RecordStore
	newFetcher orchestrator.FetcherFactory
	renderer   crawler.Renderer
	publisher  crawler.Publisher
	logger     *zap.Logger
}

// WithRecordStore skips Postgres and writes records to store.
func WithRecordStore(store crawler.RecordStore) Option {
	return func(o *buildOptions) { o.store = store }
}

// WithFetcherFactory replaces the colly fetch engine.
func WithFetcherFactory(f orchestrator.FetcherFactory) Option {
	return func(o *buildOptions) { o.newFetcher = f }
}

// WithRenderer replaces the headless renderer.
func WithRenderer(r crawler.Renderer) Option {
	return func(o *buildOptions) { o.renderer = r }
}

// WithPublisher replaces the notify backend.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *buildOptions) { o.publisher = p }
}

// WithLogger replaces the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// Build creates the application's dependencies. On error every service
// already opened is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (app *App, err error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	logger := bo.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()
	app.logger.Info("building application dependencies",
		zap.Strings("sites", cfg.Spider.SitesToCrawl),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("notify", cfg.Notify.Backend),
	)

	siteConfigs, err := cfg.Sites()
	if err != nil {
		return app, err
	}
	app.session, err = crawler.NewSession(time.Now())
	if err != nil {
		return app, err
	}

	spiderLogger, err := app.componentLogger(componentSpider, cfg.Spider.LogConfig)
	if err != nil {
		return app, err
	}
	store, err := app.setupStore(ctx, bo.store)
	if err != nil {
		return app, err
	}
	publisher := bo.publisher
	if publisher == nil {
		if publisher, err = app.setupPublisher(ctx); err != nil {
			store.Close()
			return app, err
		}
	}
	pipelineLogger, err := app.componentLogger(componentPipeline, cfg.Pipeline.LogConfig)
	if err != nil {
		store.Close()
		return app, err
	}
	pcfg := pipeline.Config{
		BufferSize: cfg.Pipeline.BufferSize,
		Logger:     pipelineLogger,
	}
	if publisher != nil {
		pcfg.Publisher = publisher
		pcfg.Topic = cfg.Notify.Topic
	}
	app.pipeline = pipeline.New(store, pcfg)

	snapshotter, err := app.setupArchive(ctx, spiderLogger)
	if err != nil {
		store.Close()
		return app, err
	}
	renderer := bo.renderer
	if renderer == nil {
		if renderer, err = app.setupRenderer(spiderLogger); err != nil {
			store.Close()
			return app, err
		}
	}
	router, err := app.setupDispatcher(siteConfigs)
	if err != nil {
		store.Close()
		return app, err
	}
	newFetcher := bo.newFetcher
	if newFetcher == nil {
		newFetcher = app.fetcherFactory(spiderLogger)
	}

	ocfg := orchestrator.Config{
		Sites:      siteConfigs,
		MaxDepth:   cfg.Spider.MaxDepth,
		Router:     router,
		Session:    app.session,
		Sink:       app.pipeline,
		NewFetcher: newFetcher,
		Renderer:   renderer,
		Logger:     spiderLogger,
	}
	if snapshotter != nil {
		ocfg.Archive = snapshotter
	}
	if cfg.Fetch.MaxRetries > 0 {
		ocfg.Retry = retry.New(retry.Config{
			MaxRetries: cfg.Fetch.MaxRetries,
			BaseDelay:  cfg.Fetch.RetryBase(),
		})
	}
	app.orchestrator, err = orchestrator.New(ocfg)
	if err != nil {
		store.Close()
		return app, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.session, app.pipeline, logger.Named("api"))
	return app, nil
}

// Session returns the crawl session of this run.
func (a *App) Session() *crawler.Session {
	return a.session
}

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run crawls until every site is exhausted or a signal arrives, then drains
// the storage stage. The returned error wraps crawler.ErrIngestionHalted when
// storage stopped on an unexpected error.
func (a *App) Run(ctx context.Context) (crawler.SessionStats, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.pipeline.Start(context.WithoutCancel(ctx))
	srv := a.startServer(stop)

	a.logger.Info("crawl session started", zap.String("session", a.session.ID))
	stats, runErr := a.orchestrator.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		a.logger.Warn("crawl interrupted, draining storage")
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, closeErr := a.pipeline.Close(shutdownCtx)
	a.logger.Info("storage drained",
		zap.Int("received", summary.Received),
		zap.Int("stored", summary.Stored),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("dropped", summary.Dropped),
		zap.Int("published", summary.Published),
		zap.Int("publish_errors", summary.PublishErrors),
	)

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	return stats, errors.Join(runErr, closeErr)
}

func (a *App) startServer(stop context.CancelFunc) *http.Server {
	if !a.cfg.Server.Enabled {
		return nil
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
	return srv
}

// Close releases clients and log files. The record store is closed by the
// storage pipeline.
func (a *App) Close() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	for _, c := range a.logClosers {
		if err := c.Close(); err != nil {
			a.logger.Warn("log file close failed", zap.Error(err))
		}
	}
	a.logClosers = nil
	_ = a.logger.Sync()
}

func (a *App) componentLogger(name string, lc config.LogConfig) (*zap.Logger, error) {
	logger, closer, err := logging.NewComponent(name, logging.Options{
		Level:    lc.LogLevel,
		FileName: lc.FileName,
		Console:  a.cfg.Logging.Development,
	})
	if err != nil {
		return nil, &crawler.ConfigError{Key: name + ".log_level", Reason: "invalid log level", Err: err}
	}
	a.logClosers = append(a.logClosers, closer)
	return logger, nil
}

func (a *App) setupStore(ctx context.Context, override crawler.RecordStore) (crawler.RecordStore, error) {
	if override != nil {
		a.logger.Info("using injected record store")
		return override, nil
	}
	dbLogger, err := a.componentLogger(componentDatabase, a.cfg.Database.LogConfig)
	if err != nil {
		return nil, err
	}
	store, err := pgstore.Open(ctx, pgstore.Config{
		DSN:      a.cfg.Database.DSN(),
		Table:    a.cfg.Database.TableName,
		MaxConns: a.cfg.Database.MaxConns,
	}, dbLogger)
	if err != nil {
		return nil, fmt.Errorf("record store init failed: %w", err)
	}
	a.logger.Info("record store initialized",
		zap.String("host", a.cfg.Database.Host),
		zap.String("table", a.cfg.Database.TableName),
	)
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.Notify.Backend {
	case "pubsub":
		p, err := gcppublisher.New(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = p
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
		return p, nil
	case "memory":
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("record notifications disabled")
		return nil, nil
	}
}

func (a *App) setupArchive(ctx context.Context, logger *zap.Logger) (*archive.Archive, error) {
	var store crawler.BlobStore
	switch a.cfg.Archive.Backend {
	case "gcs":
		gcs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = gcs
		store = gcs
	case "local":
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		store = local
	case "memory":
		store = memorystorage.NewBlobStore()
	default:
		a.logger.Info("page snapshots disabled")
		return nil, nil
	}
	a.logger.Info("page snapshots enabled",
		zap.String("backend", a.cfg.Archive.Backend),
		zap.String("prefix", a.cfg.Archive.Prefix),
	)
	return archive.New(store, a.cfg.Archive.Prefix, logger), nil
}

func (a *App) setupRenderer(logger *zap.Logger) (crawler.Renderer, error) {
	rc := a.cfg.Render
	if !rc.Enabled {
		a.logger.Info("headless renderer disabled")
		return headless.NewNoop(), nil
	}
	pacer := ratelimit.New(ratelimit.Config{RPS: rc.RPS, Burst: rc.Burst})
	r, err := headless.NewChromedp(headless.Config{
		MaxParallel:      rc.MaxParallel,
		UserAgent:        rc.UserAgent,
		Timeout:          time.Duration(rc.TimeoutSeconds) * time.Second,
		LoadMoreSelector: rc.LoadMoreSelector,
		InitialWait:      time.Duration(rc.InitialWaitMS) * time.Millisecond,
		ClickWait:        time.Duration(rc.ClickWaitMS) * time.Millisecond,
		MaxClicks:        rc.MaxClicks,
	}, pacer, logger)
	if err != nil {
		return nil, fmt.Errorf("headless renderer init failed: %w", err)
	}
	a.renderer = r
	a.logger.Info("using headless renderer",
		zap.Int("max_parallel", rc.MaxParallel),
		zap.Float64("rps", rc.RPS),
	)
	return r, nil
}

func (a *App) setupDispatcher(siteConfigs []crawler.SiteConfig) (*dispatcher.Dispatcher, error) {
	loggers := make(map[crawler.SiteID]*zap.Logger, len(siteConfigs))
	for _, sc := range siteConfigs {
		if _, ok := loggers[sc.Site]; ok {
			continue
		}
		l, err := a.componentLogger(string(sc.Site)+"_parser", a.cfg.ParserLog(sc.Site))
		if err != nil {
			return nil, err
		}
		loggers[sc.Site] = l
	}
	registry := sites.Registry(sites.Options{
		IndiaToday: indiatoday.Options{
			AjaxURL:  a.cfg.IndiaTodayParser.AjaxURL,
			PagePath: a.cfg.IndiaTodayParser.PagePath,
			PageType: a.cfg.IndiaTodayParser.PageType,
		},
	})
	return dispatcher.New(siteConfigs, registry, a.session, func(site crawler.SiteID) *zap.Logger {
		if l, ok := loggers[site]; ok {
			return l
		}
		return a.logger.Named(string(site))
	}), nil
}

func (a *App) fetcherFactory(logger *zap.Logger) orchestrator.FetcherFactory {
	fc := a.cfg.Fetch
	return func(deliver func(crawler.Response, error)) (orchestrator.Fetcher, error) {
		engine, err := collyfetcher.New(collyfetcher.Config{
			UserAgent:     fc.UserAgent,
			Parallelism:   fc.Parallelism,
			Delay:         fc.Delay(),
			Timeout:       fc.Timeout(),
			RespectRobots: fc.RespectRobots,
		}, deliver, logger)
		if err != nil {
			return nil, fmt.Errorf("fetch engine init failed: %w", err)
		}
		a.logger.Info("using colly fetch engine",
			zap.String("user_agent", fc.UserAgent),
			zap.Int("parallelism", fc.Parallelism),
		)
		return engine, nil
	}
}
