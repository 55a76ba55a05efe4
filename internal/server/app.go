// Package server wires the service's dependencies and owns the process
// lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/api"
	"github.com/JakeFAU/bulletin-crawler/internal/clock"
	"github.com/JakeFAU/bulletin-crawler/internal/config"
	"github.com/JakeFAU/bulletin-crawler/internal/crawler"
	"github.com/JakeFAU/bulletin-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/bulletin-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/bulletin-crawler/internal/fetcher/stream"
	"github.com/JakeFAU/bulletin-crawler/internal/hash/sha256"
	"github.com/JakeFAU/bulletin-crawler/internal/id/uuid"
	"github.com/JakeFAU/bulletin-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/bulletin-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/bulletin-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/bulletin-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/bulletin-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/bulletin-crawler/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/bulletin-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bulletin-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/bulletin-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/bulletin-crawler/internal/storage/postgres"
	"github.com/JakeFAU/bulletin-crawler/internal/task"
	"github.com/JakeFAU/bulletin-crawler/internal/telemetry"
	"github.com/JakeFAU/bulletin-crawler/internal/worker"
)

type closablePublisher interface {
	crawler.Publisher
	Close() error
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer

	tasks       *task.Service
	crawls      *crawler.Service
	apiServer   *api.Server
	progressHub *progress.Hub

	queue        *queuememory.Queue
	dispatch     *dispatcher.Dispatcher
	dispatchDone chan struct{}

	docStore     crawler.DocumentStore
	publisher    closablePublisher
	publishTopic string
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	checks       map[string]api.ReadinessCheck

	traceShutdown telemetry.Shutdown

	scheduler *cron.Cron
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. Nothing runs until Start.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger,
		registerer: prometheus.DefaultRegisterer,
		checks:     map[string]api.ReadinessCheck{},
	}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("database_backend", cfg.Database.Backend),
		zap.Bool("processing", cfg.Processing.Enabled),
		zap.Int("server_port", cfg.Server.Port),
	)

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.closeInfrastructure(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	sysClock := clock.New()
	ids := uuid.New()

	shutdown, err := telemetry.Setup(ctx, a.cfg.Tracing, a.logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	a.traceShutdown = shutdown

	hub, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}
	a.progressHub = hub
	a.tasks = task.NewService(a.cfg.Tasks, ids, sysClock, hub, a.logger.Named("tasks"))

	var queue crawler.DocumentQueue
	if a.cfg.Processing.Enabled {
		if err := a.setupProcessing(ctx, sysClock, ids, hub); err != nil {
			return err
		}
		queue = a.queue
	}

	crawlCfg := a.cfg.Crawler
	opts := crawler.PipelineOptions{
		Pages: collyfetcher.New(collyfetcher.Config{
			UserAgent: crawlCfg.UserAgent,
			Timeout:   crawlCfg.RequestTimeout,
		}),
		Streams: stream.New(stream.Config{
			UserAgent: crawlCfg.UserAgent,
			Timeout:   crawlCfg.DownloadTimeout,
		}),
		Throttle: ratelimit.New(ratelimit.Config{Delay: crawlCfg.RateLimitDelay, Burst: 1}),
		Queue:    queue,
		Clock:    sysClock,
		Logger:   a.logger.Named("crawler"),
	}
	registry := crawler.DefaultRegistry(crawlCfg, a.logger.Named("sites"))
	a.crawls, err = crawler.NewService(a.tasks, registry, crawlCfg, opts)
	if err != nil {
		return fmt.Errorf("crawl service init failed: %w", err)
	}
	a.logger.Info("crawl service ready", zap.Strings("sites", a.crawls.Sites()))

	a.apiServer = api.NewServer(a.tasks, a.checks, a.logger.Named("api"))
	return nil
}

func (a *App) setupProgress(ctx context.Context) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	hub := progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return hub, nil
}

func (a *App) setupProcessing(ctx context.Context, sysClock *clock.System, ids *uuid.Generator, emitter progress.Emitter) error {
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}

	a.queue = queuememory.NewQueue(a.cfg.Processing.QueueDepth)
	hasher := sha256.New()
	workerCfg := worker.Config{
		BlobPrefix: a.cfg.Processing.BlobPrefix,
		Topic:      a.publishTopic,
	}
	workers := make([]dispatcher.Runner, 0, a.cfg.Processing.Workers)
	for i := range a.cfg.Processing.Workers {
		workers = append(workers, worker.New(
			a.queue,
			blobStore,
			a.docStore,
			a.publisher,
			hasher,
			sysClock,
			ids,
			emitter,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch, err = dispatcher.New(workers, a.logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := gcsstorage.NewClient(ctx, a.cfg.Storage.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       a.cfg.Storage.GCSBucket,
			CacheControl: a.cfg.Storage.CacheControl,
		}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory document store")
		a.docStore = memorystorage.NewDocumentStore()
		return nil
	}
	store, err := pgstore.NewDocumentStore(ctx, a.cfg.Database.Postgres, a.logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("document store init failed: %w", err)
	}
	a.docStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	a.checks["postgres"] = store.Ping
	a.logger.Info("postgres document store initialized", zap.String("table", a.cfg.Database.Postgres.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher",
			zap.String("topic", memorypublisher.DefaultTopic),
		)
		a.publisher = memorypublisher.New()
		a.publishTopic = memorypublisher.DefaultTopic
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	pub := gcppublisher.New(client, a.logger.Named("pubsub"))
	if err := pub.CheckTopic(ctx, a.cfg.PubSub.Topic); err != nil {
		return err
	}
	a.publisher = pub
	topic := a.cfg.PubSub.Topic
	a.publishTopic = topic
	a.checks["pubsub"] = func(ctx context.Context) error { return pub.CheckTopic(ctx, topic) }
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", topic),
	)
	return nil
}

// Tasks exposes the task service.
func (a *App) Tasks() *task.Service { return a.tasks }

// Crawls exposes the crawl service.
func (a *App) Crawls() *crawler.Service { return a.crawls }

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Start launches the cleanup schedule, the processing pool and, when
// configured, the recurring crawl. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() {
		if err = a.tasks.Start(ctx); err != nil {
			return
		}
		if a.dispatch != nil {
			a.dispatchDone = make(chan struct{})
			go func() {
				defer close(a.dispatchDone)
				if runErr := a.dispatch.Run(context.WithoutCancel(ctx)); runErr != nil {
					a.logger.Error("processing pool failed", zap.Error(runErr))
				}
			}()
		}
		err = a.startSchedule(ctx)
	})
	return err
}

func (a *App) startSchedule(ctx context.Context) error {
	spec := a.cfg.Crawl.Schedule
	if spec == "" {
		return nil
	}
	mode := crawler.CrawlType(a.cfg.Crawl.Type)
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		id, err := a.crawls.StartCrawl(ctx, mode, a.cfg.Crawl.Site, a.cfg.Crawl.OwnerID)
		if err != nil {
			a.logger.Warn("scheduled crawl not started", zap.String("site", a.cfg.Crawl.Site), zap.Error(err))
			return
		}
		a.logger.Info("scheduled crawl started", zap.String("task_id", id))
	})
	if err != nil {
		return fmt.Errorf("schedule crawl: %w", err)
	}
	c.Start()
	a.scheduler = c
	a.logger.Info("crawl scheduled",
		zap.String("schedule", spec),
		zap.String("site", a.cfg.Crawl.Site),
		zap.String("crawl_type", string(mode)),
	)
	return nil
}

// Run starts the application, serves the ops endpoints and blocks until ctx
// is canceled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close stops scheduling, cancels running tasks, drains the processing queue
// and releases clients. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.scheduler != nil {
			<-a.scheduler.Stop().Done()
		}
		var errs []error
		if err := a.tasks.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("task shutdown: %w", err))
		}
		if a.queue != nil {
			a.queue.Close()
		}
		if a.dispatchDone != nil {
			select {
			case <-a.dispatchDone:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("processing drain: %w", ctx.Err()))
			}
		}
		errs = append(errs, a.closeInfrastructure(ctx))
		a.closeErr = errors.Join(errs...)
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.docStore != nil {
		if err := a.docStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("document store close: %w", err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.traceShutdown != nil {
		if err := a.traceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
