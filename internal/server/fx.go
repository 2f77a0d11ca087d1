// Package server builds the crawl application from configuration and runs
// one job to completion.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/api"
	"github.com/JakeFAU/cfpl-crawler/internal/cas"
	"github.com/JakeFAU/cfpl-crawler/internal/classifier"
	"github.com/JakeFAU/cfpl-crawler/internal/clock/system"
	"github.com/JakeFAU/cfpl-crawler/internal/config"
	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/cfpl-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/cfpl-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/cfpl-crawler/internal/graph"
	"github.com/JakeFAU/cfpl-crawler/internal/headless/detector"
	"github.com/JakeFAU/cfpl-crawler/internal/id/uuid"
	"github.com/JakeFAU/cfpl-crawler/internal/logging"
	"github.com/JakeFAU/cfpl-crawler/internal/metrics"
	"github.com/JakeFAU/cfpl-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/cfpl-crawler/internal/policy/scope"
	kafkapublisher "github.com/JakeFAU/cfpl-crawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/cfpl-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/cfpl-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
	queueMemory "github.com/JakeFAU/cfpl-crawler/internal/queue/memory"
	queuePostgres "github.com/JakeFAU/cfpl-crawler/internal/queue/postgres"
	queueRedis "github.com/JakeFAU/cfpl-crawler/internal/queue/redis"
	"github.com/JakeFAU/cfpl-crawler/internal/report"
	gcsstorage "github.com/JakeFAU/cfpl-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/cfpl-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/cfpl-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/cfpl-crawler/internal/storage/postgres"
	"github.com/JakeFAU/cfpl-crawler/internal/telemetry"
	"github.com/JakeFAU/cfpl-crawler/internal/worker"
)

// ShutdownTimeout bounds the HTTP server drain and resource close.
const ShutdownTimeout = 10 * time.Second

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	job      *dispatcher.Job
	dispatch *dispatcher.Dispatcher
	frontier crawler.Frontier
	gate     *ratelimit.Limiter
	catalog  crawler.Catalog
	store    *cas.Store
	pool     *pgxpool.Pool
	gcs      *storage.Client

	blobs     crawler.BlobStore
	records   crawler.RecordIndex
	fetcher   crawler.Fetcher
	headless  crawler.Fetcher
	publisher crawler.Publisher
	edges     crawler.EdgeSink
	tracer    *sdktrace.TracerProvider

	apiServer *api.Server
	listener  net.Listener
	closers   []closer
}

// Build creates the application's dependencies, including its logger.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger creates the application's dependencies around logger.
// On error every resource opened so far is closed.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app = &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	metrics.Init()
	if err = app.setupTracing(ctx); err != nil {
		return app, err
	}

	jobCfg := cfg.JobConfig()
	if jobCfg.JobID == "" {
		if jobCfg.JobID, err = uuid.New().NewID(); err != nil {
			return app, fmt.Errorf("job id: %w", err)
		}
	}
	if app.job, err = dispatcher.NewJob(jobCfg); err != nil {
		return app, fmt.Errorf("job init failed: %w", err)
	}
	app.logger = logger.With(zap.String("job_id", app.job.ID()))
	app.logger.Info("building application dependencies",
		zap.String("frontier", cfg.Frontier.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)

	steps := []func(context.Context) error{
		app.setupDatabase,
		app.setupStorage,
		app.setupFrontier,
		app.setupFetchers,
		app.setupPublisher,
		app.setupGraph,
		app.setupDispatcher,
	}
	for _, step := range steps {
		if err = step(ctx); err != nil {
			return app, err
		}
	}
	if cfg.Server.Enabled {
		registry := api.NewRegistry()
		registry.Register(app.job.ID(), app.frontier)
		app.apiServer = api.NewServer(app.catalog, registry, logger.Named("api"))
	}
	return app, nil
}

// JobID returns the id of the job the app runs.
func (a *App) JobID() string {
	return a.job.ID()
}

// Catalog exposes the job catalog.
func (a *App) Catalog() crawler.Catalog {
	return a.catalog
}

// Frontier exposes the job frontier.
func (a *App) Frontier() crawler.Frontier {
	return a.frontier
}

// Store exposes the content-addressed store.
func (a *App) Store() crawler.ContentStore {
	return a.store
}

// Publisher exposes the configured event publisher.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Handler returns the query API handler, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run seeds the frontier, serves the query API when enabled and blocks until
// the job finishes or SIGINT/SIGTERM arrives. Resources are closed on return.
func (a *App) Run(ctx context.Context) (report.JobReport, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.close(context.WithoutCancel(ctx))

	if _, err := a.dispatch.Seed(ctx); err != nil {
		return report.JobReport{}, err
	}

	srv, err := a.startHTTP(stop)
	if err != nil {
		return report.JobReport{}, err
	}

	a.logger.Info("application started")
	rep, runErr := a.dispatch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	if path := a.cfg.Report.XLSXPath; path != "" {
		if err := a.exportReport(shutdownCtx, path, rep); err != nil {
			a.logger.Error("report export failed", zap.String("path", path), zap.Error(err))
		} else {
			a.logger.Info("report written", zap.String("path", path))
		}
	}
	if rep.Blocked() {
		a.logger.Warn("more URLs failed than were captured; the target may be blocking the crawler",
			zap.Int("errors", rep.Errors),
			zap.Int("dead", len(rep.DeadURLs)),
			zap.Int("pages_fetched", rep.PagesFetched),
		)
	}
	return rep, runErr
}

// Addr returns the API listener address once Run has started it.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *App) startHTTP(stop context.CancelFunc) (*http.Server, error) {
	if a.apiServer == nil {
		return nil, nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	a.listener = ln
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	return srv, nil
}

func (a *App) exportReport(ctx context.Context, path string, rep report.JobReport) error {
	entries, err := a.catalog.Entries(ctx, a.job.ID())
	if err != nil {
		return fmt.Errorf("catalog entries: %w", err)
	}
	dead, err := a.frontier.DeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("dead letters: %w", err)
	}
	return report.WriteXLSX(path, rep, entries, dead)
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// close releases resources in reverse order of acquisition.
func (a *App) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     true,
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp
	a.addCloser("tracer", tp.Shutdown)
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no database dsn, keeping catalog and content records in memory")
		a.catalog = memoryStorage.NewCatalog(a.clock)
		a.records = memoryStorage.NewRecordIndex()
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool
	a.addCloser("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("database migrate failed: %w", err)
	}
	if a.catalog, err = pgstore.NewCatalog(pool, a.clock); err != nil {
		return fmt.Errorf("catalog init failed: %w", err)
	}
	if a.records, err = pgstore.NewRecordIndex(pool); err != nil {
		return fmt.Errorf("record index init failed: %w", err)
	}
	a.logger.Info("postgres catalog initialized")
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		client := a.gcs
		a.addCloser("gcs", func(context.Context) error { return client.Close() })
		a.blobs, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memoryStorage.NewBlobStore()
	}
	a.store, err = cas.New(a.blobs, a.records, a.clock, a.logger.Named("cas"))
	if err != nil {
		return fmt.Errorf("content store init failed: %w", err)
	}
	return nil
}

func (a *App) setupFrontier(ctx context.Context) error {
	jobCfg := a.job.Config()
	a.gate = ratelimit.New(ratelimit.Config{Delay: jobCfg.Policy.PerDomainDelay})
	opts := queue.Options{
		JobID: a.job.ID(),
		// The scope engine owns the depth bound; it is built from the
		// policy as locked when the job starts.
		MaxDepth:     -1,
		Retry:        a.cfg.RetryPolicy(),
		LeaseTimeout: a.cfg.LeaseTimeout(),
		Gate:         a.gate,
		Clock:        a.clock,
		Logger:       a.logger.Named("frontier"),
	}
	var (
		frontier crawler.Frontier
		err      error
	)
	switch a.cfg.Frontier.Backend {
	case "postgres":
		if a.pool == nil {
			return errors.New("postgres frontier requires database.dsn")
		}
		frontier, err = queuePostgres.New(a.pool, opts)
	case "redis":
		frontier, err = queueRedis.Dial(ctx, queueRedis.Config{
			Addr:     a.cfg.Frontier.Redis.Addr,
			Password: a.cfg.Frontier.Redis.Password,
			DB:       a.cfg.Frontier.Redis.DB,
			Prefix:   a.cfg.Frontier.Redis.Prefix,
		}, opts)
	default:
		frontier, err = queueMemory.New(opts)
	}
	if err != nil {
		return fmt.Errorf("%s frontier init failed: %w", a.cfg.Frontier.Backend, err)
	}
	a.frontier = frontier
	a.addCloser("frontier", func(context.Context) error { return frontier.Close() })
	a.logger.Info("frontier ready",
		zap.String("backend", a.cfg.Frontier.Backend),
		zap.Int("max_retries", opts.Retry.MaxRetries),
		zap.Duration("per_domain_delay", jobCfg.Policy.PerDomainDelay),
	)
	return nil
}

func (a *App) setupFetchers(context.Context) error {
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		Timeout:       a.cfg.RequestTimeout(),
		MaxBodySize:   a.cfg.Crawler.MaxBodyBytes,
	}, a.logger.Named("fetcher"))
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Crawler.UserAgent),
		zap.Bool("respect_robots", a.cfg.Crawler.RespectRobots),
	)
	h := a.cfg.Crawler.Headless
	if !h.Enabled {
		return nil
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       h.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: a.cfg.RequestTimeout(),
		ExecPath:          h.ExecPath,
		NoSandbox:         h.NoSandbox,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, continuing without promotion", zap.Error(err))
		return nil
	}
	a.headless = headless
	a.addCloser("headless", func(context.Context) error { return headless.Close() })
	a.logger.Info("using headless fetcher", zap.Int("max_parallel", h.MaxParallel))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Backend {
	case "pubsub":
		p, err := gcppublisher.Dial(ctx, a.cfg.Publisher.ProjectID, a.logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = p
		a.addCloser("pubsub", func(context.Context) error { return p.Close() })
	case "kafka":
		p, err := kafkapublisher.New(a.cfg.Publisher.Brokers, a.clock)
		if err != nil {
			return fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.publisher = p
		a.addCloser("kafka", func(context.Context) error { return p.Close() })
	default:
		a.publisher = memorypublisher.New()
	}
	a.logger.Info("publisher initialized",
		zap.String("backend", a.cfg.Publisher.Backend),
		zap.String("capture_topic", a.cfg.Publisher.CaptureTopic),
		zap.String("dead_letter_topic", a.cfg.Publisher.DeadLetterTopic),
	)
	return nil
}

func (a *App) setupGraph(ctx context.Context) error {
	if a.cfg.Graph.URI == "" {
		return nil
	}
	sink, err := graph.Dial(ctx, graph.Config{
		URI:      a.cfg.Graph.URI,
		User:     a.cfg.Graph.User,
		Password: a.cfg.Graph.Password,
		Database: a.cfg.Graph.Database,
	}, a.logger.Named("graph"))
	if err != nil {
		return fmt.Errorf("graph sink init failed: %w", err)
	}
	a.edges = sink
	a.addCloser("neo4j", sink.Close)
	a.logger.Info("link graph sink enabled", zap.String("uri", a.cfg.Graph.URI))
	return nil
}

func (a *App) setupDispatcher(context.Context) error {
	var err error
	a.dispatch, err = dispatcher.New(a.job, a.frontier, a.catalog, a.buildWorkers, dispatcher.Options{
		Clock:  a.clock,
		Logger: a.logger.Named("dispatcher"),
	})
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	return nil
}

// buildWorkers is called by the dispatcher once the policy is locked, so
// SetPolicy calls made before the job starts reach scope and politeness.
func (a *App) buildWorkers(start dispatcher.Start) ([]dispatcher.Runner, error) {
	policy := start.Job.Policy
	engine, err := scope.New(policy, start.Job.Seeds)
	if err != nil {
		return nil, fmt.Errorf("scope init failed: %w", err)
	}
	a.gate.SetDelay(policy.PerDomainDelay)

	deps := worker.Deps{
		Frontier:   a.frontier,
		Fetcher:    a.fetcher,
		Store:      a.store,
		Catalog:    a.catalog,
		Classifier: classifier.New(nil),
		Scope:      engine,
		Publisher:  a.publisher,
		Clock:      a.clock,
		Budget:     start.Budget,
	}
	if a.headless != nil {
		deps.Headless = a.headless
		deps.Detector = detector.NewHeuristic(a.cfg.Crawler.Headless.MinText, a.cfg.Crawler.Headless.MinLinks)
	}
	if a.edges != nil {
		deps.Edges = a.edges
	}
	workerCfg := worker.Config{
		JobID:           start.Job.JobID,
		CaptureTopic:    a.cfg.Publisher.CaptureTopic,
		DeadLetterTopic: a.cfg.Publisher.DeadLetterTopic,
		FetchTimeout:    a.cfg.RequestTimeout(),
		PollInterval:    a.cfg.PollInterval(),
	}

	runners := make([]dispatcher.Runner, 0, a.cfg.Crawler.Concurrency)
	for i := 0; i < a.cfg.Crawler.Concurrency; i++ {
		w, err := worker.New(deps, workerCfg, a.logger.Named("worker").With(zap.Int("index", i)))
		if err != nil {
			return nil, fmt.Errorf("worker init failed: %w", err)
		}
		runners = append(runners, w)
	}
	a.logger.Info("workers ready",
		zap.Int("count", len(runners)),
		zap.Int("max_depth", policy.MaxDepth),
		zap.Int("max_pages", policy.MaxPages),
		zap.Duration("per_domain_delay", policy.PerDomainDelay),
	)
	return runners, nil
}
