// Package server wires the harvester components together and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/api"
	"github.com/JakeFAU/polite-harvester/internal/clock/system"
	"github.com/JakeFAU/polite-harvester/internal/config"
	"github.com/JakeFAU/polite-harvester/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/polite-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/polite-harvester/internal/harvest"
	"github.com/JakeFAU/polite-harvester/internal/hash/sha256"
	"github.com/JakeFAU/polite-harvester/internal/id/uuid"
	"github.com/JakeFAU/polite-harvester/internal/identity"
	"github.com/JakeFAU/polite-harvester/internal/metrics"
	"github.com/JakeFAU/polite-harvester/internal/operator"
	"github.com/JakeFAU/polite-harvester/internal/policy/backoff"
	"github.com/JakeFAU/polite-harvester/internal/policy/ratelimit"
	httppublisher "github.com/JakeFAU/polite-harvester/internal/publisher/http"
	memorypublisher "github.com/JakeFAU/polite-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/polite-harvester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/polite-harvester/internal/queue/memory"
	"github.com/JakeFAU/polite-harvester/internal/robots"
	"github.com/JakeFAU/polite-harvester/internal/scheduler"
	gcsstorage "github.com/JakeFAU/polite-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/polite-harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/polite-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/polite-harvester/internal/storage/postgres"
	"github.com/JakeFAU/polite-harvester/internal/telemetry"
	"github.com/JakeFAU/polite-harvester/internal/worker"
)

// TriggerManual marks sessions started from the command line.
const TriggerManual = "manual"

const defaultShutdownTimeout = 15 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	clock    harvest.Clock
	registry *harvest.Registry

	states   harvest.StateStore
	sessions harvest.SessionStore
	ready    func(context.Context) error

	controller *backoff.Controller
	operator   *operator.Service

	publisher harvest.Publisher
	archive   harvest.BlobStore
	queue     *queueMemory.Queue
	runner    *dispatcher.Runner
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	closers []func(context.Context) error
}

// BuildOperator creates only what the operator commands need: the Targets,
// their persisted state and the backoff controller.
func BuildOperator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := newApp(cfg, logger)
	if err := app.buildCore(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := newApp(cfg, logger)
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func newApp(cfg *config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger, clock: system.New()}
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		ProjectID:   a.cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.closers = append(a.closers, tp.Shutdown)

	if err := a.buildCore(ctx); err != nil {
		return err
	}

	a.logger.Info("building application dependencies")
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupStorage(ctx); err != nil {
		return err
	}

	fetcher := a.setupFetcher()
	stateSync := harvest.NewStateSync(a.states, a.clock)
	loop := worker.New(
		fetcher,
		a.publisher,
		a.sessions,
		a.archive,
		sha256.New(),
		uuid.New(),
		a.clock,
		worker.Config{
			PublishTimeout: a.cfg.Harvest.PublishTimeout,
			ArchivePrefix:  a.cfg.Storage.Prefix,
			ContentType:    a.cfg.Storage.ContentType,
			Sync:           stateSync,
		},
		a.logger.Named("worker"),
	)

	a.queue = queueMemory.NewQueue(a.cfg.Harvest.QueueDepth)
	a.runner = dispatcher.NewRunner(a.registry, loop, stateSync, a.logger.Named("runner"))
	a.dispatch = dispatcher.New(a.queue, a.runner, a.cfg.Harvest.Workers, a.logger.Named("dispatcher"))

	a.scheduler, err = scheduler.New(a.registry, a.dispatch, a.clock, scheduler.Config{
		DefaultSchedule: a.cfg.Harvest.Schedule,
		RunOnStart:      a.cfg.Harvest.RunOnStart,
	}, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	opts := api.Options{RequestTimeout: a.cfg.Server.RequestTimeout, Ready: a.ready}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.operator, a.sessions, a.dispatch, a.clock, opts, a.logger.Named("api"))
	return nil
}

// buildCore sets up the registry, persistence and operator controls.
func (a *App) buildCore(ctx context.Context) error {
	var err error
	a.registry, err = a.cfg.Registry()
	if err != nil {
		return fmt.Errorf("targets init failed: %w", err)
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	a.controller = backoff.New(backoff.Config{
		Base:               a.cfg.Backoff.Base,
		Max:                a.cfg.Backoff.Max,
		MaxEscalations:     a.cfg.Backoff.MaxEscalations,
		TransientThreshold: a.cfg.Backoff.TransientThreshold,
	}, a.clock, a.logger.Named("backoff"))
	a.operator = operator.New(a.registry, a.controller, a.states, a.clock, a.logger.Named("operator"))
	a.logger.Info("targets registered", zap.Strings("targets", a.registry.Names()))
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("No DSN specified for database, keeping target state and sessions in memory")
		a.states = memoryStorage.NewStateStore()
		a.sessions = memoryStorage.NewSessionStore()
		return nil
	}
	store, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		StateTable:      a.cfg.Database.StateTable,
		SessionTable:    a.cfg.Database.SessionTable,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	if a.cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
	}
	a.states = store
	a.sessions = store
	a.ready = store.Ping
	a.logger.Info("postgres store initialized")
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Kind {
	case config.PublisherPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Publisher.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		pub := gcppublisher.New(client.Topic(a.cfg.Publisher.PubSub.TopicName))
		a.closers = append(a.closers, func(context.Context) error {
			pub.Close()
			return nil
		})
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.PubSub.ProjectID),
			zap.String("topic", a.cfg.Publisher.PubSub.TopicName),
		)
	case config.PublisherMemory:
		a.logger.Warn("using in-memory publisher, records are not delivered downstream")
		a.publisher = memorypublisher.New()
	default:
		pub, err := httppublisher.New(httppublisher.Config{
			URL:     a.cfg.Publisher.HTTP.URL,
			Timeout: a.cfg.Publisher.HTTP.Timeout,
		}, nil)
		if err != nil {
			return fmt.Errorf("http publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("HTTP publisher initialized", zap.String("url", a.cfg.Publisher.HTTP.URL))
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.archive = store
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.archive = store
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Storage.LocalDir))
	case config.StorageMemory:
		a.archive = memoryStorage.NewBlobStore()
		a.logger.Info("archiving pages in memory")
	default:
		a.logger.Info("page archiving disabled")
	}
	return nil
}

func (a *App) setupFetcher() *collyfetcher.Fetcher {
	governor := ratelimit.New(a.clock)
	profiles := identity.Default()

	var robotsPolicy collyfetcher.RobotsPolicy
	if a.cfg.HTTP.RespectRobots {
		robotsPolicy = robots.New(
			&http.Client{Timeout: a.cfg.HTTP.Timeout},
			governor,
			a.clock,
			profiles.Profiles()[0].UserAgent,
			a.cfg.HTTP.RobotsTTL,
			a.logger.Named("robots"),
		)
	}
	a.logger.Info("fetch client configured",
		zap.Duration("timeout", a.cfg.HTTP.Timeout),
		zap.Bool("respect_robots", a.cfg.HTTP.RespectRobots),
	)
	return collyfetcher.New(
		collyfetcher.Config{Timeout: a.cfg.HTTP.Timeout, MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes},
		governor,
		a.controller,
		profiles,
		robotsPolicy,
		a.clock,
		a.logger.Named("fetcher"),
	)
}

// Operator returns the operator controls.
func (a *App) Operator() *operator.Service {
	return a.operator
}

// Handler returns the operator HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunOnce runs one session per named Target, or for every Target when names
// is empty, one after another.
func (a *App) RunOnce(ctx context.Context, names []string) ([]harvest.SessionReport, error) {
	if len(names) == 0 {
		names = a.registry.Names()
	}
	reports := make([]harvest.SessionReport, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return reports, fmt.Errorf("run once: %w", err)
		}
		report, err := a.runner.RunSession(ctx, name, TriggerManual)
		if err != nil {
			return reports, fmt.Errorf("run %s: %w", name, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Run starts the scheduler, the dispatcher and the API server and blocks
// until the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Harvest.Workers))
		a.dispatch.Run(ctx)
	}()
	a.scheduler.Start(ctx)

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

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	<-a.scheduler.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not stop before the shutdown timeout")
	}

	return a.Close(shutdownCtx)
}

// Close releases infrastructure in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown completed with errors", zap.Error(err))
		return fmt.Errorf("close: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}
