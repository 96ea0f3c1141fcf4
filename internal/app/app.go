// Package app builds the long-lived services shared by every command and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/a2bit/jobtracker/internal/api"
	"github.com/a2bit/jobtracker/internal/clock/system"
	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/collectors"
	"github.com/a2bit/jobtracker/internal/config"
	"github.com/a2bit/jobtracker/internal/dispatcher"
	"github.com/a2bit/jobtracker/internal/fetcher/headless"
	"github.com/a2bit/jobtracker/internal/hash/sha256"
	"github.com/a2bit/jobtracker/internal/id/uuid"
	"github.com/a2bit/jobtracker/internal/logging"
	"github.com/a2bit/jobtracker/internal/merge"
	"github.com/a2bit/jobtracker/internal/policy/ratelimit"
	memorypublisher "github.com/a2bit/jobtracker/internal/publisher/memory"
	gcppublisher "github.com/a2bit/jobtracker/internal/publisher/pubsub"
	"github.com/a2bit/jobtracker/internal/scheduler"
	gcsstorage "github.com/a2bit/jobtracker/internal/storage/gcs"
	localstorage "github.com/a2bit/jobtracker/internal/storage/local"
	memorystorage "github.com/a2bit/jobtracker/internal/storage/memory"
	pgstore "github.com/a2bit/jobtracker/internal/storage/postgres"
	"github.com/a2bit/jobtracker/internal/sweep"
	"github.com/a2bit/jobtracker/internal/telemetry"
	"github.com/a2bit/jobtracker/internal/worker"
)

// archiveHashLength truncates archive digests in object names.
const archiveHashLength = 16

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  collector.Clock

	pool     *pgxpool.Pool
	runs     collector.RunStore
	registry collector.SourceRegistry
	catalog  collector.Catalog

	blobStore collector.BlobStore
	gcs       *gcsstorage.BlobStore
	publisher collector.Publisher
	pubsub    *gcppublisher.Publisher

	limiter  *ratelimit.Limiter
	headless *headless.Fetcher

	tracerProvider *sdktrace.TracerProvider
}

// ServeOptions selects which background loops run next to the HTTP server.
type ServeOptions struct {
	Sweep    bool
	Schedule bool
	// Workers starts workers for every enabled source. Required for the
	// memory backend, where no other process can see the queue.
	Workers bool
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	var err error
	logger.Info("building application dependencies",
		zap.String("database_backend", cfg.Database.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Int("port", cfg.Server.Port),
	)

	if cfg.Telemetry.Enabled {
		app.tracerProvider, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	steps := []func(context.Context) error{
		app.setupDatabase,
		app.setupArchive,
		app.setupPublisher,
	}
	for _, step := range steps {
		if err = step(ctx); err != nil {
			return nil, errors.Join(err, app.Close(context.WithoutCancel(ctx)))
		}
	}
	app.setupFetchers()
	return app, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Runs returns the run store.
func (a *App) Runs() collector.RunStore { return a.runs }

// Registry returns the source registry.
func (a *App) Registry() collector.SourceRegistry { return a.registry }

// Pool returns the Postgres pool, or nil for the memory backend.
func (a *App) Pool() *pgxpool.Pool { return a.pool }

func (a *App) setupDatabase(ctx context.Context) error {
	switch a.cfg.Database.Backend {
	case "postgres":
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("database init failed: %w", err)
		}
		a.pool = pool
		if a.cfg.Database.MigrateOnStart {
			if err := pgstore.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("database migration failed: %w", err)
			}
			a.logger.Info("database schema applied")
		}
		a.runs = pgstore.NewRunStore(pool)
		a.registry = pgstore.NewSourceRegistry(pool)
		a.catalog = pgstore.NewCatalogStore(pool)
		a.logger.Info("using postgres backend")
	default:
		registry := memorystorage.NewSourceRegistry(a.clock)
		a.registry = registry
		a.runs = memorystorage.NewRunStore(registry, a.clock)
		a.catalog = memorystorage.NewCatalog(a.clock)
		a.logger.Warn("using in-memory backend, runs are not shared between processes")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket:   a.cfg.Archive.Bucket,
			Metadata: map[string]string{"producer": a.cfg.Telemetry.ServiceName},
		})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.gcs = store
		a.blobStore = store
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.blobStore = store
		a.logger.Info("using local archive", zap.String("path", a.cfg.Archive.LocalDir))
	case "memory":
		a.blobStore = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory archive")
	default:
		a.logger.Info("raw record archiving disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, nil, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupFetchers() {
	a.limiter = ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Collectors.RateLimit.RPS,
		Burst: a.cfg.Collectors.RateLimit.Burst,
	})
	if !a.cfg.Collectors.Headless.Enabled {
		return
	}
	fetcher, err := headless.NewChromedp(headless.Config{
		MaxParallel:       a.cfg.Collectors.Headless.MaxParallel,
		UserAgent:         a.cfg.Collectors.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Collectors.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed", zap.Error(err))
		return
	}
	a.headless = fetcher
	a.logger.Info("headless fallback enabled", zap.Int("max_parallel", a.cfg.Collectors.Headless.MaxParallel))
}

// WorkerOptions overrides the configured worker settings. Zero values keep
// the config.
type WorkerOptions struct {
	Replicas     int
	PollInterval time.Duration
}

// Workers builds the workers for source. The collector is bound from the kind
// of the source's current config. A disabled source still gets workers, which
// exit on their first registry check. A config that does not decode leaves the
// collector unbound so claimed runs fail as config_invalid.
func (a *App) Workers(ctx context.Context, source string, opts WorkerOptions) ([]dispatcher.Runner, error) {
	replicas := opts.Replicas
	if replicas <= 0 {
		replicas = a.cfg.Worker.Replicas
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = a.cfg.PollInterval()
	}
	src, err := a.registry.Get(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load source %q: %w", source, err)
	}

	var (
		coll collector.Collector
		kind collector.SourceKind
	)
	cfg, err := collector.DecodeSourceConfig(source, src.Config)
	switch {
	case err != nil && !src.Enabled:
		a.logger.Info("source disabled with invalid config", zap.String("source", source), zap.Error(err))
	case err != nil:
		a.logger.Warn("source config invalid, runs will fail until it is fixed",
			zap.String("source", source), zap.Error(err))
	default:
		kind = cfg.Kind()
		coll, err = collectors.Bind(kind, collectors.Options{
			Source:         source,
			UserAgent:      a.cfg.Collectors.UserAgent,
			RequestTimeout: a.cfg.RequestTimeout(),
			MaxRetries:     a.cfg.Collectors.MaxRetries,
			Backoff:        time.Duration(a.cfg.Collectors.BackoffInitialMs) * time.Millisecond,
			RespectRobots:  a.cfg.Collectors.RespectRobots,
			Limiter:        a.limiter,
			Headless:       a.headless,
			Logger:         a.logger.Named(string(kind)).With(zap.String("source", source)),
		})
		if err != nil {
			return nil, fmt.Errorf("bind collector for %q: %w", source, err)
		}
	}

	merger := merge.New(a.catalog)
	hasher := sha256.New(archiveHashLength)
	ids := uuid.New()
	runners := make([]dispatcher.Runner, 0, replicas)
	for i := range replicas {
		runners = append(runners, worker.New(
			a.runs,
			a.registry,
			merger,
			coll,
			a.blobStore,
			a.publisher,
			hasher,
			a.clock,
			ids,
			worker.Config{
				Source:        source,
				Kind:          kind,
				PollInterval:  pollInterval,
				FetchTimeout:  a.cfg.FetchTimeout(),
				ArchivePrefix: a.cfg.Archive.Prefix,
				Replica:       i,
			},
			a.logger,
		))
	}
	a.logger.Info("workers built",
		zap.String("source", source),
		zap.String("kind", string(kind)),
		zap.Int("replicas", replicas),
	)
	return runners, nil
}

// EnabledWorkers builds workers for every enabled source. Sources that
// cannot be loaded are logged and skipped.
func (a *App) EnabledWorkers(ctx context.Context, opts WorkerOptions) ([]dispatcher.Runner, error) {
	sources, err := a.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	var runners []dispatcher.Runner
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		built, err := a.Workers(ctx, src.Name, opts)
		if err != nil {
			a.logger.Warn("skipping source", zap.String("source", src.Name), zap.Error(err))
			continue
		}
		runners = append(runners, built...)
	}
	return runners, nil
}

// APIServer builds the HTTP API over the configured stores.
func (a *App) APIServer() *api.Server {
	var pinger api.Pinger
	if a.pool != nil {
		pinger = a.pool
	}
	return api.NewServer(a.runs, a.registry, pinger, a.cfg, a.logger)
}

// Sweeper builds the stale run reclaimer.
func (a *App) Sweeper() *sweep.Sweeper {
	return sweep.New(a.runs, sweep.Config{
		Interval: a.cfg.SweepInterval(),
		Timeout:  a.cfg.StaleAfter(),
	}, a.logger)
}

// Scheduler builds the cron scheduler from the configured entries.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	entries := make([]scheduler.Entry, 0, len(a.cfg.Schedule.Entries))
	for _, e := range a.cfg.Schedule.Entries {
		entries = append(entries, scheduler.Entry{Source: e.Source, Spec: e.Spec})
	}
	s, err := scheduler.New(a.runs, a.registry, entries, a.logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}
	return s, nil
}

// Migrate applies the Postgres schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("migrations require the postgres backend")
	}
	if err := pgstore.Migrate(ctx, a.pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Serve runs the HTTP server plus the selected background loops until ctx is
// canceled or one of them fails.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	var runners []dispatcher.Runner
	if opts.Sweep {
		runners = append(runners, a.Sweeper())
	}
	if opts.Schedule && len(a.cfg.Schedule.Entries) > 0 {
		s, err := a.Scheduler()
		if err != nil {
			return err
		}
		runners = append(runners, s)
	}
	if opts.Workers {
		workers, err := a.EnabledWorkers(ctx, WorkerOptions{})
		if err != nil {
			return err
		}
		runners = append(runners, workers...)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
	if len(runners) > 0 {
		d := dispatcher.New(runners, a.logger)
		g.Go(func() error {
			return d.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Close releases every client the App owns.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub close: %w", err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs close: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
