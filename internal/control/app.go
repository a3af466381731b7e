package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/harvester/internal/core/config"
	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/worker"
	"github.com/vietddude/harvester/internal/harvesting/alert"
	"github.com/vietddude/harvester/internal/harvesting/harvest"
	"github.com/vietddude/harvester/internal/harvesting/health"
	"github.com/vietddude/harvester/internal/harvesting/scheduler"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/output"
	"github.com/vietddude/harvester/internal/infra/permit"
	"github.com/vietddude/harvester/internal/infra/permit/arcgis"
	"github.com/vietddude/harvester/internal/infra/permit/carto"
	"github.com/vietddude/harvester/internal/infra/permit/csvbulk"
	"github.com/vietddude/harvester/internal/infra/permit/socrata"
	redisclient "github.com/vietddude/harvester/internal/infra/redis"
	"github.com/vietddude/harvester/internal/infra/storage"
	"github.com/vietddude/harvester/internal/infra/storage/bolt"
	"github.com/vietddude/harvester/internal/infra/storage/memory"
	"github.com/vietddude/harvester/internal/infra/storage/postgres"
)

// App is the main application struct that manages the harvester lifecycle.
type App struct {
	cfg          *config.AppConfig
	scheduler    *scheduler.Scheduler
	tracker      *health.Tracker
	runs         storage.RunRepository
	healthServer *health.Server
	pruner       *worker.Pruner
	fetcher      *fetch.HTTPFetcher
	db           *postgres.DB
	state        *bolt.DB
	redisClient  *redisclient.Client
	log          *slog.Logger
}

// repos groups the storage chosen at startup.
type repos struct {
	health    storage.HealthRepository
	runs      storage.RunRepository
	snapshots storage.SnapshotRepository
}

// Option configures NewApp.
type Option func(*options)

type options struct {
	fetcher fetch.Fetcher
	sink    output.Sink
	alerter alert.Alerter
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f fetch.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithSink replaces the configured artifact sinks.
func WithSink(s output.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithAlerter replaces the configured alerters.
func WithAlerter(a alert.Alerter) Option {
	return func(o *options) { o.alerter = a }
}

// NewApp creates a new App with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := slog.Default()
	a := &App{cfg: cfg, log: log}

	// 1. Redis (optional)
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, continuing without it", "error", err)
		} else {
			a.redisClient = client
		}
	}

	// 2. Storage
	r, err := a.initStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runs = r.runs

	// 3. Fetcher and adapters
	fetcher := o.fetcher
	if fetcher == nil {
		a.fetcher = fetch.NewHTTPFetcher(cfg.Fetch.Timeout, cfg.Fetch.UserAgent,
			fetch.WithMaxBodySize(cfg.Fetch.MaxBodySize))
		fetcher = a.fetcher
	}
	dispatcher := permit.NewDispatcher(map[domain.Dialect]permit.Adapter{
		domain.DialectSocrata: socrata.New(),
		domain.DialectArcGIS:  arcgis.New(),
		domain.DialectCarto:   carto.New(),
		domain.DialectCSV:     csvbulk.New(),
	})

	// 4. Output and alerting
	sink := o.sink
	if sink == nil {
		sink, err = buildSink(cfg.Output, log)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	alerter := o.alerter
	if alerter == nil {
		alerter, err = buildAlerter(cfg.Alert, log)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	// 5. Harvesting
	a.tracker = health.NewTracker(r.health, alerter, cfg.Alert.Interval, log)
	harvester := harvest.New(fetcher, dispatcher, sink, cfg.Harvest, cfg.Retry, harvest.WithLogger(log))

	schedOpts := []scheduler.Option{scheduler.WithLogger(log)}
	if a.redisClient != nil {
		schedOpts = append(schedOpts, scheduler.WithLocker(a.redisClient))
	}
	a.scheduler, err = scheduler.New(cfg.Scheduler, cfg.Sources, harvester, a.tracker, r.runs, r.snapshots, sink, schedOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	// 6. Operator surface and workers
	var hosts health.HostReporter
	if a.fetcher != nil {
		hosts = a.fetcher.Monitor
	}
	a.healthServer = health.NewServer(cfg.Server.Port, a.tracker, r.runs, cfg.Sources, a.scheduler, hosts, log)
	a.pruner = worker.NewPruner(cfg.Retention, r.runs, log)

	return a, nil
}

func (a *App) initStorage(ctx context.Context) (repos, error) {
	if a.cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, a.cfg.Database)
		if err != nil {
			return repos{}, fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := db.Migrate(ctx); err != nil {
			return repos{}, fmt.Errorf("failed to migrate db: %w", err)
		}
		a.log.Info("Using PostgreSQL storage")
		return repos{
			health:    postgres.NewHealthRepo(db),
			runs:      postgres.NewRunRepo(db),
			snapshots: postgres.NewSnapshotRepo(db),
		}, nil
	}

	var r repos
	if path := a.cfg.State.Path; path != "" && path != config.MemoryState {
		state, err := bolt.Open(path)
		if err != nil {
			return repos{}, fmt.Errorf("failed to open state file: %w", err)
		}
		a.state = state
		r = repos{
			health:    bolt.NewHealthRepo(state),
			runs:      bolt.NewRunRepo(state),
			snapshots: bolt.NewSnapshotRepo(state),
		}
		a.log.Info("Using local state file", "path", path)
	} else {
		store := memory.NewMemoryStorage()
		r = repos{
			health:    memory.NewHealthRepo(store),
			runs:      memory.NewRunRepo(store),
			snapshots: memory.NewSnapshotRepo(store),
		}
		a.log.Warn("Using in-memory storage; health and snapshots are lost on exit")
	}

	// Redis shares health across processes when there is no database.
	if a.redisClient != nil {
		r.health = redisclient.NewHealthRepo(a.redisClient)
		a.log.Info("Using Redis health records")
	}
	return r, nil
}

// Durable reports whether health and snapshots outlive the process.
func (a *App) Durable() bool {
	return a.db != nil || a.state != nil
}

func buildSink(cfg config.OutputConfig, log *slog.Logger) (output.Sink, error) {
	sinks := output.Multi{output.NewLocalSink(cfg.Dir, output.WithLocalLogger(log))}
	if cfg.S3.Bucket != "" {
		s3, err := output.NewS3Sink(
			output.WithBucket(cfg.S3.Bucket),
			output.WithPrefix(cfg.S3.Prefix),
			output.WithRegion(cfg.S3.Region),
			output.WithEndpoint(cfg.S3.Endpoint),
			output.WithForcePathStyle(cfg.S3.ForcePathStyle),
			output.WithS3Logger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to init s3 sink: %w", err)
		}
		sinks = append(sinks, s3)
	}
	return sinks, nil
}

func buildAlerter(cfg config.AlertConfig, log *slog.Logger) (alert.Alerter, error) {
	alerters := alert.Multi{alert.NewLogAlerter(log)}
	if cfg.SendGrid.APIKey != "" {
		sg, err := alert.NewSendGridAlerter(cfg.SendGrid)
		if err != nil {
			return nil, err
		}
		alerters = append(alerters, sg)
	}
	return alerters, nil
}

// Scheduler returns the scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Tracker returns the health tracker.
func (a *App) Tracker() *health.Tracker {
	return a.tracker
}

// Runs returns the run history repository.
func (a *App) Runs() storage.RunRepository {
	return a.runs
}

// Start starts the daemon: HTTP server, workers and the scheduler loop.
func (a *App) Start(ctx context.Context) error {
	// Start Health Server
	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	go a.pruner.Start(ctx)

	go func() {
		if err := a.scheduler.Start(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("Scheduler stopped", "error", err)
		}
	}()

	a.log.Info("Harvester started",
		"sources", len(a.cfg.Sources),
		"port", a.cfg.Server.Port,
		"window", a.cfg.Scheduler.WindowStart,
	)
	return nil
}

// RunOne harvests one source now.
func (a *App) RunOne(ctx context.Context, sourceID string) (*scheduler.Outcome, error) {
	return a.scheduler.RunOne(ctx, sourceID)
}

// RunCycle harvests every source once.
func (a *App) RunCycle(ctx context.Context) []*scheduler.Outcome {
	return a.scheduler.RunCycle(ctx)
}

// Stop stops the server and waits for in-flight runs.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping Harvester...")

	err := a.healthServer.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("Timed out waiting for in-flight runs")
	}

	a.Close()
	return err
}

// Close releases storage connections.
func (a *App) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redisClient = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
		a.db = nil
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.log.Warn("Failed to close state file", "error", err)
		}
		a.state = nil
	}
}
