// Package scheduler decides which sources run, in what order, and what gets
// delivered when a run comes back thin.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/harvesting/harvest"
	"github.com/vietddude/harvester/internal/harvesting/metrics"
	"github.com/vietddude/harvester/internal/infra/output"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// ErrSourceBusy is returned when a run for the source is already in progress.
var ErrSourceBusy = errors.New("source run already in progress")

// Config controls cycle timing, concurrency and fallback.
type Config struct {
	WindowStart    string        `yaml:"window_start"`    // HH:MM
	Timezone       string        `yaml:"timezone"`        // IANA name
	WindowJitter   time.Duration `yaml:"window_jitter"`   // random offset added to the window start, negative = none
	MaxConcurrency int           `yaml:"max_concurrency"` // sources harvested at once
	RunRetries     int           `yaml:"run_retries"`     // extra attempts after a failed run, -1 = none
	RunRetryDelay  time.Duration `yaml:"run_retry_delay"` // multiplied by the attempt number
	MinRecords     int           `yaml:"min_records"`     // below this the snapshot is delivered
	PenaltyBase    int           `yaml:"penalty_base"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		WindowStart:    "06:00",
		Timezone:       "UTC",
		WindowJitter:   30 * time.Minute,
		MaxConcurrency: 4,
		RunRetries:     2,
		RunRetryDelay:  5 * time.Second,
		MinRecords:     1,
		PenaltyBase:    DefaultPenaltyBase,
		LockTTL:        2 * time.Hour,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.WindowStart == "" {
		c.WindowStart = d.WindowStart
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.WindowJitter == 0 {
		c.WindowJitter = d.WindowJitter
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	switch {
	case c.RunRetries == 0:
		c.RunRetries = d.RunRetries
	case c.RunRetries < 0:
		c.RunRetries = 0
	}
	if c.RunRetryDelay <= 0 {
		c.RunRetryDelay = d.RunRetryDelay
	}
	if c.MinRecords <= 0 {
		c.MinRecords = d.MinRecords
	}
	if c.PenaltyBase <= 0 {
		c.PenaltyBase = d.PenaltyBase
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Harvester runs one source to completion.
type Harvester interface {
	Harvest(ctx context.Context, src domain.Source) *harvest.Result
}

// HealthRecorder folds finished runs into health state.
type HealthRecorder interface {
	Record(ctx context.Context, src domain.Source, run domain.Run) (domain.HealthRecord, error)
	Failures(ctx context.Context, sourceID string) int
}

// Locker is a cross-process run lock. Locks expire after ttl unless
// refreshed; the scheduler refreshes held locks every ttl/3.
type Locker interface {
	TryLock(ctx context.Context, sourceID string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, sourceID string, ttl time.Duration) error
	Unlock(ctx context.Context, sourceID string) error
}

// Outcome is what one scheduled run produced.
type Outcome struct {
	Run       domain.Run
	Health    domain.HealthRecord
	Delivered *domain.Artifact // nil when nothing was delivered
	Fallback  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker adds a cross-process lock on top of the in-process one.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) {
		s.locker = l
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithRand overrides the jitter source. rnd must return a value in [0, n).
func WithRand(rnd func(n int64) int64) Option {
	return func(s *Scheduler) {
		s.rnd = rnd
	}
}

// Scheduler owns the source list and drives harvests.
type Scheduler struct {
	cfg       Config
	loc       *time.Location
	sources   []domain.Source
	byID      map[string]domain.Source
	harvester Harvester
	health    HealthRecorder
	runs      storage.RunRepository
	snapshots storage.SnapshotRepository
	sink      output.Sink
	locker    Locker
	log       *slog.Logger
	now       func() time.Time
	rnd       func(n int64) int64

	mu      sync.Mutex
	running map[string]*sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(
	cfg Config,
	sources []domain.Source,
	harvester Harvester,
	health HealthRecorder,
	runs storage.RunRepository,
	snapshots storage.SnapshotRepository,
	sink output.Sink,
	opts ...Option,
) (*Scheduler, error) {
	cfg = cfg.WithDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	if _, _, err := ParseClock(cfg.WindowStart); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = output.Discard{}
	}

	s := &Scheduler{
		cfg:       cfg,
		loc:       loc,
		sources:   sources,
		byID:      make(map[string]domain.Source, len(sources)),
		harvester: harvester,
		health:    health,
		runs:      runs,
		snapshots: snapshots,
		sink:      sink,
		log:       slog.Default(),
		now:       time.Now,
		rnd:       rand.Int64N,
		running:   make(map[string]*sync.Mutex),
		baseCtx:   context.Background(),
	}
	for _, src := range sources {
		s.byID[src.ID] = src
		s.running[src.ID] = &sync.Mutex{}
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Sources returns the configured sources.
func (s *Scheduler) Sources() []domain.Source {
	return s.sources
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

func (s *Scheduler) source(id string) (domain.Source, error) {
	src, ok := s.byID[id]
	if !ok {
		return domain.Source{}, fmt.Errorf("%w: %s", domain.ErrUnknownSource, id)
	}
	return src, nil
}

// acquire takes the run lock for a source or returns ErrSourceBusy.
func (s *Scheduler) acquire(ctx context.Context, id string) (func(), error) {
	local := s.running[id]
	if !local.TryLock() {
		return nil, ErrSourceBusy
	}
	if s.locker == nil {
		return local.Unlock, nil
	}

	ok, err := s.locker.TryLock(ctx, id, s.cfg.LockTTL)
	if err != nil {
		// A lock store outage must not stop harvesting.
		s.log.Warn("Run lock unavailable, continuing with local lock", "source", id, "error", err)
		return local.Unlock, nil
	}
	if !ok {
		local.Unlock()
		return nil, ErrSourceBusy
	}

	lockCtx := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go s.keepLock(lockCtx, id, stop, done)

	return func() {
		close(stop)
		<-done
		if err := s.locker.Unlock(lockCtx, id); err != nil {
			s.log.Warn("Failed to release run lock", "source", id, "error", err)
		}
		local.Unlock()
	}, nil
}

// keepLock extends the external lock until stop is closed.
func (s *Scheduler) keepLock(ctx context.Context, id string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.locker.Refresh(ctx, id, s.cfg.LockTTL); err != nil {
				s.log.Warn("Failed to refresh run lock", "source", id, "error", err)
			}
		}
	}
}

// RunOne harvests one source now and waits for the outcome.
func (s *Scheduler) RunOne(ctx context.Context, id string) (*Outcome, error) {
	src, err := s.source(id)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.run(ctx, src), nil
}

// Trigger starts a run in the background. It fails fast when the source is
// unknown or already running.
func (s *Scheduler) Trigger(id string) error {
	src, err := s.source(id)
	if err != nil {
		return err
	}
	ctx := s.context()
	release, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		s.run(ctx, src)
	}()
	return nil
}

// Wait blocks until background runs started by Trigger finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Order ranks sources for the next cycle.
func (s *Scheduler) Order(ctx context.Context) []Ranked {
	return Order(s.sources, func(id string) int {
		return s.health.Failures(ctx, id)
	}, s.cfg.PenaltyBase)
}

// RunCycle harvests every source once, highest priority first, with bounded
// concurrency. Outcomes are returned in priority order; sources that were
// busy have a nil outcome.
func (s *Scheduler) RunCycle(ctx context.Context) []*Outcome {
	ranked := s.Order(ctx)
	outcomes := make([]*Outcome, len(ranked))

	s.log.Info("Cycle started", "sources", len(ranked), "concurrency", s.cfg.MaxConcurrency)
	start := s.now()

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, r := range ranked {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := s.RunOne(ctx, r.Source.ID)
			if err != nil {
				s.log.Warn("Skipping source", "source", r.Source.ID, "error", err)
				return nil
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	var ok, partial, failed, fallback int
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		switch o.Run.Status {
		case domain.RunSuccess:
			ok++
		case domain.RunPartial:
			partial++
		default:
			failed++
		}
		if o.Fallback {
			fallback++
		}
	}
	s.log.Info("Cycle finished",
		"success", ok,
		"partial", partial,
		"failed", failed,
		"fallback", fallback,
		"duration", s.now().Sub(start),
	)
	return outcomes
}

// run performs the harvest with scheduler-level retries, then records and
// delivers the result. The caller holds the source lock.
func (s *Scheduler) run(ctx context.Context, src domain.Source) *Outcome {
	log := s.log.With("source", src.ID)

	var res *harvest.Result
	attempts := 0
	for {
		attempts++
		res = s.harvester.Harvest(ctx, src)
		if res.Run.Status != domain.RunFailed || attempts > s.cfg.RunRetries || ctx.Err() != nil {
			break
		}

		wait := s.cfg.RunRetryDelay * time.Duration(attempts)
		log.Warn("Run failed, retrying", "attempt", attempts, "wait", wait, "error", res.Run.Error)
		if !sleep(ctx, wait) {
			break
		}
	}
	run := res.Run
	run.Attempts = attempts

	// Run history and health outlive a cancelled cycle.
	persistCtx := context.WithoutCancel(ctx)

	metrics.RunsTotal.WithLabelValues(src.ID, string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(src.ID).Observe(run.Duration().Seconds())
	if err := s.runs.Append(persistCtx, &run); err != nil {
		log.Error("Failed to append run", "run_id", run.ID, "error", err)
	}

	out := &Outcome{Run: run}
	rec, err := s.health.Record(persistCtx, src, run)
	if err != nil {
		log.Error("Failed to record health", "error", err)
	}
	out.Health = rec

	s.deliver(persistCtx, log, src, res, out)
	return out
}

func (s *Scheduler) deliver(ctx context.Context, log *slog.Logger, src domain.Source, res *harvest.Result, out *Outcome) {
	run := out.Run
	fresh := res.Artifact
	if fresh == nil {
		fresh = &domain.Artifact{SourceID: src.ID, RunID: run.ID, RunAt: run.StartedAt, Status: run.Status}
	}

	threshold := s.cfg.MinRecords
	if src.MinRecords > 0 {
		threshold = src.MinRecords
	}

	if run.Records >= threshold {
		if !res.Checkpointed {
			s.write(ctx, log, fresh)
		}
		out.Delivered = fresh
		if run.Status == domain.RunSuccess {
			if err := s.snapshots.Save(ctx, fresh); err != nil {
				log.Error("Failed to save snapshot", "error", err)
			}
		}
		return
	}

	snap, err := s.snapshots.Latest(ctx, src.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("Failed to load snapshot", "error", err)
		}
		log.Warn("No snapshot to fall back to, delivering fresh result",
			"records", run.Records,
			"threshold", threshold,
		)
		if !res.Checkpointed {
			s.write(ctx, log, fresh)
		}
		out.Delivered = fresh
		return
	}

	fb := snap.Clone()
	fb.Fallback = true
	fb.FallbackFrom = snap.RunID
	fb.SnapshotAt = snap.RunAt
	fb.RunID = run.ID
	fb.RunAt = run.StartedAt
	fb.Status = run.Status
	fb.Partial = false

	s.write(ctx, log, fb)
	metrics.Fallbacks.WithLabelValues(src.ID).Inc()
	log.Warn("Delivered fallback snapshot",
		"records", len(fb.Records),
		"snapshot_run", snap.RunID,
		"snapshot_at", snap.RunAt,
		"fresh_records", run.Records,
	)
	out.Delivered = fb
	out.Fallback = true
}

func (s *Scheduler) write(ctx context.Context, log *slog.Logger, a *domain.Artifact) {
	if err := s.sink.Write(ctx, a); err != nil {
		log.Error("Failed to deliver artifact", "error", err)
	}
}

// Start runs a cycle at every daily window until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	for {
		next, err := NextWindow(s.now(), s.cfg.WindowStart, s.loc, s.cfg.WindowJitter, s.rnd)
		if err != nil {
			return err
		}
		wait := next.Sub(s.now())
		s.log.Info("Next cycle scheduled", "at", next, "in", wait.Round(time.Second))

		if !sleep(ctx, wait) {
			s.wg.Wait()
			return ctx.Err()
		}
		s.RunCycle(ctx)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
