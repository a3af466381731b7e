// Package harvest runs one source through the endpoint chain page by page,
// absorbing isolated batch failures and checkpointing what it has when a run
// cannot finish.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/harvesting/metrics"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/output"
	"github.com/vietddude/harvester/internal/infra/permit"
	"github.com/vietddude/harvester/internal/infra/retry"
	"github.com/vietddude/harvester/internal/infra/routing"
)

// Config controls one run.
type Config struct {
	MaxRecords       int `yaml:"max_records"`        // ceiling per run
	DaysBack         int `yaml:"days_back"`          // recency window
	MaxBatchFailures int `yaml:"max_batch_failures"` // consecutive failures before abort
	CheckpointEvery  int `yaml:"checkpoint_every"`   // successful batches between checkpoints, 0 = off
}

// DefaultConfig returns the default run limits.
func DefaultConfig() Config {
	return Config{
		MaxRecords:       5000,
		DaysBack:         90,
		MaxBatchFailures: 3,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxRecords <= 0 {
		c.MaxRecords = d.MaxRecords
	}
	if c.DaysBack <= 0 {
		c.DaysBack = d.DaysBack
	}
	if c.MaxBatchFailures <= 0 {
		c.MaxBatchFailures = d.MaxBatchFailures
	}
	return c
}

// forSource applies per-source overrides.
func (c Config) forSource(src domain.Source) Config {
	if src.MaxRecords > 0 {
		c.MaxRecords = src.MaxRecords
	}
	if src.DaysBack > 0 {
		c.DaysBack = src.DaysBack
	}
	return c
}

// Result is the outcome of one harvest.
type Result struct {
	Run      domain.Run
	Artifact *domain.Artifact

	// Checkpointed is set when the final artifact was already written by the
	// harvester itself.
	Checkpointed bool

	Batches       int
	BatchFailures int
	Duplicates    int
	Transitions   []Transition
}

// State returns the terminal state of the run.
func (r *Result) State() State {
	if len(r.Transitions) == 0 {
		return StateStarted
	}
	return r.Transitions[len(r.Transitions)-1].To
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Harvester) {
		h.log = log
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Harvester) {
		h.now = now
	}
}

// WithRetryOptions passes options to every run's retry engine.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(h *Harvester) {
		h.retryOpts = append(h.retryOpts, opts...)
	}
}

// Harvester drives the batch state machine for one source at a time. It is
// safe for concurrent use across different sources.
type Harvester struct {
	fetcher   fetch.Fetcher
	adapter   permit.Adapter
	sink      output.Sink
	cfg       Config
	retryCfg  retry.Config
	retryOpts []retry.Option
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Harvester. Partial artifacts are written to sink.
func New(f fetch.Fetcher, a permit.Adapter, sink output.Sink, cfg Config, retryCfg retry.Config, opts ...Option) *Harvester {
	if sink == nil {
		sink = output.Discard{}
	}
	h := &Harvester{
		fetcher:  f,
		adapter:  a,
		sink:     sink,
		cfg:      cfg.WithDefaults(),
		retryCfg: retryCfg.WithDefaults(),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.retryOpts = append([]retry.Option{
		retry.WithObserver(func(_ int, delay time.Duration, _ error) {
			metrics.BackoffWaits.Observe(delay.Seconds())
		}),
	}, h.retryOpts...)
	return h
}

// run holds the mutable state of one harvest.
type run struct {
	src    domain.Source
	cfg    Config
	log    *slog.Logger
	fsm    *machine
	set    *ResultSet
	chain  *routing.Chain
	result *Result
}

// to moves the state machine, logging a rejected transition.
func (r *run) to(next State, reason string) {
	if err := r.fsm.to(next, reason); err != nil {
		r.log.Error("Invalid run transition", "to", next, "reason", reason, "error", err)
	}
}

// Harvest runs src to completion. Run failures are reported in the result,
// never as an error.
func (h *Harvester) Harvest(ctx context.Context, src domain.Source) *Result {
	cfg := h.cfg.forSource(src)
	now := h.now()
	r := &run{
		src: src,
		cfg: cfg,
		log: h.log.With("source", src.ID),
		fsm: newMachine(h.now),
		set: NewResultSet(),
		chain: routing.NewChain(src.Endpoints,
			retry.New(h.retryCfg, h.retryOpts...),
			h.log.With("source", src.ID)),
		result: &Result{
			Run: domain.Run{
				ID:        uuid.NewString(),
				SourceID:  src.ID,
				StartedAt: now,
				Attempts:  1,
			},
		},
	}

	q := permit.Query{
		Source: src,
		Since:  now.AddDate(0, 0, -cfg.DaysBack),
		Until:  now,
	}

	r.log.Info("Harvest started", "run_id", r.result.Run.ID, "endpoints", len(src.Endpoints))
	r.to(StateFetching, "run started")

	var (
		cur       permit.Cursor
		failures  int
		successes int
		lastErr   error
	)

	for {
		q.Limit = cfg.MaxRecords - r.set.Len()

		var page permit.Page
		ep, err := r.chain.Walk(ctx, func(ctx context.Context, ep domain.Endpoint) error {
			p, err := h.fetchPage(ctx, ep, cur, q)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		r.result.Batches++

		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				h.abort(ctx, r, "cancelled", err)
				break
			}
			if _, ok := r.chain.Winner(); !ok {
				h.abort(ctx, r, "no endpoint answered", err)
				break
			}

			failures++
			r.result.BatchFailures++
			metrics.BatchFailures.WithLabelValues(src.ID).Inc()
			r.log.Warn("Batch failed",
				"page", cur.Page,
				"offset", cur.Offset,
				"consecutive", failures,
				"error", err,
			)

			if failures >= cfg.MaxBatchFailures {
				h.abort(ctx, r, fmt.Sprintf("%d consecutive batch failures", failures), err)
				break
			}
			if ep.Kind == domain.KindBulkDownload {
				h.abort(ctx, r, "bulk download failed", err)
				break
			}

			cur = cur.Skip(permit.PageSize(ep, q))
			r.to(StateFetching, "skipping failed page")
			continue
		}

		failures = 0
		successes++
		r.set.Add(page.Records, cfg.MaxRecords)

		if r.set.Len() >= cfg.MaxRecords {
			h.succeed(r, "record ceiling reached")
			break
		}
		next, more := h.adapter.NextCursor(ep, cur, page)
		if !more {
			h.succeed(r, "no more pages")
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			h.abort(ctx, r, "cancelled", ctx.Err())
			break
		}

		if cfg.CheckpointEvery > 0 && successes%cfg.CheckpointEvery == 0 {
			r.to(StateCheckpointing, "periodic checkpoint")
			h.checkpoint(ctx, r, domain.RunPartial)
			r.to(StateFetching, "checkpoint written")
		} else {
			r.to(StateFetching, "next page")
		}
		cur = next
	}

	h.finalize(r, lastErr)
	return r.result
}

// fetchPage performs one attempt against one endpoint and classifies it.
func (h *Harvester) fetchPage(ctx context.Context, ep domain.Endpoint, cur permit.Cursor, q permit.Query) (permit.Page, error) {
	req, err := h.adapter.BuildRequest(ep, cur, q)
	if err != nil {
		return permit.Page{}, retry.Permanent(err)
	}

	resp, ferr := h.fetcher.Fetch(ctx, req)
	class := h.adapter.Classify(ep, resp, ferr)

	cause := ferr
	if cause == nil && resp != nil && class != retry.ClassSuccess {
		cause = fetch.NewStatusError(req.URL, resp)
	}

	switch class {
	case retry.ClassSuccess:
		if resp == nil {
			return permit.Page{}, retry.Transient(errors.New("empty response"))
		}
		return h.adapter.Normalize(ep, resp.Body, q)
	case retry.ClassTransient:
		return permit.Page{}, retry.Transient(cause)
	default:
		return permit.Page{}, retry.Permanent(cause)
	}
}

func (h *Harvester) succeed(r *run, reason string) {
	r.to(StateSucceeded, reason)
	r.result.Run.Status = domain.RunSuccess
}

// abort checkpoints whatever has been collected and ends the run. The
// artifact is written even when empty.
func (h *Harvester) abort(ctx context.Context, r *run, reason string, cause error) {
	r.to(StateCheckpointing, reason)

	status := domain.RunFailed
	if r.set.Len() > 0 {
		status = domain.RunPartial
	}
	r.result.Run.Status = status
	r.result.Run.Cancelled = ctx.Err() != nil

	h.checkpoint(ctx, r, status)
	r.result.Checkpointed = true
	r.to(StateAborted, reason)

	r.log.Warn("Harvest aborted",
		"reason", reason,
		"records", r.set.Len(),
		"error", cause,
	)
}

func (h *Harvester) checkpoint(ctx context.Context, r *run, status domain.RunStatus) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	a := h.artifact(r, status)
	a.Partial = true
	if err := h.sink.Write(ctx, a); err != nil {
		r.log.Error("Checkpoint write failed", "error", err)
		return
	}
	r.log.Info("Checkpoint written", "records", len(a.Records))
}

func (h *Harvester) artifact(r *run, status domain.RunStatus) *domain.Artifact {
	return &domain.Artifact{
		SourceID: r.src.ID,
		RunID:    r.result.Run.ID,
		RunAt:    r.result.Run.StartedAt,
		Status:   status,
		Records:  r.set.Records(),
	}
}

func (h *Harvester) finalize(r *run, lastErr error) {
	res := r.result
	res.Run.EndedAt = h.now()
	res.Run.Records = r.set.Len()
	if ep, ok := r.chain.Winner(); ok {
		res.Run.Endpoint = ep.URL
	}
	if res.Run.Status != domain.RunSuccess && lastErr != nil {
		res.Run.Error = lastErr.Error()
	}
	res.Duplicates = r.set.Duplicates()
	res.Transitions = r.fsm.history
	res.Artifact = h.artifact(r, res.Run.Status)
	res.Artifact.Partial = res.Run.Status != domain.RunSuccess

	metrics.RecordsHarvested.WithLabelValues(r.src.ID).Add(float64(res.Run.Records))
	r.log.Info("Harvest finished",
		"run_id", res.Run.ID,
		"status", res.Run.Status,
		"records", res.Run.Records,
		"endpoint", res.Run.Endpoint,
		"batches", res.Batches,
		"batch_failures", res.BatchFailures,
		"duration", res.Run.Duration(),
	)
}
