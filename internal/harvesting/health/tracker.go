package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/harvesting/alert"
	"github.com/vietddude/harvester/internal/harvesting/metrics"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// Tracker applies finished runs to persisted health records. Updates for one
// source are serialized; different sources proceed in parallel.
type Tracker struct {
	repo     storage.HealthRepository
	alerter  alert.Alerter
	interval int
	log      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTracker creates a Tracker. A nil alerter logs alerts.
func NewTracker(repo storage.HealthRepository, alerter alert.Alerter, interval int, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter(log)
	}
	if interval <= 0 {
		interval = DefaultAlertInterval
	}
	return &Tracker{
		repo:     repo,
		alerter:  alerter,
		interval: interval,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) lock(sourceID string) func() {
	t.mu.Lock()
	l, ok := t.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[sourceID] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns the stored record, or a fresh one if the source has none.
func (t *Tracker) Get(ctx context.Context, sourceID string) (domain.HealthRecord, error) {
	rec, err := t.repo.Get(ctx, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.HealthRecord{SourceID: sourceID}, nil
	}
	if err != nil {
		return domain.HealthRecord{}, err
	}
	return *rec, nil
}

// Failures returns the current failure streak, 0 when unknown.
func (t *Tracker) Failures(ctx context.Context, sourceID string) int {
	rec, err := t.Get(ctx, sourceID)
	if err != nil {
		t.log.Warn("Failed to read health record", "source", sourceID, "error", err)
		return 0
	}
	return rec.ConsecutiveFailures
}

// Record applies a finished run and sends an alert when one is due. Alert
// delivery failures are logged, not returned.
func (t *Tracker) Record(ctx context.Context, src domain.Source, run domain.Run) (domain.HealthRecord, error) {
	unlock := t.lock(src.ID)
	defer unlock()

	rec, err := t.Get(ctx, src.ID)
	if err != nil {
		return domain.HealthRecord{}, fmt.Errorf("load health: %w", err)
	}

	next, due := Apply(rec, run, t.interval)
	if err := t.repo.Save(ctx, &next); err != nil {
		return domain.HealthRecord{}, fmt.Errorf("save health: %w", err)
	}
	metrics.ConsecutiveFailures.WithLabelValues(src.ID).Set(float64(next.ConsecutiveFailures))

	if due {
		a := alert.Alert{
			SourceID:            src.ID,
			SourceName:          src.DisplayName(),
			ConsecutiveFailures: next.ConsecutiveFailures,
			LastSuccessAt:       next.LastSuccessAt,
			LastError:           run.Error,
			RunID:               run.ID,
			At:                  run.EndedAt,
		}
		if err := t.alerter.Send(ctx, a); err != nil {
			t.log.Error("Failed to send alert", "source", src.ID, "error", err)
		} else {
			metrics.AlertsSent.WithLabelValues(src.ID).Inc()
		}
	}

	if next.ConsecutiveFailures > 0 {
		t.log.Warn("Source unhealthy",
			"source", src.ID,
			"consecutive_failures", next.ConsecutiveFailures,
			"status", StateOf(next.ConsecutiveFailures, t.interval),
		)
	}
	return next, nil
}

// Reset clears the failure streak of a source.
func (t *Tracker) Reset(ctx context.Context, sourceID string) error {
	unlock := t.lock(sourceID)
	defer unlock()

	if err := t.repo.Delete(ctx, sourceID); err != nil {
		return err
	}
	metrics.ConsecutiveFailures.WithLabelValues(sourceID).Set(0)
	return nil
}

// View builds the operator view of one source.
func (t *Tracker) View(ctx context.Context, src domain.Source) (SourceHealth, error) {
	rec, err := t.Get(ctx, src.ID)
	if err != nil {
		return SourceHealth{}, err
	}
	return t.view(src, rec), nil
}

// Report builds the operator view of every configured source, in order.
func (t *Tracker) Report(ctx context.Context, sources []domain.Source) ([]SourceHealth, error) {
	recs, err := t.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.HealthRecord, len(recs))
	for _, r := range recs {
		byID[r.SourceID] = *r
	}

	out := make([]SourceHealth, 0, len(sources))
	for _, src := range sources {
		rec, ok := byID[src.ID]
		if !ok {
			rec = domain.HealthRecord{SourceID: src.ID}
		}
		out = append(out, t.view(src, rec))
	}
	return out, nil
}

func (t *Tracker) view(src domain.Source, rec domain.HealthRecord) SourceHealth {
	return SourceHealth{
		SourceID:            src.ID,
		Name:                src.DisplayName(),
		Status:              StateOf(rec.ConsecutiveFailures, t.interval),
		ConsecutiveFailures: rec.ConsecutiveFailures,
		LastSuccessAt:       rec.LastSuccessAt,
		LastAlertAt:         rec.LastAlertAt,
		LastRunAt:           rec.LastRunAt,
		LastStatus:          rec.LastStatus,
	}
}
