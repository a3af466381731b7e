package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/harvester/internal/harvesting/metrics"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// Pruner deletes run history older than the retention period.
type Pruner struct {
	retention time.Duration
	runs      storage.RunRepository
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker. A zero retention disables it.
func NewPruner(retention time.Duration, runs storage.RunRepository, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		retention: retention,
		runs:      runs,
		log:       log,
		now:       time.Now,
	}
}

// Interval is 10% of the retention period, between 1 minute and 1 hour.
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune deletes runs that ended before now - retention.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)

	n, err := p.runs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune run history", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		metrics.RunsPruned.Add(float64(n))
		p.log.Info("Pruned run history", "deleted", n, "cutoff", cutoff)
	}
	return n
}
