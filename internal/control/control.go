package control

import (
	"context"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/harvesting/health"
)

// SourceStatus is one row of the operator status table.
type SourceStatus struct {
	health.SourceHealth
	Weight   int         `json:"weight"`
	Priority int         `json:"priority"`
	LastRun  *domain.Run `json:"last_run,omitempty"`
}

// Status returns every source in next-cycle order with its health and most
// recent run.
func (a *App) Status(ctx context.Context) ([]SourceStatus, error) {
	ranked := a.scheduler.Order(ctx)

	ids := make([]string, 0, len(ranked))
	sources := make([]domain.Source, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.Source.ID)
		sources = append(sources, r.Source)
	}

	report, err := a.tracker.Report(ctx, sources)
	if err != nil {
		return nil, err
	}
	latest, err := a.runs.Latest(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]SourceStatus, len(ranked))
	for i, r := range ranked {
		out[i] = SourceStatus{
			SourceHealth: report[i],
			Weight:       r.Source.Weight,
			Priority:     r.Priority,
			LastRun:      latest[r.Source.ID],
		}
	}
	return out, nil
}

// ResetHealth clears the failure streak of a source.
func (a *App) ResetHealth(ctx context.Context, sourceID string) error {
	if _, ok := a.cfg.Source(sourceID); !ok {
		return domain.ErrUnknownSource
	}
	return a.tracker.Reset(ctx, sourceID)
}
