package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/harvester/internal/core/domain"
)

// RunRepo implements storage.RunRepository using PostgreSQL.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new PostgreSQL run history repository.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

const runColumns = `id, source_id, started_at, ended_at, status, records, endpoint, error_msg, attempts, cancelled`

// Append inserts a finalized run. Re-appending the same run is a no-op.
func (r *RunRepo) Append(ctx context.Context, run *domain.Run) error {
	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES (:id, :source_id, :started_at, :ended_at, :status, :records, :endpoint, :error_msg, :attempts, :cancelled)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("failed to append run: %w", err)
	}
	return nil
}

// List returns the newest runs for a source.
func (r *RunRepo) List(ctx context.Context, sourceID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	var runs []*domain.Run
	err := r.db.SelectContext(ctx, &runs,
		`SELECT `+runColumns+` FROM runs WHERE source_id = $1 ORDER BY ended_at DESC LIMIT $2`,
		sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Latest returns the newest run per source.
func (r *RunRepo) Latest(ctx context.Context, sourceIDs []string) (map[string]*domain.Run, error) {
	var runs []*domain.Run
	err := r.db.SelectContext(ctx, &runs, `
		SELECT DISTINCT ON (source_id) `+runColumns+`
		FROM runs
		WHERE source_id = ANY($1)
		ORDER BY source_id, ended_at DESC
	`, pq.Array(sourceIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get latest runs: %w", err)
	}

	out := make(map[string]*domain.Run, len(runs))
	for _, run := range runs {
		out[run.SourceID] = run
	}
	return out, nil
}

// DeleteOlderThan prunes history.
func (r *RunRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE ended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}
