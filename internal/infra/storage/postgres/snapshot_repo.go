package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// SnapshotRepo implements storage.SnapshotRepository using PostgreSQL.
type SnapshotRepo struct {
	db *DB
}

// NewSnapshotRepo creates a new PostgreSQL snapshot repository.
func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// Save replaces the snapshot for a source.
func (r *SnapshotRepo) Save(ctx context.Context, a *domain.Artifact) error {
	records, err := json.Marshal(a.Records)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot records: %w", err)
	}

	query := `
		INSERT INTO snapshots (source_id, run_id, run_at, status, records)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id) DO UPDATE SET
			run_id  = EXCLUDED.run_id,
			run_at  = EXCLUDED.run_at,
			status  = EXCLUDED.status,
			records = EXCLUDED.records
	`
	if _, err := r.db.ExecContext(ctx, query, a.SourceID, a.RunID, a.RunAt, string(a.Status), records); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Latest returns the snapshot for a source.
func (r *SnapshotRepo) Latest(ctx context.Context, sourceID string) (*domain.Artifact, error) {
	var dest struct {
		SourceID string    `db:"source_id"`
		RunID    string    `db:"run_id"`
		RunAt    time.Time `db:"run_at"`
		Status   string    `db:"status"`
		Records  []byte    `db:"records"`
	}

	err := r.db.GetContext(ctx, &dest,
		`SELECT source_id, run_id, run_at, status, records FROM snapshots WHERE source_id = $1`, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	a := &domain.Artifact{
		SourceID: dest.SourceID,
		RunID:    dest.RunID,
		RunAt:    dest.RunAt,
		Status:   domain.RunStatus(dest.Status),
	}
	if err := json.Unmarshal(dest.Records, &a.Records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot records: %w", err)
	}
	return a, nil
}
