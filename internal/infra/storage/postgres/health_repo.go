package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// HealthRepo implements storage.HealthRepository using PostgreSQL.
type HealthRepo struct {
	db *DB
}

// NewHealthRepo creates a new PostgreSQL health repository.
func NewHealthRepo(db *DB) *HealthRepo {
	return &HealthRepo{db: db}
}

const healthColumns = `source_id, consecutive_failures, last_success_at, last_alert_at, last_run_at, last_status`

// Get returns the health record for a source.
func (r *HealthRepo) Get(ctx context.Context, sourceID string) (*domain.HealthRecord, error) {
	var rec domain.HealthRecord
	err := r.db.GetContext(ctx, &rec,
		`SELECT `+healthColumns+` FROM source_health WHERE source_id = $1`, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health record: %w", err)
	}
	return &rec, nil
}

// Save upserts a health record.
func (r *HealthRepo) Save(ctx context.Context, rec *domain.HealthRecord) error {
	query := `
		INSERT INTO source_health (source_id, consecutive_failures, last_success_at, last_alert_at, last_run_at, last_status, updated_at)
		VALUES (:source_id, :consecutive_failures, :last_success_at, :last_alert_at, :last_run_at, :last_status, NOW())
		ON CONFLICT (source_id) DO UPDATE SET
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_success_at      = EXCLUDED.last_success_at,
			last_alert_at        = EXCLUDED.last_alert_at,
			last_run_at          = EXCLUDED.last_run_at,
			last_status          = EXCLUDED.last_status,
			updated_at           = NOW()
	`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save health record: %w", err)
	}
	return nil
}

// List returns every health record ordered by source.
func (r *HealthRepo) List(ctx context.Context) ([]*domain.HealthRecord, error) {
	var recs []*domain.HealthRecord
	if err := r.db.SelectContext(ctx, &recs,
		`SELECT `+healthColumns+` FROM source_health ORDER BY source_id`); err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}
	return recs, nil
}

// Delete removes a health record.
func (r *HealthRepo) Delete(ctx context.Context, sourceID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM source_health WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("failed to delete health record: %w", err)
	}
	return nil
}
