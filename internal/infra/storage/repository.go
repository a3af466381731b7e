package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("not found")
)

// HealthRepository stores one HealthRecord per source
type HealthRepository interface {
	// Get retrieves the health record for a source, ErrNotFound if none
	Get(ctx context.Context, sourceID string) (*domain.HealthRecord, error)

	// Save saves/updates a health record
	Save(ctx context.Context, rec *domain.HealthRecord) error

	// List retrieves every health record
	List(ctx context.Context) ([]*domain.HealthRecord, error)

	// Delete removes a health record (operator reset)
	Delete(ctx context.Context, sourceID string) error
}

// RunRepository is the append-only run history
type RunRepository interface {
	// Append records a finalized run
	Append(ctx context.Context, run *domain.Run) error

	// List retrieves the most recent runs for a source, newest first
	List(ctx context.Context, sourceID string, limit int) ([]*domain.Run, error)

	// Latest retrieves the newest run for each of the given sources
	Latest(ctx context.Context, sourceIDs []string) (map[string]*domain.Run, error)

	// DeleteOlderThan truncates history that ended before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotRepository keeps the last good artifact per source
type SnapshotRepository interface {
	// Save replaces the snapshot for the artifact's source
	Save(ctx context.Context, artifact *domain.Artifact) error

	// Latest retrieves a copy of the snapshot, ErrNotFound if none
	Latest(ctx context.Context, sourceID string) (*domain.Artifact, error)
}
