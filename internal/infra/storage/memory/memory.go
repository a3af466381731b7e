package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
)

type MemoryStorage struct {
	health    map[string]domain.HealthRecord
	runs      map[string][]domain.Run
	snapshots map[string]*domain.Artifact
	mu        sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		health:    make(map[string]domain.HealthRecord),
		runs:      make(map[string][]domain.Run),
		snapshots: make(map[string]*domain.Artifact),
	}
}

// -----------------------------------------------------------------------------
// Health Repository
// -----------------------------------------------------------------------------

type HealthRepo struct {
	store *MemoryStorage
}

func NewHealthRepo(store *MemoryStorage) *HealthRepo {
	return &HealthRepo{store: store}
}

func (r *HealthRepo) Get(ctx context.Context, sourceID string) (*domain.HealthRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.health[sourceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (r *HealthRepo) Save(ctx context.Context, rec *domain.HealthRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.health[rec.SourceID] = *rec
	return nil
}

func (r *HealthRepo) List(ctx context.Context) ([]*domain.HealthRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.HealthRecord, 0, len(r.store.health))
	for _, rec := range r.store.health {
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (r *HealthRepo) Delete(ctx context.Context, sourceID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.health, sourceID)
	return nil
}

// -----------------------------------------------------------------------------
// Run Repository
// -----------------------------------------------------------------------------

type RunRepo struct {
	store *MemoryStorage
}

func NewRunRepo(store *MemoryStorage) *RunRepo {
	return &RunRepo{store: store}
}

func (r *RunRepo) Append(ctx context.Context, run *domain.Run) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.runs[run.SourceID] = append(r.store.runs[run.SourceID], *run)
	return nil
}

func (r *RunRepo) List(ctx context.Context, sourceID string, limit int) ([]*domain.Run, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	runs := r.store.runs[sourceID]
	out := make([]*domain.Run, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		run := runs[i]
		out = append(out, &run)
	}
	return out, nil
}

func (r *RunRepo) Latest(ctx context.Context, sourceIDs []string) (map[string]*domain.Run, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[string]*domain.Run, len(sourceIDs))
	for _, id := range sourceIDs {
		runs := r.store.runs[id]
		if len(runs) == 0 {
			continue
		}
		run := runs[len(runs)-1]
		out[id] = &run
	}
	return out, nil
}

func (r *RunRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var deleted int64
	for id, runs := range r.store.runs {
		kept := runs[:0]
		for _, run := range runs {
			if run.EndedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, run)
		}
		r.store.runs[id] = kept
	}
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Snapshot Repository
// -----------------------------------------------------------------------------

type SnapshotRepo struct {
	store *MemoryStorage
}

func NewSnapshotRepo(store *MemoryStorage) *SnapshotRepo {
	return &SnapshotRepo{store: store}
}

func (r *SnapshotRepo) Save(ctx context.Context, artifact *domain.Artifact) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.snapshots[artifact.SourceID] = artifact.Clone()
	return nil
}

func (r *SnapshotRepo) Latest(ctx context.Context, sourceID string) (*domain.Artifact, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	a, ok := r.store.snapshots[sourceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}
