package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// HealthRepo implements storage.HealthRepository as JSON blobs in one hash.
type HealthRepo struct {
	client *Client
}

// NewHealthRepo creates a new Redis-backed health repository.
func NewHealthRepo(client *Client) *HealthRepo {
	return &HealthRepo{client: client}
}

// Get retrieves the health record for a source.
func (r *HealthRepo) Get(ctx context.Context, sourceID string) (*domain.HealthRecord, error) {
	data, err := r.client.rdb.HGet(ctx, r.client.healthKey(), sourceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health record: %w", err)
	}

	var rec domain.HealthRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health record: %w", err)
	}
	return &rec, nil
}

// Save stores a health record.
func (r *HealthRepo) Save(ctx context.Context, rec *domain.HealthRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal health record: %w", err)
	}
	if err := r.client.rdb.HSet(ctx, r.client.healthKey(), rec.SourceID, data).Err(); err != nil {
		return fmt.Errorf("failed to set health record: %w", err)
	}
	return nil
}

// List retrieves every health record.
func (r *HealthRepo) List(ctx context.Context) ([]*domain.HealthRecord, error) {
	all, err := r.client.rdb.HGetAll(ctx, r.client.healthKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall failed: %w", err)
	}

	recs := make([]*domain.HealthRecord, 0, len(all))
	for _, data := range all {
		var rec domain.HealthRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SourceID < recs[j].SourceID })
	return recs, nil
}

// Delete removes a health record.
func (r *HealthRepo) Delete(ctx context.Context, sourceID string) error {
	return r.client.rdb.HDel(ctx, r.client.healthKey(), sourceID).Err()
}
