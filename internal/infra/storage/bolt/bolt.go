// Package bolt keeps health records, run history and snapshots in one local
// bbolt file, so separate invocations of the binary share state without a
// database server.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
)

// ErrLocked is returned when another process holds the state file.
var ErrLocked = errors.New("state file is in use by another process")

var (
	healthBucket   = []byte("health")
	runsBucket     = []byte("runs")
	snapshotBucket = []byte("snapshots")
)

// DB wraps the bbolt file.
type DB struct {
	db *bbolt.DB
}

// Open opens or creates the state file at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{healthBucket, runsBucket, snapshotBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init state file: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the state file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the file location.
func (d *DB) Path() string {
	return d.db.Path()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// -----------------------------------------------------------------------------
// Health Repository
// -----------------------------------------------------------------------------

type HealthRepo struct {
	db *DB
}

func NewHealthRepo(db *DB) *HealthRepo {
	return &HealthRepo{db: db}
}

func (r *HealthRepo) Get(ctx context.Context, sourceID string) (*domain.HealthRecord, error) {
	var rec domain.HealthRecord
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(healthBucket).Get([]byte(sourceID))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *HealthRepo) Save(ctx context.Context, rec *domain.HealthRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal health record: %w", err)
	}
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(healthBucket).Put([]byte(rec.SourceID), data)
	})
}

func (r *HealthRepo) List(ctx context.Context) ([]*domain.HealthRecord, error) {
	var out []*domain.HealthRecord
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(healthBucket).ForEach(func(_, v []byte) error {
			var rec domain.HealthRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (r *HealthRepo) Delete(ctx context.Context, sourceID string) error {
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(healthBucket).Delete([]byte(sourceID))
	})
}

// -----------------------------------------------------------------------------
// Run Repository
// -----------------------------------------------------------------------------

// RunRepo keeps one nested bucket per source, keyed by append sequence.
type RunRepo struct {
	db *DB
}

func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) Append(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(runsBucket).CreateBucketIfNotExists([]byte(run.SourceID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

func (r *RunRepo) List(ctx context.Context, sourceID string, limit int) ([]*domain.Run, error) {
	var out []*domain.Run
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(runsBucket).Bucket([]byte(sourceID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var run domain.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			out = append(out, &run)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return out, nil
}

func (r *RunRepo) Latest(ctx context.Context, sourceIDs []string) (map[string]*domain.Run, error) {
	out := make(map[string]*domain.Run, len(sourceIDs))
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		for _, id := range sourceIDs {
			b := runs.Bucket([]byte(id))
			if b == nil {
				continue
			}
			k, v := b.Cursor().Last()
			if k == nil {
				continue
			}
			var run domain.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			out[id] = &run
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest runs: %w", err)
	}
	return out, nil
}

func (r *RunRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		var sources [][]byte
		if err := runs.ForEach(func(k, v []byte) error {
			if v == nil {
				sources = append(sources, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, name := range sources {
			b := runs.Bucket(name)
			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var run domain.Run
				if err := json.Unmarshal(v, &run); err != nil {
					return err
				}
				if run.EndedAt.Before(cutoff) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Snapshot Repository
// -----------------------------------------------------------------------------

type SnapshotRepo struct {
	db *DB
}

func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

func (r *SnapshotRepo) Save(ctx context.Context, artifact *domain.Artifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(artifact.SourceID), data)
	})
}

func (r *SnapshotRepo) Latest(ctx context.Context, sourceID string) (*domain.Artifact, error) {
	var a domain.Artifact
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(snapshotBucket).Get([]byte(sourceID))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}
