package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/storage"
)

func TestRunRepo_ListNewestFirst(t *testing.T) {
	store := NewMemoryStorage()
	repo := NewRunRepo(store)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		run := &domain.Run{ID: string(rune('a' + i)), SourceID: "austin", EndedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := repo.Append(ctx, run); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	runs, err := repo.List(ctx, "austin", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("expected [c b], got %v", runs)
	}

	latest, _ := repo.Latest(ctx, []string{"austin", "dallas"})
	if latest["austin"].ID != "c" {
		t.Errorf("expected latest c, got %v", latest["austin"])
	}
	if _, ok := latest["dallas"]; ok {
		t.Error("dallas has no runs")
	}

	deleted, _ := repo.DeleteOlderThan(ctx, base.Add(90*time.Minute))
	if deleted != 2 {
		t.Errorf("expected 2 pruned, got %d", deleted)
	}
}

func TestSnapshotRepo_ReturnsCopies(t *testing.T) {
	repo := NewSnapshotRepo(NewMemoryStorage())
	ctx := context.Background()

	if _, err := repo.Latest(ctx, "austin"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	orig := &domain.Artifact{SourceID: "austin", RunID: "r1", Records: []domain.Record{{ID: "1"}}}
	if err := repo.Save(ctx, orig); err != nil {
		t.Fatalf("Save: %v", err)
	}
	orig.Records[0].ID = "mutated"

	got, _ := repo.Latest(ctx, "austin")
	got.Fallback = true
	got.Records = append(got.Records, domain.Record{ID: "2"})

	again, _ := repo.Latest(ctx, "austin")
	if again.Fallback || len(again.Records) != 1 || again.Records[0].ID != "1" {
		t.Errorf("snapshot was mutated through a returned copy: %+v", again)
	}
}

func TestHealthRepo_GetMissing(t *testing.T) {
	repo := NewHealthRepo(NewMemoryStorage())
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
