package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/harvesting/alert"
	"github.com/vietddude/harvester/internal/infra/storage/memory"
)

// =============================================================================
// Helpers
// =============================================================================

var t0 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func failedRun(n int) domain.Run {
	return domain.Run{SourceID: "austin", Status: domain.RunFailed, EndedAt: t0.Add(time.Duration(n) * time.Hour), Error: "boom"}
}

func goodRun(n, records int) domain.Run {
	return domain.Run{SourceID: "austin", Status: domain.RunSuccess, Records: records, EndedAt: t0.Add(time.Duration(n) * time.Hour)}
}

type recordingAlerter struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
	return nil
}

func newTestTracker(al alert.Alerter) *Tracker {
	store := memory.NewMemoryStorage()
	return NewTracker(memory.NewHealthRepo(store), al, 3, nil)
}

// =============================================================================
// Apply
// =============================================================================

func TestApply_CancelledRunKeepsStreak(t *testing.T) {
	rec := domain.HealthRecord{SourceID: "austin", ConsecutiveFailures: 2, LastSuccessAt: t0}

	cancelled := failedRun(5)
	cancelled.Cancelled = true
	next, due := Apply(rec, cancelled, 3)

	if next.ConsecutiveFailures != 2 {
		t.Errorf("expected streak to stay at 2, got %d", next.ConsecutiveFailures)
	}
	if due {
		t.Error("a cancelled run must not alert")
	}
	if !next.LastRunAt.Equal(cancelled.EndedAt) || next.LastStatus != domain.RunFailed {
		t.Errorf("expected last run to be recorded, got %+v", next)
	}

	// A cancelled run that still collected records counts as a success.
	partial := domain.Run{SourceID: "austin", Status: domain.RunPartial, Records: 4, Cancelled: true, EndedAt: t0.Add(6 * time.Hour)}
	next, _ = Apply(next, partial, 3)
	if next.ConsecutiveFailures != 0 || !next.LastSuccessAt.Equal(partial.EndedAt) {
		t.Errorf("expected reset by partial records, got %+v", next)
	}
}

func TestApply_AlertCadence(t *testing.T) {
	var rec domain.HealthRecord
	var alerts []int

	for i := 1; i <= 10; i++ {
		var due bool
		rec, due = Apply(rec, failedRun(i), 3)
		if rec.ConsecutiveFailures != i {
			t.Fatalf("run %d: expected %d failures, got %d", i, i, rec.ConsecutiveFailures)
		}
		if due {
			alerts = append(alerts, i)
		}
	}

	want := []int{3, 6, 9}
	if len(alerts) != len(want) {
		t.Fatalf("expected alerts at %v, got %v", want, alerts)
	}
	for i := range want {
		if alerts[i] != want[i] {
			t.Errorf("expected alerts at %v, got %v", want, alerts)
		}
	}
	if !rec.LastAlertAt.Equal(failedRun(9).EndedAt) {
		t.Errorf("LastAlertAt should be the 9th failure, got %v", rec.LastAlertAt)
	}
}

func TestApply_SuccessResets(t *testing.T) {
	rec := domain.HealthRecord{SourceID: "austin", ConsecutiveFailures: 7}

	rec, due := Apply(rec, goodRun(1, 12), 3)
	if due || rec.ConsecutiveFailures != 0 {
		t.Fatalf("expected reset without alert, got %d/%v", rec.ConsecutiveFailures, due)
	}
	if !rec.LastSuccessAt.Equal(goodRun(1, 12).EndedAt) {
		t.Errorf("LastSuccessAt not updated")
	}

	// the counter restarts from zero after a reset
	for i := 2; i <= 4; i++ {
		rec, due = Apply(rec, failedRun(i), 3)
	}
	if !due || rec.ConsecutiveFailures != 3 {
		t.Errorf("expected alert at third failure after reset, got %d/%v", rec.ConsecutiveFailures, due)
	}
}

func TestApply_PartialWithRecordsResets(t *testing.T) {
	rec := domain.HealthRecord{ConsecutiveFailures: 2}
	run := domain.Run{SourceID: "austin", Status: domain.RunPartial, Records: 4, EndedAt: t0}

	rec, _ = Apply(rec, run, 3)
	if rec.ConsecutiveFailures != 0 || !rec.LastSuccessAt.Equal(t0) {
		t.Errorf("partial run with records should reset, got %+v", rec)
	}
}

func TestApply_EmptySuccessKeepsLastSuccess(t *testing.T) {
	prev := t0.Add(-24 * time.Hour)
	rec := domain.HealthRecord{ConsecutiveFailures: 2, LastSuccessAt: prev}

	rec, due := Apply(rec, goodRun(1, 0), 3)
	if due || rec.ConsecutiveFailures != 0 {
		t.Errorf("empty success should reset the streak, got %d", rec.ConsecutiveFailures)
	}
	if !rec.LastSuccessAt.Equal(prev) {
		t.Errorf("empty success must not move LastSuccessAt, got %v", rec.LastSuccessAt)
	}
	if rec.LastStatus != domain.RunSuccess {
		t.Errorf("expected last status success, got %s", rec.LastStatus)
	}
}

func TestStateOf(t *testing.T) {
	tests := []struct {
		failures int
		want     Status
	}{
		{0, StatusHealthy},
		{1, StatusDegraded},
		{2, StatusDegraded},
		{3, StatusCritical},
		{10, StatusCritical},
	}
	for _, tt := range tests {
		if got := StateOf(tt.failures, 3); got != tt.want {
			t.Errorf("StateOf(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func TestWorst(t *testing.T) {
	if got := Worst(nil); got != StatusHealthy {
		t.Errorf("empty report should be healthy, got %s", got)
	}
	report := []SourceHealth{{Status: StatusHealthy}, {Status: StatusDegraded}}
	if got := Worst(report); got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
	report = append(report, SourceHealth{Status: StatusCritical})
	if got := Worst(report); got != StatusCritical {
		t.Errorf("expected critical, got %s", got)
	}
}

// =============================================================================
// Tracker
// =============================================================================

func TestTracker_RecordSendsAlerts(t *testing.T) {
	al := &recordingAlerter{}
	tr := newTestTracker(al)
	src := domain.Source{ID: "austin", Name: "Austin"}
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		if _, err := tr.Record(ctx, src, failedRun(i)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if len(al.sent) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(al.sent))
	}
	if al.sent[0].ConsecutiveFailures != 3 || al.sent[1].ConsecutiveFailures != 6 {
		t.Errorf("unexpected alert counts: %d, %d", al.sent[0].ConsecutiveFailures, al.sent[1].ConsecutiveFailures)
	}
	if al.sent[0].SourceName != "Austin" || al.sent[0].LastError != "boom" {
		t.Errorf("unexpected alert: %+v", al.sent[0])
	}

	view, err := tr.View(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != StatusCritical || view.ConsecutiveFailures != 6 {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestTracker_ConcurrentUpdatesAreSerialized(t *testing.T) {
	tr := newTestTracker(&recordingAlerter{})
	src := domain.Source{ID: "austin"}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = tr.Record(ctx, src, failedRun(i))
		}(i)
	}
	wg.Wait()

	if got := tr.Failures(ctx, "austin"); got != 50 {
		t.Errorf("expected 50 failures, got %d", got)
	}
}

func TestTracker_ResetAndReport(t *testing.T) {
	tr := newTestTracker(nil)
	ctx := context.Background()
	sources := []domain.Source{{ID: "austin"}, {ID: "dallas"}}

	_, _ = tr.Record(ctx, sources[0], failedRun(1))

	report, err := tr.Report(ctx, sources)
	if err != nil {
		t.Fatal(err)
	}
	if len(report) != 2 || report[0].Status != StatusDegraded || report[1].Status != StatusHealthy {
		t.Fatalf("unexpected report: %+v", report)
	}

	if err := tr.Reset(ctx, "austin"); err != nil {
		t.Fatal(err)
	}
	if got := tr.Failures(ctx, "austin"); got != 0 {
		t.Errorf("expected 0 after reset, got %d", got)
	}
}
