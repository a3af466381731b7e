package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/storage/memory"
)

type stubRunner struct {
	triggered []string
	err       error
}

func (s *stubRunner) Trigger(id string) error {
	s.triggered = append(s.triggered, id)
	return s.err
}

type stubHosts struct{}

func (stubHosts) Stats() []fetch.HostStats {
	return []fetch.HostStats{{Host: "data.example.gov", Status: fetch.HostHealthy}}
}

func newTestServer(t *testing.T) (*Server, *Tracker, *stubRunner) {
	t.Helper()
	store := memory.NewMemoryStorage()
	tr := NewTracker(memory.NewHealthRepo(store), &recordingAlerter{}, 3, nil)
	runs := memory.NewRunRepo(store)
	for i := 0; i < 3; i++ {
		r := goodRun(i, 5)
		r.ID = string(rune('a' + i))
		_ = runs.Append(context.Background(), &r)
	}
	runner := &stubRunner{}
	sources := []domain.Source{{ID: "austin", Name: "Austin"}, {ID: "dallas"}}
	return NewServer(0, tr, runs, sources, runner, stubHosts{}, nil), tr, runner
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, tr, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	src := domain.Source{ID: "austin"}
	for i := 1; i <= 3; i++ {
		_, _ = tr.Record(context.Background(), src, failedRun(i))
	}

	rec = do(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with a critical source, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != string(StatusCritical) {
		t.Errorf("expected critical status, got %v", body["status"])
	}
}

func TestServer_SourceEndpoints(t *testing.T) {
	s, _, runner := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/health/sources")
	var report []SourceHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil || len(report) != 2 {
		t.Fatalf("unexpected sources report: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/sources/austin/runs?limit=2")
	var runs []domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/sources/austin/runs?limit=x")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/sources/nowhere/health")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown source, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/sources/dallas/run")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(runner.triggered) != 1 || runner.triggered[0] != "dallas" {
		t.Errorf("expected dallas to be triggered, got %v", runner.triggered)
	}

	rec = do(t, h, http.MethodGet, "/health/hosts")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 from hosts, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 from metrics, got %d", rec.Code)
	}
}
