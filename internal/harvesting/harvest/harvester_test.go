package harvest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/permit"
	"github.com/vietddude/harvester/internal/infra/permit/socrata"
	"github.com/vietddude/harvester/internal/infra/retry"
)

// stubFetcher answers from a handler and counts calls per URL.
type stubFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	handler func(req fetch.Request) (*fetch.Response, error)
}

func newStubFetcher(h func(req fetch.Request) (*fetch.Response, error)) *stubFetcher {
	return &stubFetcher{calls: make(map[string]int), handler: h}
}

func (s *stubFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	s.mu.Lock()
	s.calls[req.URL]++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.handler(req)
}

func (s *stubFetcher) count(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

// recordingSink keeps every artifact it is given.
type recordingSink struct {
	mu        sync.Mutex
	artifacts []*domain.Artifact
	ctxErrs   []error
}

func (s *recordingSink) Write(ctx context.Context, a *domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a.Clone())
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	return nil
}

func rows(from, n int) []byte {
	parts := make([]string, 0, n)
	for i := from; i < from+n; i++ {
		parts = append(parts, fmt.Sprintf(`{"permit_number":"P-%d","status":"Issued"}`, i))
	}
	return []byte("[" + strings.Join(parts, ",") + "]")
}

func ok(body []byte) (*fetch.Response, error) {
	return &fetch.Response{StatusCode: http.StatusOK, Body: body}, nil
}

func status(code int) (*fetch.Response, error) {
	return &fetch.Response{StatusCode: code, Body: []byte("error")}, nil
}

func offset(req fetch.Request) int {
	n, _ := strconv.Atoi(req.Query.Get("$offset"))
	return n
}

func testSource(endpoints ...domain.Endpoint) domain.Source {
	return domain.Source{
		ID:     "austin",
		Weight: 1,
		Fields: domain.FieldMap{
			ID:     []string{"permit_number"},
			Status: []string{"status"},
		},
		Endpoints: endpoints,
	}
}

func endpoint(rank int, url string, pageSize int) domain.Endpoint {
	return domain.Endpoint{
		Rank:     rank,
		URL:      url,
		Kind:     domain.KindPaginatedQuery,
		Dialect:  domain.DialectSocrata,
		PageSize: pageSize,
	}
}

var fastRetry = retry.Config{
	MaxRetries:    3,
	InitialDelay:  time.Millisecond,
	BackoffFactor: 2,
}

func newTestHarvester(f fetch.Fetcher, sink *recordingSink, cfg Config, opts ...Option) *Harvester {
	return New(f, socrata.New(), sink, cfg, fastRetry, opts...)
}

func TestHarvest_ThreeFailuresCheckpointsPartial(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		if offset(req) == 0 {
			return ok(rows(0, 10))
		}
		return status(http.StatusInternalServerError)
	})
	sink := &recordingSink{}
	h := newTestHarvester(f, sink, Config{})

	res := h.Harvest(context.Background(), testSource(endpoint(1, "https://a.test/permits", 10)))

	if res.Run.Status != domain.RunPartial {
		t.Fatalf("expected partial, got %s", res.Run.Status)
	}
	if res.Run.Records != 10 {
		t.Errorf("expected 10 records, got %d", res.Run.Records)
	}
	if res.BatchFailures != 3 {
		t.Errorf("expected 3 batch failures, got %d", res.BatchFailures)
	}
	if res.State() != StateAborted {
		t.Errorf("expected ABORTED, got %s", res.State())
	}
	if !res.Checkpointed {
		t.Error("expected checkpointed result")
	}
	// one good page, then three failing pages with three attempts each
	if got := f.count("https://a.test/permits"); got != 10 {
		t.Errorf("expected 10 fetches, got %d", got)
	}
	if res.Run.Error == "" {
		t.Error("expected run error to be recorded")
	}

	if len(sink.artifacts) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(sink.artifacts))
	}
	a := sink.artifacts[0]
	if !a.Partial || len(a.Records) != 10 {
		t.Errorf("checkpoint: partial=%v records=%d", a.Partial, len(a.Records))
	}
	if a.Records[0].ID != "P-0" || a.Records[9].ID != "P-9" {
		t.Errorf("unexpected checkpoint records: %s..%s", a.Records[0].ID, a.Records[9].ID)
	}
}

func TestHarvest_FallsBackToSecondEndpoint(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		if strings.HasPrefix(req.URL, "https://primary") {
			return status(http.StatusNotFound)
		}
		return ok(rows(0, 50))
	})
	sink := &recordingSink{}
	h := newTestHarvester(f, sink, Config{})

	res := h.Harvest(context.Background(), testSource(
		endpoint(2, "https://secondary.test/permits", 100),
		endpoint(1, "https://primary.test/permits", 100),
	))

	if res.Run.Status != domain.RunSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Run.Status, res.Run.Error)
	}
	if res.Run.Records != 50 {
		t.Errorf("expected 50 records, got %d", res.Run.Records)
	}
	if res.Run.Endpoint != "https://secondary.test/permits" {
		t.Errorf("expected secondary endpoint, got %s", res.Run.Endpoint)
	}
	if got := f.count("https://primary.test/permits"); got != 1 {
		t.Errorf("permanent failure should be tried once, got %d", got)
	}
	if len(sink.artifacts) != 0 {
		t.Errorf("successful run should not checkpoint, got %d writes", len(sink.artifacts))
	}
	if res.Artifact == nil || res.Artifact.Partial || len(res.Artifact.Records) != 50 {
		t.Errorf("unexpected final artifact: %+v", res.Artifact)
	}
}

func TestHarvest_TransientThenSuccess(t *testing.T) {
	calls := 0
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		calls++
		if calls <= 2 {
			return status(http.StatusInternalServerError)
		}
		return ok(rows(0, 10))
	})

	var waits []time.Duration
	h := newTestHarvester(f, &recordingSink{}, Config{},
		WithRetryOptions(retry.WithObserver(func(_ int, d time.Duration, _ error) {
			waits = append(waits, d)
		})))

	res := h.Harvest(context.Background(), testSource(endpoint(1, "https://a.test/permits", 100)))

	if res.Run.Status != domain.RunSuccess || res.Run.Records != 10 {
		t.Fatalf("expected success with 10 records, got %s/%d", res.Run.Status, res.Run.Records)
	}
	if len(waits) != 2 || waits[0] != time.Millisecond || waits[1] != 2*time.Millisecond {
		t.Errorf("expected waits [1ms 2ms], got %v", waits)
	}
}

func TestHarvest_SkipsIsolatedFailure(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		switch offset(req) {
		case 0:
			return ok(rows(0, 10))
		case 10:
			return status(http.StatusBadGateway)
		default:
			return ok(rows(20, 5))
		}
	})
	sink := &recordingSink{}
	h := newTestHarvester(f, sink, Config{})

	res := h.Harvest(context.Background(), testSource(endpoint(1, "https://a.test/permits", 10)))

	if res.Run.Status != domain.RunSuccess {
		t.Fatalf("expected success, got %s", res.Run.Status)
	}
	if res.Run.Records != 15 {
		t.Errorf("expected 15 records, got %d", res.Run.Records)
	}
	if res.BatchFailures != 1 {
		t.Errorf("expected 1 batch failure, got %d", res.BatchFailures)
	}
	if len(sink.artifacts) != 0 {
		t.Errorf("expected no checkpoint, got %d", len(sink.artifacts))
	}
}

func TestHarvest_NoEndpointAnswers(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		return status(http.StatusForbidden)
	})
	sink := &recordingSink{}
	h := newTestHarvester(f, sink, Config{})

	res := h.Harvest(context.Background(), testSource(
		endpoint(1, "https://a.test/permits", 10),
		endpoint(2, "https://b.test/permits", 10),
	))

	if res.Run.Status != domain.RunFailed {
		t.Fatalf("expected failed, got %s", res.Run.Status)
	}
	if res.Batches != 1 {
		t.Errorf("expected abort after first batch, got %d batches", res.Batches)
	}
	if res.Run.Endpoint != "" {
		t.Errorf("expected no winning endpoint, got %s", res.Run.Endpoint)
	}
	if len(sink.artifacts) != 1 || len(sink.artifacts[0].Records) != 0 {
		t.Fatalf("expected one empty checkpoint, got %d", len(sink.artifacts))
	}
	if sink.artifacts[0].Status != domain.RunFailed {
		t.Errorf("expected failed checkpoint status, got %s", sink.artifacts[0].Status)
	}
}

func TestHarvest_CancelFlushesPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		if offset(req) == 0 {
			return ok(rows(0, 10))
		}
		cancel()
		return nil, context.Canceled
	})
	sink := &recordingSink{}
	h := newTestHarvester(f, sink, Config{})

	res := h.Harvest(ctx, testSource(endpoint(1, "https://a.test/permits", 10)))

	if res.Run.Status != domain.RunPartial {
		t.Fatalf("expected partial, got %s", res.Run.Status)
	}
	if len(sink.artifacts) != 1 || len(sink.artifacts[0].Records) != 10 {
		t.Fatalf("expected flushed partial with 10 records")
	}
	if sink.ctxErrs[0] != nil {
		t.Errorf("flush should not see a cancelled context, got %v", sink.ctxErrs[0])
	}
	if res.State() != StateAborted {
		t.Errorf("expected ABORTED, got %s", res.State())
	}
	if !res.Run.Cancelled {
		t.Error("expected run to be tagged cancelled")
	}
}

func TestHarvest_SourceFailureIsNotCancelled(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		return &fetch.Response{StatusCode: http.StatusNotFound}, nil
	})
	h := newTestHarvester(f, &recordingSink{}, Config{})

	res := h.Harvest(context.Background(), testSource(endpoint(1, "https://a.test/permits", 10)))

	if res.Run.Status != domain.RunFailed || res.Run.Cancelled {
		t.Errorf("expected an uncancelled failure, got %s cancelled=%v", res.Run.Status, res.Run.Cancelled)
	}
}

func TestHarvest_DeduplicatesAcrossPages(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		if offset(req) == 0 {
			return ok(rows(1, 10)) // P-1..P-10
		}
		return ok(rows(5, 8)) // P-5..P-12
	})
	h := newTestHarvester(f, &recordingSink{}, Config{})

	res := h.Harvest(context.Background(), testSource(endpoint(1, "https://a.test/permits", 10)))

	if res.Run.Records != 12 {
		t.Errorf("expected 12 unique records, got %d", res.Run.Records)
	}
	if res.Duplicates != 6 {
		t.Errorf("expected 6 duplicates, got %d", res.Duplicates)
	}
}

func TestHarvest_RecordCeiling(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		return ok(rows(offset(req), 10))
	})
	h := newTestHarvester(f, &recordingSink{}, Config{MaxRecords: 15})

	res := h.Harvest(context.Background(), testSource(endpoint(1, "https://a.test/permits", 10)))

	if res.Run.Status != domain.RunSuccess || res.Run.Records != 15 {
		t.Fatalf("expected success with 15 records, got %s/%d", res.Run.Status, res.Run.Records)
	}
}

func TestHarvest_SourceOverridesCeiling(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		return ok(rows(offset(req), 10))
	})
	h := newTestHarvester(f, &recordingSink{}, Config{MaxRecords: 100})

	src := testSource(endpoint(1, "https://a.test/permits", 10))
	src.MaxRecords = 20
	res := h.Harvest(context.Background(), src)

	if res.Run.Records != 20 {
		t.Errorf("expected 20 records, got %d", res.Run.Records)
	}
}

func TestHarvest_PeriodicCheckpoint(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		if offset(req) == 0 {
			return ok(rows(0, 10))
		}
		return ok(rows(10, 3))
	})
	sink := &recordingSink{}
	h := newTestHarvester(f, sink, Config{CheckpointEvery: 1})

	res := h.Harvest(context.Background(), testSource(endpoint(1, "https://a.test/permits", 10)))

	if res.Run.Status != domain.RunSuccess || res.Run.Records != 13 {
		t.Fatalf("expected success with 13 records, got %s/%d", res.Run.Status, res.Run.Records)
	}
	if len(sink.artifacts) != 1 || len(sink.artifacts[0].Records) != 10 {
		t.Fatalf("expected one periodic checkpoint with 10 records, got %d writes", len(sink.artifacts))
	}

	var sawCheckpoint bool
	for _, tr := range res.Transitions {
		if tr.From == StateCheckpointing && tr.To == StateFetching {
			sawCheckpoint = true
		}
	}
	if !sawCheckpoint {
		t.Error("expected CHECKPOINTING -> FETCHING transition")
	}
}

func TestHarvest_SuccessWithNoRecords(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		return ok([]byte("[]"))
	})
	sink := &recordingSink{}
	h := newTestHarvester(f, sink, Config{})

	res := h.Harvest(context.Background(), testSource(endpoint(1, "https://a.test/permits", 10)))

	if res.Run.Status != domain.RunSuccess || res.Run.Records != 0 {
		t.Fatalf("expected empty success, got %s/%d", res.Run.Status, res.Run.Records)
	}
	if len(sink.artifacts) != 0 {
		t.Errorf("expected no checkpoint, got %d", len(sink.artifacts))
	}
}

func TestHarvest_SchemaMismatchIsPermanent(t *testing.T) {
	f := newStubFetcher(func(req fetch.Request) (*fetch.Response, error) {
		return ok([]byte(`{"error":"not an array"}`))
	})
	h := newTestHarvester(f, &recordingSink{}, Config{})

	res := h.Harvest(context.Background(), testSource(endpoint(1, "https://a.test/permits", 10)))

	if res.Run.Status != domain.RunFailed {
		t.Fatalf("expected failed, got %s", res.Run.Status)
	}
	if got := f.count("https://a.test/permits"); got != 1 {
		t.Errorf("schema mismatch should not be retried, got %d fetches", got)
	}
	if !strings.Contains(res.Run.Error, permit.ErrSchema.Error()) {
		t.Errorf("expected schema error, got %q", res.Run.Error)
	}
}
