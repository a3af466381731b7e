package permit

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/retry"
)

// ErrSchema is returned by Normalize when a payload does not have the shape
// the dialect expects. It is always a permanent failure.
var ErrSchema = errors.New("schema mismatch")

// Cursor is the pagination position within one run.
type Cursor struct {
	Offset int
	Page   int
}

// Skip advances past a page of the given size without reading it.
func (c Cursor) Skip(pageSize int) Cursor {
	return Cursor{Offset: c.Offset + pageSize, Page: c.Page + 1}
}

// Query carries the run-level parameters every request needs.
type Query struct {
	Source domain.Source
	Since  time.Time
	Until  time.Time
	Limit  int // records still wanted in this run
}

// Page is one normalized batch.
type Page struct {
	Records []domain.Record
	Rows    int  // raw rows in the payload, before filtering
	More    bool // the payload itself signalled more data
}

// Adapter turns an endpoint into requests and raw payloads into records.
// Implementations are stateless and own no retry or fallback logic.
type Adapter interface {
	// BuildRequest describes the request for the page at cur.
	BuildRequest(ep domain.Endpoint, cur Cursor, q Query) (fetch.Request, error)

	// Classify labels a response or transport error.
	Classify(ep domain.Endpoint, resp *fetch.Response, err error) retry.Class

	// Normalize maps a payload to canonical records inside the recency window.
	Normalize(ep domain.Endpoint, payload []byte, q Query) (Page, error)

	// NextCursor returns the next position, or false at the end of pages.
	NextCursor(ep domain.Endpoint, cur Cursor, page Page) (Cursor, bool)
}

// PageSize returns the effective page size for an endpoint.
func PageSize(ep domain.Endpoint, q Query) int {
	size := ep.PageSize
	if size <= 0 {
		size = 1000
	}
	if q.Limit > 0 && q.Limit < size {
		size = q.Limit
	}
	return size
}

// OffsetNextCursor is the NextCursor shared by offset-paginated dialects: a
// short page ends pagination.
func OffsetNextCursor(ep domain.Endpoint, cur Cursor, page Page) (Cursor, bool) {
	size := ep.PageSize
	if size <= 0 {
		size = 1000
	}
	if page.Rows == 0 {
		return cur, false
	}
	if page.Rows < size && !page.More {
		return cur, false
	}
	return Cursor{Offset: cur.Offset + page.Rows, Page: cur.Page + 1}, true
}

// DefaultClassify treats transport errors, 408, 429 and 5xx as transient and
// every other non-2xx answer as permanent.
func DefaultClassify(resp *fetch.Response, err error) retry.Class {
	if err != nil {
		return retry.ClassOf(err)
	}
	if resp == nil {
		return retry.ClassTransient
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return retry.ClassSuccess
	case resp.StatusCode == 408, resp.StatusCode == 429, resp.StatusCode >= 500:
		return retry.ClassTransient
	default:
		return retry.ClassPermanent
	}
}

// Schemaf builds a permanent schema error.
func Schemaf(format string, args ...any) error {
	return retry.Permanent(fmt.Errorf("%w: %s", ErrSchema, fmt.Sprintf(format, args...)))
}
