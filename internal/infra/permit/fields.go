package permit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
)

// Row is one raw payload row keyed by source field name.
type Row map[string]any

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"1/2/2006",
}

// String returns the first non-empty candidate field as a string.
func (r Row) String(candidates []string) string {
	for _, name := range candidates {
		if s := stringify(r[name]); s != "" {
			return s
		}
	}
	return ""
}

// Join joins every non-empty candidate field with ", ".
func (r Row) Join(candidates []string) string {
	parts := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if s := stringify(r[name]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// Float parses the first non-empty candidate as a currency amount.
func (r Row) Float(candidates []string) float64 {
	s := r.String(candidates)
	if s == "" {
		return 0
	}
	s = strings.NewReplacer("$", "", ",", "").Replace(s)
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// Time parses the first candidate that holds a recognisable date. Numbers are
// treated as epoch milliseconds.
func (r Row) Time(candidates []string) time.Time {
	for _, name := range candidates {
		if t, ok := ParseTime(r[name]); ok {
			return t
		}
	}
	return time.Time{}
}

// ParseTime accepts RFC3339-ish strings, common US layouts and epoch millis.
func ParseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(x)).UTC(), true
	case int64:
		return time.UnixMilli(x).UTC(), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Time{}, false
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 1e11 {
			return time.UnixMilli(n).UTC(), true
		}
	}
	return time.Time{}, false
}

// Map converts a raw row into a canonical record.
func Map(row Row, fields domain.FieldMap) domain.Record {
	return domain.Record{
		ID:       row.String(fields.ID),
		Address:  row.Join(fields.Address),
		Category: row.String(fields.Category),
		Value:    row.Float(fields.Value),
		IssuedAt: row.Time(fields.IssuedAt),
		Status:   row.String(fields.Status),
	}
}

// InWindow reports whether a record falls inside the query's recency window.
// Records without a parseable issue date are kept.
func InWindow(rec domain.Record, q Query) bool {
	if rec.IssuedAt.IsZero() {
		return true
	}
	if !q.Since.IsZero() && rec.IssuedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && rec.IssuedAt.After(q.Until) {
		return false
	}
	return true
}

// MapRows maps and window-filters a batch of rows.
func MapRows(rows []Row, q Query) []domain.Record {
	out := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		rec := Map(row, q.Source.Fields)
		if InWindow(rec, q) {
			out = append(out, rec)
		}
	}
	return out
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
