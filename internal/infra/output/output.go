// Package output delivers harvest artifacts to local disk and object storage.
package output

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
)

// Sink delivers one artifact.
type Sink interface {
	Write(ctx context.Context, a *domain.Artifact) error
}

// Header is the column order of every CSV artifact.
var Header = []string{"permit_number", "address", "type", "value", "issued_date", "status"}

// Key returns the relative object path for an artifact:
// <source>/<date>/<date>_<source>[_partial|_fallback].csv
func Key(a *domain.Artifact) string {
	date := a.RunAt.Format("2006-01-02")
	name := date + "_" + a.SourceID
	switch {
	case a.Fallback:
		name += "_fallback"
	case a.Partial:
		name += "_partial"
	}
	return path.Join(a.SourceID, date, name+".csv")
}

// EncodeCSV renders the artifact records with a header row. An empty
// artifact still yields the header.
func EncodeCSV(a *domain.Artifact) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, r := range a.Records {
		issued := ""
		if !r.IssuedAt.IsZero() {
			issued = r.IssuedAt.Format(time.DateOnly)
		}
		row := []string{
			r.ID,
			r.Address,
			r.Category,
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			issued,
			r.Status,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", r.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, a *domain.Artifact) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every artifact.
type Discard struct{}

func (Discard) Write(context.Context, *domain.Artifact) error { return nil }
