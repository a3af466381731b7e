// Package csvbulk reads whole-file CSV downloads.
package csvbulk

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/permit"
	"github.com/vietddude/harvester/internal/infra/retry"
)

// Adapter treats the whole download as a single page.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) BuildRequest(ep domain.Endpoint, cur permit.Cursor, q permit.Query) (fetch.Request, error) {
	if ep.URL == "" {
		return fetch.Request{}, retry.Permanent(fmt.Errorf("csv endpoint has no url"))
	}
	return fetch.Request{
		URL:    ep.URL,
		Header: map[string][]string{"Accept": {"text/csv, */*"}},
	}, nil
}

func (a *Adapter) Classify(ep domain.Endpoint, resp *fetch.Response, err error) retry.Class {
	class := permit.DefaultClassify(resp, err)
	if class != retry.ClassSuccess {
		return class
	}
	// Portals that moved a file often answer 200 with an HTML landing page.
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html") {
		return retry.ClassPermanent
	}
	return retry.ClassSuccess
}

func (a *Adapter) Normalize(ep domain.Endpoint, payload []byte, q permit.Query) (permit.Page, error) {
	payload = bytes.TrimPrefix(payload, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1
	if d := ep.Params["delimiter"]; len(d) == 1 {
		r.Comma = rune(d[0])
	}

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return permit.Page{}, permit.Schemaf("csv payload is empty")
	}
	if err != nil {
		return permit.Page{}, permit.Schemaf("csv header: %v", err)
	}
	if len(header) < 2 {
		return permit.Page{}, permit.Schemaf("csv header has %d columns", len(header))
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []permit.Row
	for {
		line, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return permit.Page{}, permit.Schemaf("csv row %d: %v", len(rows)+2, err)
		}
		row := make(permit.Row, len(header))
		for i, col := range header {
			if i < len(line) {
				row[col] = line[i]
			}
		}
		rows = append(rows, row)
	}

	return permit.Page{
		Records: permit.MapRows(rows, q),
		Rows:    len(rows),
	}, nil
}

func (a *Adapter) NextCursor(ep domain.Endpoint, cur permit.Cursor, page permit.Page) (permit.Cursor, bool) {
	return cur, false
}
