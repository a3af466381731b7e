// Package carto talks to the CARTO SQL API.
package carto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/permit"
	"github.com/vietddude/harvester/internal/infra/retry"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

type sqlResponse struct {
	Rows  []permit.Row `json:"rows"`
	Error []string     `json:"error"`
}

// Adapter issues SELECT ... LIMIT/OFFSET statements against Params["table"].
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) BuildRequest(ep domain.Endpoint, cur permit.Cursor, q permit.Query) (fetch.Request, error) {
	table := ep.Params["table"]
	if !identifier.MatchString(table) {
		return fetch.Request{}, retry.Permanent(fmt.Errorf("carto endpoint needs a valid table param, got %q", table))
	}

	stmt := "SELECT * FROM " + table
	if field := q.Source.DateField; field != "" {
		if !identifier.MatchString(field) {
			return fetch.Request{}, retry.Permanent(fmt.Errorf("invalid date field %q", field))
		}
		stmt += fmt.Sprintf(" WHERE %s >= '%s' ORDER BY %s DESC",
			field, q.Since.Format("2006-01-02"), field)
	}
	stmt += fmt.Sprintf(" LIMIT %d OFFSET %d", permit.PageSize(ep, q), cur.Offset)

	params := url.Values{"q": {stmt}}
	if key := ep.Params["api_key"]; key != "" {
		params.Set("api_key", key)
	}

	return fetch.Request{URL: ep.URL, Query: params}, nil
}

func (a *Adapter) Classify(ep domain.Endpoint, resp *fetch.Response, err error) retry.Class {
	return permit.DefaultClassify(resp, err)
}

func (a *Adapter) Normalize(ep domain.Endpoint, payload []byte, q permit.Query) (permit.Page, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return permit.Page{}, permit.Schemaf("carto payload is not a JSON object")
	}

	var resp sqlResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return permit.Page{}, permit.Schemaf("carto payload: %v", err)
	}
	if len(resp.Error) > 0 {
		return permit.Page{}, permit.Schemaf("carto error: %s", resp.Error[0])
	}
	if resp.Rows == nil {
		return permit.Page{}, permit.Schemaf("carto payload has no rows")
	}

	return permit.Page{
		Records: permit.MapRows(resp.Rows, q),
		Rows:    len(resp.Rows),
	}, nil
}

func (a *Adapter) NextCursor(ep domain.Endpoint, cur permit.Cursor, page permit.Page) (permit.Cursor, bool) {
	return permit.OffsetNextCursor(ep, cur, page)
}
