// Package socrata talks to Socrata Open Data (SODA) resources.
package socrata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/permit"
	"github.com/vietddude/harvester/internal/infra/retry"
)

const dateFormat = "2006-01-02T15:04:05"

// Adapter builds SoQL queries: $where on the source date field, newest first.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) BuildRequest(ep domain.Endpoint, cur permit.Cursor, q permit.Query) (fetch.Request, error) {
	if ep.URL == "" {
		return fetch.Request{}, retry.Permanent(fmt.Errorf("socrata endpoint has no url"))
	}

	params := url.Values{}
	for k, v := range ep.Params {
		params.Set(k, v)
	}

	if field := q.Source.DateField; field != "" {
		where := fmt.Sprintf("%s >= '%s' AND %s <= '%s'",
			field, q.Since.Format(dateFormat), field, q.Until.Format(dateFormat))
		if extra := ep.Params["$where"]; extra != "" {
			where = "(" + extra + ") AND " + where
		}
		params.Set("$where", where)
		if params.Get("$order") == "" {
			params.Set("$order", field+" DESC")
		}
	}
	params.Set("$limit", strconv.Itoa(permit.PageSize(ep, q)))
	params.Set("$offset", strconv.Itoa(cur.Offset))

	return fetch.Request{
		URL:    ep.URL,
		Query:  params,
		Header: map[string][]string{"Accept": {"application/json"}},
	}, nil
}

func (a *Adapter) Classify(ep domain.Endpoint, resp *fetch.Response, err error) retry.Class {
	return permit.DefaultClassify(resp, err)
}

func (a *Adapter) Normalize(ep domain.Endpoint, payload []byte, q permit.Query) (permit.Page, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return permit.Page{}, permit.Schemaf("socrata payload is not a JSON array")
	}

	var rows []permit.Row
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return permit.Page{}, permit.Schemaf("socrata payload: %v", err)
	}

	return permit.Page{
		Records: permit.MapRows(rows, q),
		Rows:    len(rows),
	}, nil
}

func (a *Adapter) NextCursor(ep domain.Endpoint, cur permit.Cursor, page permit.Page) (permit.Cursor, bool) {
	return permit.OffsetNextCursor(ep, cur, page)
}
