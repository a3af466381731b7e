// Package arcgis talks to ArcGIS REST FeatureServer query endpoints.
package arcgis

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

const timestampFormat = "2006-01-02 15:04:05"

type queryResponse struct {
	Features []struct {
		Attributes permit.Row `json:"attributes"`
	} `json:"features"`
	ExceededTransferLimit bool       `json:"exceededTransferLimit"`
	Error                 *errorBody `json:"error"`
}

// ArcGIS answers HTTP 200 with an embedded error object on failure.
type errorBody struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

// Adapter pages with resultOffset/resultRecordCount.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) BuildRequest(ep domain.Endpoint, cur permit.Cursor, q permit.Query) (fetch.Request, error) {
	if ep.URL == "" {
		return fetch.Request{}, retry.Permanent(fmt.Errorf("arcgis endpoint has no url"))
	}

	params := url.Values{
		"where":          {"1=1"},
		"outFields":      {"*"},
		"returnGeometry": {"false"},
		"f":              {"json"},
	}
	for k, v := range ep.Params {
		params.Set(k, v)
	}

	if field := q.Source.DateField; field != "" {
		where := fmt.Sprintf("%s >= TIMESTAMP '%s'", field, q.Since.Format(timestampFormat))
		if base := params.Get("where"); base != "" && base != "1=1" {
			where = "(" + base + ") AND " + where
		}
		params.Set("where", where)
		if params.Get("orderByFields") == "" {
			params.Set("orderByFields", field+" DESC")
		}
	}
	params.Set("resultOffset", strconv.Itoa(cur.Offset))
	params.Set("resultRecordCount", strconv.Itoa(permit.PageSize(ep, q)))

	return fetch.Request{URL: ep.URL, Query: params}, nil
}

func (a *Adapter) Classify(ep domain.Endpoint, resp *fetch.Response, err error) retry.Class {
	class := permit.DefaultClassify(resp, err)
	if class != retry.ClassSuccess {
		return class
	}

	var envelope struct {
		Error *errorBody `json:"error"`
	}
	if json.Unmarshal(resp.Body, &envelope) != nil || envelope.Error == nil {
		return retry.ClassSuccess
	}
	switch {
	case envelope.Error.Code == 429, envelope.Error.Code >= 500:
		return retry.ClassTransient
	default:
		return retry.ClassPermanent
	}
}

func (a *Adapter) Normalize(ep domain.Endpoint, payload []byte, q permit.Query) (permit.Page, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return permit.Page{}, permit.Schemaf("arcgis payload is not a JSON object")
	}

	var resp queryResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return permit.Page{}, permit.Schemaf("arcgis payload: %v", err)
	}
	if resp.Error != nil {
		return permit.Page{}, permit.Schemaf("arcgis error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Features == nil {
		return permit.Page{}, permit.Schemaf("arcgis payload has no features")
	}

	rows := make([]permit.Row, 0, len(resp.Features))
	for _, f := range resp.Features {
		rows = append(rows, f.Attributes)
	}

	return permit.Page{
		Records: permit.MapRows(rows, q),
		Rows:    len(rows),
		More:    resp.ExceededTransferLimit,
	}, nil
}

func (a *Adapter) NextCursor(ep domain.Endpoint, cur permit.Cursor, page permit.Page) (permit.Cursor, bool) {
	return permit.OffsetNextCursor(ep, cur, page)
}
