package carto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/permit"
)

func TestAdapter_BuildRequest(t *testing.T) {
	since := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	q := permit.Query{
		Source: domain.Source{DateField: "issued_date"},
		Since:  since,
	}
	ep := domain.Endpoint{
		URL:      "https://phl.carto.com/api/v2/sql",
		PageSize: 200,
		Params:   map[string]string{"table": "permits"},
	}

	req, err := New().BuildRequest(ep, permit.Cursor{Offset: 400}, q)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT * FROM permits WHERE issued_date >= '2024-03-03' ORDER BY issued_date DESC LIMIT 200 OFFSET 400",
		req.Query.Get("q"))
}

func TestAdapter_BuildRequest_RejectsBadTable(t *testing.T) {
	ep := domain.Endpoint{URL: "https://x", Params: map[string]string{"table": "permits; DROP TABLE x"}}
	_, err := New().BuildRequest(ep, permit.Cursor{}, permit.Query{})
	assert.Error(t, err)
}

func TestAdapter_Normalize(t *testing.T) {
	q := permit.Query{Source: domain.Source{Fields: domain.FieldMap{
		ID:      []string{"permitnumber"},
		Address: []string{"address"},
	}}}

	page, err := New().Normalize(domain.Endpoint{}, []byte(`{"rows":[{"permitnumber":"P1","address":"5 Oak"}],"total_rows":1}`), q)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "P1", page.Records[0].ID)

	_, err = New().Normalize(domain.Endpoint{}, []byte(`{"error":["relation \"permits\" does not exist"]}`), q)
	assert.ErrorIs(t, err, permit.ErrSchema)
}
