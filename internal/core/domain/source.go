package domain

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownSource is returned when a source id is not configured.
var ErrUnknownSource = errors.New("unknown source")

// EndpointKind is the protocol family an endpoint speaks.
type EndpointKind string

const (
	KindPaginatedQuery EndpointKind = "paginated-query"
	KindSQLQuery       EndpointKind = "sql-query"
	KindBulkDownload   EndpointKind = "bulk-download"
)

// Dialect selects the adapter that knows how to talk to an endpoint.
type Dialect string

const (
	DialectSocrata Dialect = "socrata"
	DialectArcGIS  Dialect = "arcgis"
	DialectCarto   Dialect = "carto"
	DialectCSV     Dialect = "csv"
)

// Endpoint is one concrete URL candidate for a Source.
type Endpoint struct {
	Rank     int               `yaml:"rank"      json:"rank"`
	URL      string            `yaml:"url"       json:"url"`
	Kind     EndpointKind      `yaml:"kind"      json:"kind"`
	Dialect  Dialect           `yaml:"dialect"   json:"dialect"`
	PageSize int               `yaml:"page_size" json:"page_size"`
	Params   map[string]string `yaml:"params"    json:"params,omitempty"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("#%d %s (%s)", e.Rank, e.URL, e.Dialect)
}

// FieldMap lists candidate field names in the raw payload for each canonical
// record field. The first non-empty candidate wins, except Address where all
// non-empty parts are joined.
type FieldMap struct {
	ID       []string `yaml:"id"        json:"id"`
	Address  []string `yaml:"address"   json:"address"`
	Category []string `yaml:"category"  json:"category"`
	Value    []string `yaml:"value"     json:"value"`
	IssuedAt []string `yaml:"issued_at" json:"issued_at"`
	Status   []string `yaml:"status"    json:"status"`
}

// Source is one configured remote permit provider.
type Source struct {
	ID        string     `yaml:"id"         json:"id"`
	Name      string     `yaml:"name"       json:"name"`
	Weight    int        `yaml:"weight"     json:"weight"`
	DateField string     `yaml:"date_field" json:"date_field"`
	Fields    FieldMap   `yaml:"fields"     json:"fields"`
	Endpoints []Endpoint `yaml:"endpoints"  json:"endpoints"`

	// Per-source overrides; zero means use the global setting.
	MinRecords int `yaml:"min_records" json:"min_records,omitempty"`
	MaxRecords int `yaml:"max_records" json:"max_records,omitempty"`
	DaysBack   int `yaml:"days_back"   json:"days_back,omitempty"`
}

// OrderedEndpoints returns a copy of the endpoints sorted by rank.
func (s Source) OrderedEndpoints() []Endpoint {
	eps := slices.Clone(s.Endpoints)
	slices.SortStableFunc(eps, func(a, b Endpoint) int {
		return a.Rank - b.Rank
	})
	return eps
}

// DisplayName returns Name, falling back to ID.
func (s Source) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
