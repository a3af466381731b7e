package permit

import (
	"fmt"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/infra/fetch"
	"github.com/vietddude/harvester/internal/infra/retry"
)

// Dispatcher routes every call to the adapter registered for the endpoint's
// dialect, so one source may mix dialects across its chain.
type Dispatcher struct {
	adapters map[domain.Dialect]Adapter
}

// NewDispatcher creates a dispatcher over the given dialects.
func NewDispatcher(adapters map[domain.Dialect]Adapter) *Dispatcher {
	return &Dispatcher{adapters: adapters}
}

// Supports reports whether a dialect is registered.
func (d *Dispatcher) Supports(dialect domain.Dialect) bool {
	_, ok := d.adapters[dialect]
	return ok
}

func (d *Dispatcher) get(ep domain.Endpoint) (Adapter, error) {
	a, ok := d.adapters[ep.Dialect]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("no adapter for dialect %q", ep.Dialect))
	}
	return a, nil
}

func (d *Dispatcher) BuildRequest(ep domain.Endpoint, cur Cursor, q Query) (fetch.Request, error) {
	a, err := d.get(ep)
	if err != nil {
		return fetch.Request{}, err
	}
	return a.BuildRequest(ep, cur, q)
}

func (d *Dispatcher) Classify(ep domain.Endpoint, resp *fetch.Response, err error) retry.Class {
	a, aerr := d.get(ep)
	if aerr != nil {
		return retry.ClassPermanent
	}
	return a.Classify(ep, resp, err)
}

func (d *Dispatcher) Normalize(ep domain.Endpoint, payload []byte, q Query) (Page, error) {
	a, err := d.get(ep)
	if err != nil {
		return Page{}, err
	}
	return a.Normalize(ep, payload, q)
}

func (d *Dispatcher) NextCursor(ep domain.Endpoint, cur Cursor, page Page) (Cursor, bool) {
	a, err := d.get(ep)
	if err != nil {
		return cur, false
	}
	return a.NextCursor(ep, cur, page)
}
