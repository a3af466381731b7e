// Package routing walks a source's endpoint candidates in rank order.
//
// A Chain tries each endpoint under one retry budget, advances on permanent
// failure or exhaustion, and pins the first endpoint that answers for the rest
// of the run so pagination stays on one protocol instance.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/harvesting/metrics"
	"github.com/vietddude/harvester/internal/infra/retry"
)

// ErrChainExhausted is returned when every endpoint failed for one batch.
var ErrChainExhausted = errors.New("all endpoints exhausted")

// Operation performs one request against one endpoint.
type Operation func(ctx context.Context, ep domain.Endpoint) error

// EndpointStats holds per-endpoint counters for one run.
type EndpointStats struct {
	Successes        int
	Failures         int
	ConsecutiveFails int
	Attempts         int
	LastSuccessAt    time.Time
	LastFailureAt    time.Time
	LastError        string
}

// Chain is the endpoint walker for one run. It is not reused across runs.
type Chain struct {
	endpoints []domain.Endpoint
	engine    *retry.Engine
	log       *slog.Logger

	mu     sync.RWMutex
	winner int
	stats  map[string]*EndpointStats
}

// NewChain creates a walker over endpoints ordered by rank.
func NewChain(endpoints []domain.Endpoint, engine *retry.Engine, log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	ordered := domain.Source{Endpoints: endpoints}.OrderedEndpoints()
	stats := make(map[string]*EndpointStats, len(ordered))
	for _, ep := range ordered {
		stats[ep.URL] = &EndpointStats{}
	}
	return &Chain{
		endpoints: ordered,
		engine:    engine,
		log:       log,
		winner:    -1,
		stats:     stats,
	}
}

// Winner returns the pinned endpoint, if any.
func (c *Chain) Winner() (domain.Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.winner < 0 {
		return domain.Endpoint{}, false
	}
	return c.endpoints[c.winner], true
}

// Stats returns a copy of the counters for an endpoint URL.
func (c *Chain) Stats(url string) EndpointStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.stats[url]; ok {
		return *s
	}
	return EndpointStats{}
}

// Walk runs op against the pinned endpoint, or walks the chain in rank order
// when none is pinned yet.
func (c *Chain) Walk(ctx context.Context, op Operation) (domain.Endpoint, error) {
	if ep, ok := c.Winner(); ok {
		if err := c.try(ctx, ep, op); err != nil {
			return ep, fmt.Errorf("endpoint %s: %w", ep.URL, err)
		}
		return ep, nil
	}

	if len(c.endpoints) == 0 {
		return domain.Endpoint{}, fmt.Errorf("%w: no endpoints configured", ErrChainExhausted)
	}

	var lastErr error
	for i, ep := range c.endpoints {
		err := c.try(ctx, ep, op)
		if err == nil {
			c.mu.Lock()
			c.winner = i
			c.mu.Unlock()
			if i > 0 {
				c.log.Info("Endpoint chain settled on fallback", "endpoint", ep.URL, "rank", ep.Rank)
			}
			return ep, nil
		}
		if ctx.Err() != nil {
			return ep, err
		}

		lastErr = err
		metrics.EndpointFailovers.WithLabelValues(ep.URL).Inc()
		c.log.Warn("Endpoint failed, advancing chain",
			"endpoint", ep.URL,
			"rank", ep.Rank,
			"permanent", errors.Is(err, retry.ErrPermanent),
			"error", err,
		)
	}

	return domain.Endpoint{}, fmt.Errorf("%w: %w", ErrChainExhausted, lastErr)
}

func (c *Chain) try(ctx context.Context, ep domain.Endpoint, op Operation) error {
	attempts, err := c.engine.Do(ctx, func(ctx context.Context) error {
		return op(ctx, ep)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[ep.URL]
	if s == nil {
		s = &EndpointStats{}
		c.stats[ep.URL] = s
	}
	s.Attempts += attempts
	if err != nil {
		s.Failures++
		s.ConsecutiveFails++
		s.LastFailureAt = time.Now()
		s.LastError = err.Error()
		return err
	}
	s.Successes++
	s.ConsecutiveFails = 0
	s.LastSuccessAt = time.Now()
	return nil
}
