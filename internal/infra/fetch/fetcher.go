// Package fetch performs single HTTP requests against permit endpoints.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/harvester/internal/harvesting/metrics"
	"github.com/vietddude/harvester/internal/infra/retry"
)

// DefaultMaxBodySize caps a response body when no limit is configured.
const DefaultMaxBodySize = 64 << 20

// ErrPayloadTooLarge is returned when a body exceeds the configured cap.
// Truncated payloads are never handed to adapters.
var ErrPayloadTooLarge = errors.New("payload too large")

// Request describes one request against one endpoint.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a raw endpoint answer. Any HTTP status is a Response; only
// transport problems are returned as errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// Fetcher performs one network request with a timeout.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// HTTPFetcher implements Fetcher over net/http.
type HTTPFetcher struct {
	httpClient  *http.Client
	userAgent   string
	maxBodySize int64

	Monitor *Monitor
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithMaxBodySize sets the largest body accepted. n <= 0 keeps the default.
func WithMaxBodySize(n int64) Option {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBodySize = n
		}
	}
}

// NewHTTPFetcher creates a fetcher with a per-request timeout.
func NewHTTPFetcher(timeout time.Duration, userAgent string, opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent:   userAgent,
		maxBodySize: DefaultMaxBodySize,
		Monitor:     NewMonitor(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch makes a single request.
func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (*Response, error) {
	start := time.Now()

	target, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(r.Query) > 0 {
		q := target.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if f.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	host := target.Host
	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.Monitor.RecordFailure(host)
		metrics.FetchRequests.WithLabelValues(host, "error").Inc()
		return nil, fmt.Errorf("fetch %s: %w", host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		f.Monitor.RecordFailure(host)
		metrics.FetchRequests.WithLabelValues(host, "error").Inc()
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > f.maxBodySize {
		metrics.FetchRequests.WithLabelValues(host, "too_large").Inc()
		return nil, retry.Permanent(fmt.Errorf("%w: %s exceeds %d bytes", ErrPayloadTooLarge, host, f.maxBodySize))
	}

	latency := time.Since(start)
	metrics.FetchRequests.WithLabelValues(host, fmt.Sprint(resp.StatusCode)).Inc()
	metrics.FetchLatency.WithLabelValues(host).Observe(latency.Seconds())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		f.Monitor.RecordThrottle(host, resp.StatusCode, resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusForbidden:
		f.Monitor.RecordThrottle(host, resp.StatusCode, "")
	case resp.StatusCode >= 500:
		f.Monitor.RecordFailure(host)
	default:
		f.Monitor.RecordRequest(host, latency)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Latency:    latency,
	}, nil
}

// StatusError is a non-2xx answer surfaced as an error by callers.
type StatusError struct {
	URL        string
	StatusCode int
	Snippet    string
}

func (e *StatusError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("%s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.URL, e.StatusCode, e.Snippet)
}

// NewStatusError builds a StatusError from a response, keeping a short body
// excerpt for logs.
func NewStatusError(url string, resp *Response) *StatusError {
	snippet := string(resp.Body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return &StatusError{URL: url, StatusCode: resp.StatusCode, Snippet: snippet}
}
