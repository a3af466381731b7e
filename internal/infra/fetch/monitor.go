package fetch

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// HostStatus is the observed state of a remote host.
type HostStatus string

const (
	HostHealthy   HostStatus = "healthy"   // answering normally
	HostDegraded  HostStatus = "degraded"  // slow or erroring
	HostThrottled HostStatus = "throttled" // answering 429
	HostBlocked   HostStatus = "blocked"   // answering 403
)

// HostStats is a snapshot of one host's counters.
type HostStats struct {
	Host           string        `json:"host"`
	Status         HostStatus    `json:"status"`
	Requests       int           `json:"requests"`
	Failures       int           `json:"failures"`
	Throttle429    int           `json:"throttle_429"`
	Blocked403     int           `json:"blocked_403"`
	AverageLatency time.Duration `json:"average_latency"`
	RetryAfter     time.Duration `json:"retry_after"`
}

type hostState struct {
	latencies    []time.Duration
	requests     int
	failures     int
	count429     int
	count403     int
	lastThrottle time.Time
	retryAfter   time.Duration
}

// Monitor tracks per-host latency and throttling.
type Monitor struct {
	mu    sync.RWMutex
	hosts map[string]*hostState

	maxLatencyWindow      int
	slowResponseThreshold time.Duration
	now                   func() time.Time
}

// NewMonitor creates a monitor with default thresholds.
func NewMonitor() *Monitor {
	return &Monitor{
		hosts:                 make(map[string]*hostState),
		maxLatencyWindow:      100,
		slowResponseThreshold: 5 * time.Second,
		now:                   time.Now,
	}
}

func (m *Monitor) host(h string) *hostState {
	s, ok := m.hosts[h]
	if !ok {
		s = &hostState{}
		m.hosts[h] = s
	}
	return s
}

// RecordRequest records a completed request.
func (m *Monitor) RecordRequest(host string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.host(host)
	s.requests++
	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > m.maxLatencyWindow {
		s.latencies = s.latencies[1:]
	}
}

// RecordFailure records a transport failure or server error.
func (m *Monitor) RecordFailure(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.host(host)
	s.requests++
	s.failures++
}

// RecordThrottle records a 429 or 403 answer.
func (m *Monitor) RecordThrottle(host string, statusCode int, retryAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.host(host)
	s.requests++
	s.lastThrottle = m.now()

	switch statusCode {
	case 429:
		s.count429++
		s.retryAfter = time.Minute
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			s.retryAfter = time.Duration(secs) * time.Second
		}
	case 403:
		s.count403++
		s.retryAfter = 10 * time.Minute
	}
}

func (m *Monitor) status(s *hostState) HostStatus {
	throttled := m.now().Sub(s.lastThrottle) < s.retryAfter
	if s.count403 > 0 && throttled {
		return HostBlocked
	}
	if s.count429 > 0 && throttled {
		return HostThrottled
	}
	if s.requests >= 5 && float64(s.failures)/float64(s.requests) > 0.3 {
		return HostDegraded
	}
	if avg := average(s.latencies); len(s.latencies) > 10 && avg > m.slowResponseThreshold {
		return HostDegraded
	}
	return HostHealthy
}

// Stats returns a snapshot for every host seen, sorted by host.
func (m *Monitor) Stats() []HostStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]HostStats, 0, len(m.hosts))
	for h, s := range m.hosts {
		st := HostStats{
			Host:           h,
			Status:         m.status(s),
			Requests:       s.requests,
			Failures:       s.failures,
			Throttle429:    s.count429,
			Blocked403:     s.count403,
			AverageLatency: average(s.latencies),
		}
		if remaining := s.retryAfter - m.now().Sub(s.lastThrottle); remaining > 0 {
			st.RetryAfter = remaining
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func average(ls []time.Duration) time.Duration {
	if len(ls) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range ls {
		total += l
	}
	return total / time.Duration(len(ls))
}
