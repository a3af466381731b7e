package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks finished runs per source and status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_runs_total",
			Help: "Total number of finished harvest runs",
		},
		[]string{"source", "status"},
	)

	// RunDuration tracks how long runs take
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Harvest run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"source"},
	)

	// RecordsHarvested tracks normalized records accepted into runs
	RecordsHarvested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_records_harvested_total",
			Help: "Total number of records harvested",
		},
		[]string{"source"},
	)

	// BatchFailures tracks pages that could not be fetched
	BatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_batch_failures_total",
			Help: "Total number of failed batches",
		},
		[]string{"source"},
	)

	// EndpointFailovers tracks advances along an endpoint chain
	EndpointFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_endpoint_failovers_total",
			Help: "Total number of times an endpoint was abandoned for the next candidate",
		},
		[]string{"endpoint"},
	)

	// FetchRequests tracks raw requests per host and status code
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fetch_requests_total",
			Help: "Total number of fetch requests",
		},
		[]string{"host", "code"},
	)

	// FetchLatency tracks request latency
	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_latency_seconds",
			Help:    "Fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host"},
	)

	// BackoffWaits tracks retry waits
	BackoffWaits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_backoff_wait_seconds",
			Help:    "Retry backoff waits in seconds",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	// Fallbacks tracks snapshot substitutions
	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fallbacks_total",
			Help: "Total number of fallback snapshot substitutions",
		},
		[]string{"source"},
	)

	// AlertsSent tracks alerts per source
	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_alerts_sent_total",
			Help: "Total number of alerts sent",
		},
		[]string{"source"},
	)

	// ConsecutiveFailures mirrors the health record failure count
	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_source_consecutive_failures",
			Help: "Consecutive failed runs per source",
		},
		[]string{"source"},
	)

	// RunsPruned tracks run history rows removed by retention
	RunsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_runs_pruned_total",
			Help: "Total number of run history entries pruned",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of used connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
