// Package metrics exposes Prometheus collectors for the keyword crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	providerCallsTotal          *prometheus.CounterVec
	providerCallDurationSeconds *prometheus.HistogramVec
	credentialMissesTotal       *prometheus.CounterVec
	credentialCooldownsTotal    *prometheus.CounterVec
	jobsTotal                   *prometheus.CounterVec
	jobsEnqueuedTotal           *prometheus.CounterVec
	batchDurationSeconds        *prometheus.HistogramVec
	keywordsDiscoveredTotal     *prometheus.CounterVec
	activeBatches               prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		providerCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygraph_provider_calls_total",
				Help: "Total number of provider calls, labeled by provider, operation and outcome.",
			},
			[]string{"provider", "operation", "outcome"},
		)

		providerCallDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygraph_provider_call_duration_seconds",
				Help:    "Histogram of provider call latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider", "operation"},
		)

		credentialMissesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygraph_credential_misses_total",
				Help: "Total number of calls rejected because no credential was admissible.",
			},
			[]string{"provider"},
		)

		credentialCooldownsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygraph_credential_cooldowns_total",
				Help: "Total number of cooldowns applied after provider throttling.",
			},
			[]string{"provider"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygraph_jobs_total",
				Help: "Total number of processed jobs, labeled by type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		jobsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygraph_jobs_enqueued_total",
				Help: "Total number of enqueued jobs, labeled by type.",
			},
			[]string{"type"},
		)

		batchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygraph_batch_duration_seconds",
				Help:    "Histogram of worker batch durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"type"},
		)

		keywordsDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygraph_keywords_discovered_total",
				Help: "Total number of newly inserted keywords, labeled by source.",
			},
			[]string{"source"},
		)

		activeBatches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "keygraph_active_batches",
				Help: "Number of worker batches currently running.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveProviderCall records one classified provider call.
func ObserveProviderCall(provider, operation, outcome string, duration time.Duration) {
	Init()
	providerCallsTotal.WithLabelValues(provider, operation, outcome).Inc()
	providerCallDurationSeconds.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// ObserveCredentialMiss counts a call that found no admissible credential.
func ObserveCredentialMiss(provider string) {
	Init()
	credentialMissesTotal.WithLabelValues(provider).Inc()
}

// ObserveCooldown counts a cooldown applied to a provider credential.
func ObserveCooldown(provider string) {
	Init()
	credentialCooldownsTotal.WithLabelValues(provider).Inc()
}

// ObserveJob increments the job counter for the given type and outcome.
func ObserveJob(jobType, outcome string) {
	Init()
	jobsTotal.WithLabelValues(jobType, outcome).Inc()
}

// ObserveJobs counts n jobs reaching outcome at once.
func ObserveJobs(jobType, outcome string, n int) {
	Init()
	jobsTotal.WithLabelValues(jobType, outcome).Add(float64(n))
}

// ObserveEnqueue counts an enqueued job.
func ObserveEnqueue(jobType string) {
	Init()
	jobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

// ObserveBatch records the duration of one worker batch.
func ObserveBatch(jobType string, duration time.Duration) {
	Init()
	batchDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// ObserveKeywordDiscovered counts a newly inserted keyword.
func ObserveKeywordDiscovered(source string) {
	Init()
	keywordsDiscoveredTotal.WithLabelValues(source).Inc()
}

// IncActiveBatches increments the active batches gauge.
func IncActiveBatches() {
	Init()
	activeBatches.Inc()
}

// DecActiveBatches decrements the active batches gauge.
func DecActiveBatches() {
	Init()
	activeBatches.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
