// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheGetsTotal             *prometheus.CounterVec
	cacheWritesTotal           *prometheus.CounterVec
	cacheEvictionsTotal        *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	rateLimitDelaySeconds      *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	runningJobs                prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheGetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_circuit_cache_gets_total",
				Help: "Cache reads, labeled by tier and outcome (hit, miss, error).",
			},
			[]string{"tier", "outcome"},
		)

		cacheWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_circuit_cache_writes_total",
				Help: "Cache writes, labeled by tier, operation and result.",
			},
			[]string{"tier", "op", "result"},
		)

		cacheEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_circuit_cache_evictions_total",
				Help: "Cache evictions, labeled by tier and reason (capacity, age).",
			},
			[]string{"tier", "reason"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_circuit_fetches_total",
				Help: "Document fetches, labeled by status class.",
			},
			[]string{"status"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wiki_circuit_fetch_duration_seconds",
				Help:    "Histogram of document fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wiki_circuit_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_circuit_jobs_total",
				Help: "Jobs that reached a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		runningJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "wiki_circuit_running_jobs",
				Help: "Number of jobs currently running in this process.",
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
	return promhttp.Handler()
}

// ObserveCacheGet counts one tier read.
func ObserveCacheGet(tier, outcome string) {
	Init()
	cacheGetsTotal.WithLabelValues(tier, outcome).Inc()
}

// ObserveCacheWrite counts one tier write or delete.
func ObserveCacheWrite(tier, op, result string) {
	Init()
	cacheWritesTotal.WithLabelValues(tier, op, result).Inc()
}

// ObserveEviction counts one evicted entry.
func ObserveEviction(tier, reason string) {
	Init()
	cacheEvictionsTotal.WithLabelValues(tier, reason).Inc()
}

// ObserveFetch records a document fetch. A zero status code means the request
// failed before a response arrived.
func ObserveFetch(statusCode int, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(StatusClass(statusCode)).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records how long a request waited for its host's
// limiter.
func ObserveRateLimitDelay(host string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(delay.Seconds())
}

// ObserveJob increments the job counter for the given terminal state.
func ObserveJob(state string) {
	Init()
	jobsTotal.WithLabelValues(state).Inc()
}

// IncRunningJobs increments the running jobs gauge.
func IncRunningJobs() {
	Init()
	runningJobs.Inc()
}

// DecRunningJobs decrements the running jobs gauge.
func DecRunningJobs() {
	Init()
	runningJobs.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// StatusClass buckets an HTTP status code as "2xx", "4xx" and so on.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Middleware is a chi middleware that records HTTP request metrics by route
// pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
