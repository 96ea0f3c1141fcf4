// Package metrics exposes Prometheus collectors for the run queue.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobtracker_runs_enqueued_total",
			Help: "Total number of runs enqueued, labeled by source and trigger.",
		},
		[]string{"source", "trigger"},
	)

	runsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobtracker_runs_claimed_total",
			Help: "Total number of runs claimed by workers, labeled by source.",
		},
		[]string{"source"},
	)

	runsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobtracker_runs_finished_total",
			Help: "Total number of runs finalized, labeled by source and status.",
		},
		[]string{"source", "status"},
	)

	runDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobtracker_run_duration_seconds",
			Help:    "Histogram of run durations from claim to finalize, labeled by source.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"source"},
	)

	recordsMergedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobtracker_records_merged_total",
			Help: "Total number of collected records, labeled by source and merge outcome.",
		},
		[]string{"source", "outcome"},
	)

	runsReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobtracker_runs_reclaimed_total",
			Help: "Total number of stale runs failed by the recovery sweep, labeled by source.",
		},
		[]string{"source"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobtracker_active_workers",
			Help: "Number of workers currently executing a run.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobtracker_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
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
)

// Merge outcome labels.
const (
	OutcomeNew     = "new"
	OutcomeUpdated = "updated"
	OutcomeFailed  = "failed"
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveEnqueue increments the enqueue counter.
func ObserveEnqueue(source, trigger string) {
	runsEnqueuedTotal.WithLabelValues(source, trigger).Inc()
}

// ObserveClaim increments the claim counter.
func ObserveClaim(source string) {
	runsClaimedTotal.WithLabelValues(source).Inc()
}

// ObserveRunFinished records a finalized run and its duration.
func ObserveRunFinished(source, status string, duration time.Duration) {
	runsFinishedTotal.WithLabelValues(source, status).Inc()
	runDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveMerge increments the merge counter for one record.
func ObserveMerge(source, outcome string) {
	recordsMergedTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveReclaimed increments the stale reclamation counter.
func ObserveReclaimed(source string) {
	runsReclaimedTotal.WithLabelValues(source).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(rawURL string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
