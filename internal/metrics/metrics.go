// Package metrics exposes Prometheus collectors for the API mapper.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apimapper_http_requests_total",
			Help: "Total number of HTTP requests sent, labeled by status code.",
		},
		[]string{"code"},
	)

	httpRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apimapper_http_retries_total",
			Help: "Total number of retried requests, labeled by reason.",
		},
		[]string{"reason"},
	)

	httpRequestDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apimapper_http_request_duration_seconds",
			Help:    "Histogram of upstream request latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	authFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apimapper_auth_failures_total",
			Help: "Total number of 401/403 responses received.",
		},
	)

	authBlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apimapper_auth_blocked_total",
			Help: "Number of times the authentication circuit breaker tripped.",
		},
	)

	spacingDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apimapper_spacing_delay_seconds",
			Help:    "Histogram of waits imposed by the minimum inter-request interval.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apimapper_classifications_total",
			Help: "Total number of endpoint classifications, labeled by kind.",
		},
		[]string{"kind"},
	)

	itemsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apimapper_items_total",
			Help: "Total number of collection items persisted.",
		},
	)

	crawlErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apimapper_crawl_errors_total",
			Help: "Total number of crawl errors recorded, labeled by type.",
		},
		[]string{"type"},
	)

	statusRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apimapper_status_requests_total",
			Help: "Requests served by the status server, labeled by method, route and code.",
		},
		[]string{"method", "route", "code"},
	)

	statusRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apimapper_status_request_duration_seconds",
			Help:    "Histogram of status server latencies.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	frontierSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apimapper_frontier_size",
			Help: "Number of URLs waiting in the crawl frontier.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one upstream response.
func ObserveRequest(code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter for reason ("status" or "network").
func ObserveRetry(reason string) {
	httpRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveAuthFailure counts a 401/403 response.
func ObserveAuthFailure() {
	authFailuresTotal.Inc()
}

// ObserveAuthBlocked counts a circuit breaker trip.
func ObserveAuthBlocked() {
	authBlockedTotal.Inc()
}

// ObserveSpacingDelay records time spent waiting for the request interval.
func ObserveSpacingDelay(d time.Duration) {
	spacingDelaySeconds.Observe(d.Seconds())
}

// ObserveClassification counts one classification of the given kind.
func ObserveClassification(kind string) {
	classificationsTotal.WithLabelValues(kind).Inc()
}

// AddItems adds n persisted items.
func AddItems(n int) {
	if n > 0 {
		itemsTotal.Add(float64(n))
	}
}

// ObserveCrawlError counts one error record of the given type.
func ObserveCrawlError(errType string) {
	crawlErrorsTotal.WithLabelValues(errType).Inc()
}

// SetFrontierSize reports the current queue length.
func SetFrontierSize(n int) {
	frontierSize.Set(float64(n))
}

// ObserveStatusRequest records one request served by the status server.
func ObserveStatusRequest(method, route string, code int, duration time.Duration) {
	statusRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	statusRequestDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}
