// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record outcomes used with ObserveRecord.
const (
	RecordEmitted          = "emitted"
	RecordDuplicate        = "duplicate"
	RecordStored           = "stored"
	RecordStoreDuplicate   = "store_duplicate"
	RecordStoreError       = "store_error"
	RecordDroppedAfterHalt = "dropped"
	RecordDateError        = "date_error"
)

var (
	pagesTotal                    *prometheus.CounterVec
	bytesTotal                    *prometheus.CounterVec
	recordsTotal                  *prometheus.CounterVec
	selectorMissesTotal           *prometheus.CounterVec
	loadMoreClicksTotal           *prometheus.CounterVec
	rendersTotal                  *prometheus.CounterVec
	renderDurationSeconds         prometheus.Histogram
	fetchesInFlight               prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	probeTLSHandshakeTimeoutTotal prometheus.Counter
	rateLimitDelaysSeconds        *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pangolin_pages_total",
				Help: "Pages fetched, labeled by site, stage and status.",
			},
			[]string{"site", "stage", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pangolin_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pangolin_records_total",
				Help: "Records seen by the record stage and storage, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		selectorMissesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pangolin_selector_misses_total",
				Help: "Structural queries that matched nothing, labeled by site and field.",
			},
			[]string{"site", "field"},
		)

		loadMoreClicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pangolin_load_more_clicks_total",
				Help: "Load-more activations, labeled by site.",
			},
			[]string{"site"},
		)

		rendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pangolin_renders_total",
				Help: "Headless render round-trips, labeled by status.",
			},
			[]string{"status"},
		)

		renderDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pangolin_render_duration_seconds",
				Help:    "Histogram of headless render durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		fetchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pangolin_fetches_in_flight",
				Help: "Fetches submitted whose continuation has not been resumed yet.",
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

		probeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pangolin_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pangolin_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one completed fetch.
func ObservePage(site, stage, status string, bytesFetched int) {
	Init()
	pagesTotal.WithLabelValues(site, stage, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveRecord counts one record outcome.
func ObserveRecord(site, outcome string) {
	Init()
	recordsTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveSelectorMiss counts a structural query that matched nothing.
func ObserveSelectorMiss(site, field string) {
	Init()
	selectorMissesTotal.WithLabelValues(site, field).Inc()
}

// ObserveLoadMore adds load-more activations for site.
func ObserveLoadMore(site string, clicks int) {
	Init()
	if clicks > 0 {
		loadMoreClicksTotal.WithLabelValues(site).Add(float64(clicks))
	}
}

// ObserveRender records one render round-trip.
func ObserveRender(status string, duration time.Duration) {
	Init()
	rendersTotal.WithLabelValues(status).Inc()
	renderDurationSeconds.Observe(duration.Seconds())
}

// IncInFlight increments the in-flight fetch gauge.
func IncInFlight() {
	Init()
	fetchesInFlight.Inc()
}

// DecInFlight decrements the in-flight fetch gauge.
func DecInFlight() {
	Init()
	fetchesInFlight.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	Init()
	probeTLSHandshakeTimeoutTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
