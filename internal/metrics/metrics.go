// Package metrics exposes Prometheus collectors for the portal client and API.
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

// Circuit states as exported by the circuit_state gauge.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

var (
	portalAttemptsTotal        *prometheus.CounterVec
	portalRetriesTotal         *prometheus.CounterVec
	circuitState               *prometheus.GaugeVec
	tokenFetchTotal            *prometheus.CounterVec
	tokenCacheEventsTotal      *prometheus.CounterVec
	extractDurationSeconds     prometheus.Histogram
	recordsExtractedTotal      prometheus.Counter
	searchesTotal              *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	httpInFlight               prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		portalAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartescolaire_portal_attempts_total",
				Help: "Outbound portal attempts, labeled by client and outcome.",
			},
			[]string{"client", "outcome"},
		)

		portalRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartescolaire_portal_retries_total",
				Help: "Outbound portal retries, labeled by client.",
			},
			[]string{"client"},
		)

		circuitState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cartescolaire_circuit_state",
				Help: "Circuit breaker state per client (0 closed, 1 half-open, 2 open).",
			},
			[]string{"client"},
		)

		tokenFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartescolaire_token_fetch_total",
				Help: "CSRF token fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		tokenCacheEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartescolaire_token_cache_events_total",
				Help: "Token cache events (hit, miss, stale, refresh, evict, failure).",
			},
			[]string{"event"},
		)

		extractDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cartescolaire_extract_duration_seconds",
				Help:    "Histogram of HTML extraction latencies.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		)

		recordsExtractedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cartescolaire_records_extracted_total",
				Help: "Total number of student records extracted.",
			},
		)

		searchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartescolaire_searches_total",
				Help: "Student searches, labeled by outcome.",
			},
			[]string{"outcome"},
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

		httpInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "HTTP requests currently being served.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePortalAttempt counts one outbound attempt for client.
func ObservePortalAttempt(client, outcome string) {
	Init()
	portalAttemptsTotal.WithLabelValues(client, outcome).Inc()
}

// ObservePortalRetry counts one retry for client.
func ObservePortalRetry(client string) {
	Init()
	portalRetriesTotal.WithLabelValues(client).Inc()
}

// SetCircuitState records the breaker state for client.
func SetCircuitState(client string, state int) {
	Init()
	circuitState.WithLabelValues(client).Set(float64(state))
}

// ObserveTokenFetch counts a token fetch outcome.
func ObserveTokenFetch(outcome string) {
	Init()
	tokenFetchTotal.WithLabelValues(outcome).Inc()
}

// ObserveTokenCacheEvent counts a token cache event.
func ObserveTokenCacheEvent(event string) {
	Init()
	tokenCacheEventsTotal.WithLabelValues(event).Inc()
}

// ObserveExtraction records an extraction run and the records it produced.
func ObserveExtraction(duration time.Duration, records int) {
	Init()
	extractDurationSeconds.Observe(duration.Seconds())
	if records > 0 {
		recordsExtractedTotal.Add(float64(records))
	}
}

// ObserveSearch counts a search outcome.
func ObserveSearch(outcome string) {
	Init()
	searchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
