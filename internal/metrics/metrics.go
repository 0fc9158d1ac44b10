// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/harvester/internal/crawler"
)

var (
	requestsTotal              *prometheus.CounterVec
	requestDurationSeconds     *prometheus.HistogramVec
	reservedTargetsTotal       prometheus.Counter
	deliveriesTotal            *prometheus.CounterVec
	ingestTotal                *prometheus.CounterVec
	ingestPending              prometheus.Gauge
	frontierTargets            *prometheus.GaugeVec
	discoveredTargetsTotal     prometheus.Counter
	clientActionsTotal         *prometheus.CounterVec
	clientPacingSeconds        prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_requests_total",
				Help: "Coordination requests handled, labeled by request type and response status.",
			},
			[]string{"type", "status"},
		)

		requestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_request_duration_seconds",
				Help:    "Time spent handling a coordination request.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"type"},
		)

		reservedTargetsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_reserved_targets_total",
				Help: "Targets handed out to clients.",
			},
		)

		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_deliveries_total",
				Help: "Delivery and failure reports, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ingestTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_ingest_total",
				Help: "Captures processed by the ingestion worker, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ingestPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_ingest_pending",
				Help: "Captures queued or in flight in the ingestion worker.",
			},
		)

		frontierTargets = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_frontier_targets",
				Help: "Frontier targets by state.",
			},
			[]string{"state"},
		)

		discoveredTargetsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_discovered_targets_total",
				Help: "New targets added to the frontier by ingestion.",
			},
		)

		clientActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_client_actions_total",
				Help: "Client loop decisions, labeled by action.",
			},
			[]string{"action"},
		)

		clientPacingSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_client_pacing_seconds",
				Help:    "Time a client fetch waited on the rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
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

// ObserveRequest records one coordination request.
func ObserveRequest(requestType, status string, duration time.Duration) {
	Init()
	requestsTotal.WithLabelValues(requestType, status).Inc()
	requestDurationSeconds.WithLabelValues(requestType).Observe(duration.Seconds())
}

// ObserveReserved counts targets handed out.
func ObserveReserved(n int) {
	Init()
	reservedTargetsTotal.Add(float64(n))
}

// ObserveDelivery counts a delivery or failure report outcome.
func ObserveDelivery(outcome string) {
	Init()
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveIngest counts an ingestion outcome.
func ObserveIngest(outcome string) {
	Init()
	ingestTotal.WithLabelValues(outcome).Inc()
}

// SetIngestPending publishes the ingestion backlog.
func SetIngestPending(n int) {
	Init()
	ingestPending.Set(float64(n))
}

// SetFrontier publishes frontier state counts.
func SetFrontier(c crawler.StateCounts) {
	Init()
	frontierTargets.WithLabelValues(string(crawler.StatePending)).Set(float64(c.Pending))
	frontierTargets.WithLabelValues(string(crawler.StateReserved)).Set(float64(c.Reserved))
	frontierTargets.WithLabelValues(string(crawler.StateCrawled)).Set(float64(c.Crawled))
	frontierTargets.WithLabelValues(string(crawler.StateFailed)).Set(float64(c.Failed))
}

// ObserveDiscovered counts targets newly added by ingestion.
func ObserveDiscovered(n int) {
	Init()
	discoveredTargetsTotal.Add(float64(n))
}

// ObserveClientAction counts client loop decisions.
func ObserveClientAction(action string) {
	Init()
	clientActionsTotal.WithLabelValues(action).Inc()
}

// ObservePacingDelay records a rate limiter wait.
func ObservePacingDelay(d time.Duration) {
	Init()
	clientPacingSeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
