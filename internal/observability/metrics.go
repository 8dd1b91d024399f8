package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	transfers        *prometheus.CounterVec
	shortfallUnits   prometheus.Counter
	conflictRetries  *prometheus.CounterVec
	orderTransitions *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik domain stok.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medstock_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medstock_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medstock_transfers_total",
		Help: "Committed stock transfers, split by idempotent replay.",
	}, []string{"replayed"})
	shortfall := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medstock_transfer_shortfall_units_total",
		Help: "Units requested by transfers that the source location could not cover.",
	})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medstock_conflict_retries_total",
		Help: "Commits retried after a concurrent update.",
	}, []string{"operation"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medstock_purchase_order_transitions_total",
		Help: "Purchase order status transitions.",
	}, []string{"from", "to"})
	registry.MustRegister(requests, duration, transfers, shortfall, retries, transitions)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		transfers:        transfers,
		shortfallUnits:   shortfall,
		conflictRetries:  retries,
		orderTransitions: transitions,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveTransfer counts a committed transfer and its uncovered units.
func (m *Metrics) ObserveTransfer(replayed bool, shortfallUnits int64) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(strconv.FormatBool(replayed)).Inc()
	if shortfallUnits > 0 {
		m.shortfallUnits.Add(float64(shortfallUnits))
	}
}

// ObserveConflictRetry counts a retried commit.
func (m *Metrics) ObserveConflictRetry(operation string) {
	if m == nil {
		return
	}
	m.conflictRetries.WithLabelValues(operation).Inc()
}

// ObserveOrderTransition counts one purchase order status hop.
func (m *Metrics) ObserveOrderTransition(from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(from, to).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
