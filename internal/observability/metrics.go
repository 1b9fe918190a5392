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
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	movements       *prometheus.CounterVec
	reservations    *prometheus.CounterVec
	integrityAlarms *prometheus.CounterVec
	activeHolds     prometheus.Gauge
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_http_request_duration_seconds",
		Help:    "HTTP request latency per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_movements_total",
		Help: "Ledger movements partitioned by reason and outcome.",
	}, []string{"reason", "outcome"})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_reservations_total",
		Help: "Reservation operations partitioned by operation and outcome.",
	}, []string{"op", "outcome"})
	alarms := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_integrity_alarms_total",
		Help: "Three-books mismatches detected per warehouse.",
	}, []string{"warehouse"})
	holds := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockledger_integrity_holds_active",
		Help: "Warehouses currently halted pending reconciliation.",
	})
	registry.MustRegister(requests, duration, movements, reservations, alarms, holds)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		reservations:    reservations,
		integrityAlarms: alarms,
		activeHolds:     holds,
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

// ObserveMovement counts a ledger movement. Outcome is one of applied,
// replayed, insufficient, halted, conflict or error.
func (m *Metrics) ObserveMovement(reason, outcome string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(reason, outcome).Inc()
}

// ObserveReservation counts a reservation operation.
func (m *Metrics) ObserveReservation(op, outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(op, outcome).Inc()
}

// ObserveIntegrityAlarm counts a mismatch for each affected warehouse.
func (m *Metrics) ObserveIntegrityAlarm(warehouseIDs []int64) {
	if m == nil {
		return
	}
	for _, id := range warehouseIDs {
		m.integrityAlarms.WithLabelValues(strconv.FormatInt(id, 10)).Inc()
	}
}

// SetActiveHolds publishes the number of uncleared integrity holds.
func (m *Metrics) SetActiveHolds(n int) {
	if m == nil {
		return
	}
	m.activeHolds.Set(float64(n))
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
