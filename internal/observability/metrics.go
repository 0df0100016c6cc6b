package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/odyssey-supply/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	transitions   *prometheus.CounterVec
	receptions    *prometheus.CounterVec
	receivedUnits *prometheus.CounterVec
	incidents     *prometheus.CounterVec
	failures      *prometheus.CounterVec

	jobs *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik domain pesanan pemasok.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_supply_status_transitions_total",
		Help: "Perubahan status pesanan pemasok berdasarkan status asal dan tujuan.",
	}, []string{"from", "to"})
	receptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_supply_receptions_total",
		Help: "Jumlah penerimaan baris berdasarkan jenis (partial/complete).",
	}, []string{"kind"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_supply_received_units_total",
		Help: "Jumlah unit yang diterima berdasarkan jenis penerimaan.",
	}, []string{"kind"})
	incidents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_supply_incidents_total",
		Help: "Insiden baris yang dibuka atau diselesaikan.",
	}, []string{"action"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_supply_operation_failures_total",
		Help: "Operasi pesanan pemasok yang gagal berdasarkan jenis galat.",
	}, []string{"operation", "kind"})
	registry.MustRegister(requests, duration, transitions, receptions, units, incidents, failures)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		transitions:     transitions,
		receptions:      receptions,
		receivedUnits:   units,
		incidents:       incidents,
		failures:        failures,
		jobs:            jobmetrics.NewMetrics(registry),
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

// Jobs mengembalikan metrik job yang terdaftar pada registry yang sama.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return jobmetrics.NewMetrics(nil)
	}
	return m.jobs
}

// TransitionRecorded mencatat perubahan status pesanan.
func (m *Metrics) TransitionRecorded(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ReceptionRecorded mencatat penerimaan baris beserta jumlah unitnya.
func (m *Metrics) ReceptionRecorded(kind string, quantity int) {
	if m == nil {
		return
	}
	m.receptions.WithLabelValues(kind).Inc()
	if quantity > 0 {
		m.receivedUnits.WithLabelValues(kind).Add(float64(quantity))
	}
}

// IncidentToggled mencatat pembukaan atau penyelesaian insiden.
func (m *Metrics) IncidentToggled(active bool) {
	if m == nil {
		return
	}
	action := "resolved"
	if active {
		action = "raised"
	}
	m.incidents.WithLabelValues(action).Inc()
}

// OperationFailed mencatat kegagalan operasi berdasarkan jenis galat domain.
func (m *Metrics) OperationFailed(operation, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, kind).Inc()
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
