// Package metrics exposes Prometheus collectors for authentication, room
// guards, account lifecycle and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/ironhall/uiaa"
)

const namespace = "ironhall"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	uiaaAttempts  *prometheus.CounterVec
	roomLockWait  prometheus.Histogram
	registrations *prometheus.CounterVec
	deactivations *prometheus.CounterVec
	httpInFlight  prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	buildInfo     *prometheus.GaugeVec
	noticeDropped prometheus.Counter
	rateLimited   *prometheus.CounterVec
	auditDropped  *prometheus.CounterVec
}

// New creates and registers the collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.uiaaAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uiaa_attempts_total",
		Help:      "User-interactive authentication attempts by stage and outcome.",
	}, []string{"stage", "outcome"})
	m.roomLockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "room_lock_wait_seconds",
		Help:      "Time spent waiting for a room guard.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})
	m.registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_total",
		Help:      "Completed registrations by account kind.",
	}, []string{"kind"})
	m.deactivations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deactivations_total",
		Help:      "Account deactivations by outcome.",
	}, []string{"outcome"})
	m.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latencies in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	m.buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit"})
	m.noticeDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admin_notices_dropped_total",
		Help:      "Admin notices dropped because the queue was full or closed.",
	})
	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_requests_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{"route"})
	m.auditDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_forward_dropped_total",
		Help:      "Audit events not delivered to the forwarding endpoint, by reason.",
	}, []string{"reason"})
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.uiaaAttempts, m.roomLockWait, m.registrations, m.deactivations,
		m.httpInFlight, m.httpRequests, m.httpDuration, m.buildInfo,
		m.noticeDropped, m.rateLimited, m.auditDropped,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetBuildInfo sets build_info{version, commit} to 1.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

var _ uiaa.Observer = (*Metrics)(nil)

func (m *Metrics) ObserveAttempt(stage uiaa.AuthType, outcome string) {
	m.uiaaAttempts.WithLabelValues(string(stage), outcome).Inc()
}

func (m *Metrics) ObserveRoomLockWait(d time.Duration) {
	m.roomLockWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveRegistration(kind string) {
	m.registrations.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDeactivation(outcome string) {
	m.deactivations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveNoticeDropped() {
	m.noticeDropped.Inc()
}

func (m *Metrics) ObserveRateLimited(route string) {
	m.rateLimited.WithLabelValues(route).Inc()
}

// ObserveAuditDropped counts an audit event the forwarder gave up on.
// reason is "queue_full", "rejected" or "undeliverable".
func (m *Metrics) ObserveAuditDropped(reason string) {
	m.auditDropped.WithLabelValues(reason).Inc()
}

// Instrument records request count, latency and in-flight requests. The
// route label is the chi route pattern so path parameters do not explode
// cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := RoutePattern(r)
		status := strconv.Itoa(sw.code)
		m.httpDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, status).Inc()
	})
}

// RoutePattern returns the matched chi route pattern, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
