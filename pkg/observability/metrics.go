package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Guard decision outcomes
const (
	OutcomeGranted       = "granted"
	OutcomeDenied        = "denied"
	OutcomeLoginRedirect = "login_redirect"
)

// Handshake events
const (
	EventCallbackSucceeded = "callback_succeeded"
	EventCallbackFailed    = "callback_failed"
	EventLogout            = "logout"
	EventDiscoveryFailed   = "discovery_failed"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Guard metrics
	GuardDecisionsTotal *prometheus.CounterVec
	TokenVerifyDuration prometheus.Histogram

	// Handshake metrics
	HandshakeEventsTotal *prometheus.CounterVec

	// Gate lifecycle
	GateInitsTotal prometheus.Counter

	otel *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		GuardDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_guard_decisions_total",
				Help: "Route guard decisions by outcome",
			},
			[]string{"outcome"},
		),
		TokenVerifyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keygate_token_verify_duration_seconds",
				Help:    "Time spent verifying identity tokens, including key discovery",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		HandshakeEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_handshake_events_total",
				Help: "Login callback and logout events handled by the identity adapter",
			},
			[]string{"event"},
		),
		GateInitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_gate_inits_total",
				Help: "Number of times an identity adapter was installed",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GuardDecisionsTotal,
		m.TokenVerifyDuration,
		m.HandshakeEventsTotal,
		m.GateInitsTotal,
	)

	return m
}

// RecordGuardDecision counts one guard outcome. Safe on a nil receiver.
func (m *Metrics) RecordGuardDecision(outcome string) {
	if m == nil {
		return
	}
	m.GuardDecisionsTotal.WithLabelValues(outcome).Inc()
	m.otel.recordGuardDecision(context.Background(), outcome)
}

// RecordHandshakeEvent counts one handshake event. Safe on a nil receiver.
func (m *Metrics) RecordHandshakeEvent(event string) {
	if m == nil {
		return
	}
	m.HandshakeEventsTotal.WithLabelValues(event).Inc()
	m.otel.recordHandshakeEvent(context.Background(), event)
}

// ObserveTokenVerify records how long a verification took. Safe on a nil receiver.
func (m *Metrics) ObserveTokenVerify(d time.Duration) {
	if m == nil {
		return
	}
	m.TokenVerifyDuration.Observe(d.Seconds())
	m.otel.observeTokenVerify(context.Background(), d)
}

// RecordGateInit counts one installation. Safe on a nil receiver.
func (m *Metrics) RecordGateInit() {
	if m == nil {
		return
	}
	m.GateInitsTotal.Inc()
	m.otel.recordGateInit(context.Background())
}

// WithOTel mirrors every recorded gate metric onto o as well
func (m *Metrics) WithOTel(o *OTelMetrics) *Metrics {
	m.otel = o
	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// routeLabel prefers the mux route template over the raw path to keep label
// cardinality bounded
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
