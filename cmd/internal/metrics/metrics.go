// Package metrics holds the Prometheus collectors for qrlogin.
//
// All methods are nil-safe so callers can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qrlogin"

// Metrics groups the service collectors around one registry.
type Metrics struct {
	reg *prometheus.Registry

	issued         prometheus.Counter
	checks         *prometheus.CounterVec
	claims         *prometheus.CounterVec
	renderFailures prometheus.Counter
	httpDuration   *prometheus.HistogramVec
	watchers       prometheus.Gauge
}

// New registers collectors on a fresh registry, including Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the service collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		issued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_issued_total",
			Help:      "QR login sessions issued.",
		}),
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_checks_total",
			Help:      "Status checks by reported status.",
		}, []string{"status"}),
		claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_claims_total",
			Help:      "Claim attempts by result.",
		}, []string{"result"}),
		renderFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_failures_total",
			Help:      "QR image render failures.",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		watchers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchers_active",
			Help:      "Open watch streams.",
		}),
	}
}

func (m *Metrics) SessionIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
}

func (m *Metrics) SessionChecked(status string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(status).Inc()
}

// ClaimResult records a claim attempt; result is a short stable code such as
// "success", "not_claimable" or "invalid_credentials".
func (m *Metrics) ClaimResult(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) RenderFailed() {
	if m == nil {
		return
	}
	m.renderFailures.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) WatcherOpened() {
	if m == nil {
		return
	}
	m.watchers.Inc()
}

func (m *Metrics) WatcherClosed() {
	if m == nil {
		return
	}
	m.watchers.Dec()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
