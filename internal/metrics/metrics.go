/*
Package metrics exposes Prometheus metrics for the proxy.

Each Metrics value owns its own registry so tests can create independent
instances. All recording methods are safe to call on a nil *Metrics, which
records nothing.
*/
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

const namespace = "allowgate"

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	registry *prometheus.Registry

	decisions       *prometheus.CounterVec
	requests        *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	tunnelsActive   prometheus.Gauge
	tunnels         *prometheus.CounterVec
	tunnelBytes     *prometheus.CounterVec
	tunnelDuration  prometheus.Histogram
	rateLimited     prometheus.Counter
	panics          prometheus.Counter
	policyReloads   *prometheus.CounterVec
}

// New creates a Metrics instance with a fresh registry that also carries
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Access control decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_requests_total",
			Help:      "Forwarded HTTP requests by method and response status.",
		}, []string{"method", "status"}),
		forwardDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Time from receiving a forwarded request to finishing the response body.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		tunnelsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "CONNECT tunnels currently relaying.",
		}),
		tunnels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "CONNECT tunnel attempts by result.",
		}, []string{"result"}),
		tunnelBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels by direction.",
		}, []string{"direction"}),
		tunnelDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_duration_seconds",
			Help:      "Lifetime of closed CONNECT tunnels.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Recovered panics in request handling.",
		}),
		policyReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_reloads_total",
			Help:      "Policy reload attempts by result.",
		}, []string{"result"}),
	}
}

// Handler returns the scrape handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveDecision counts an access control decision.
func (m *Metrics) ObserveDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	if reason == "" {
		reason = "none"
	}
	m.decisions.WithLabelValues(outcome, reason).Inc()
}

// ObserveForward records a completed forwarded request.
func (m *Metrics) ObserveForward(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.forwardDuration.WithLabelValues(method).Observe(d.Seconds())
}

// TunnelOpened records a tunnel attempt result. "established" also raises
// the active gauge.
func (m *Metrics) TunnelOpened(result string) {
	if m == nil {
		return
	}
	m.tunnels.WithLabelValues(result).Inc()
	if result == "established" {
		m.tunnelsActive.Inc()
	}
}

// TunnelClosed records the end of an established tunnel.
func (m *Metrics) TunnelClosed(up, down int64, d time.Duration) {
	if m == nil {
		return
	}
	m.tunnelsActive.Dec()
	m.tunnelBytes.WithLabelValues("up").Add(float64(up))
	m.tunnelBytes.WithLabelValues("down").Add(float64(down))
	m.tunnelDuration.Observe(d.Seconds())
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// Panic counts a recovered handler panic.
func (m *Metrics) Panic() {
	if m == nil {
		return
	}
	m.panics.Inc()
}

// PolicyReload counts a reload attempt.
func (m *Metrics) PolicyReload(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.policyReloads.WithLabelValues(result).Inc()
}
