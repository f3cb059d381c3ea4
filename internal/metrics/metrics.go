// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for relay latency.
var defaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ConnectionsInFlight prometheus.Gauge

	RelaysTotal     *prometheus.CounterVec
	RelayDuration   *prometheus.HistogramVec
	RelayReplyBytes prometheus.Histogram

	AdminRequestsTotal *prometheus.CounterVec

	paths []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		paths:    append([]string(nil), defaultPaths...),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpask_requests_total",
			Help: "Total inbound requests handled on the relay port.",
		}, []string{"method", "status_code", "path"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "httpask_request_duration_seconds",
			Help:    "Inbound request latency in seconds, from accept to close.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path"}),

		ConnectionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpask_connections_in_flight",
			Help: "Number of inbound connections currently being handled.",
		}),

		RelaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpask_relays_total",
			Help: "Total outbound relay calls by wait policy and outcome.",
		}, []string{"policy", "outcome"}),

		RelayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "httpask_relay_duration_seconds",
			Help:    "Outbound relay latency in seconds, from dial to close.",
			Buckets: defaultBuckets,
		}, []string{"policy"}),

		RelayReplyBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "httpask_relay_reply_bytes",
			Help:    "Size of relayed replies in bytes.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpask_admin_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ConnectionsInFlight,
		m.RelaysTotal,
		m.RelayDuration,
		m.RelayReplyBytes,
		m.AdminRequestsTotal,
	)

	return m
}

// knownMethods lists the allowed method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// defaultPaths lists the path label values every instance starts with.
var defaultPaths = []string{"/ask", "/stop", "/healthz", "/status", "/metrics"}

// TrackPath adds p to the path label values. It must be called before
// requests are served.
func (m *Metrics) TrackPath(p string) {
	for _, known := range m.paths {
		if known == p {
			return
		}
	}
	m.paths = append(m.paths, p)
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, p := range m.paths {
		if path == p || strings.HasPrefix(path, p+"?") {
			return p
		}
	}
	return "other"
}
