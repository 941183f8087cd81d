// Package metrics holds the prometheus collectors for every daemon
// subsystem. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "routemesh"

// Metrics represents the metrics for the daemon
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	nodes           *prometheus.GaugeVec
	probes          *prometheus.CounterVec
	probeRTT        prometheus.Histogram
	gossipPulls     *prometheus.CounterVec
	bandwidthTests  *prometheus.CounterVec
	bandwidthMbps   *prometheus.HistogramVec
	routes          *prometheus.GaugeVec
	routeRebuilds   *prometheus.CounterVec
	rebuildTime     prometheus.Histogram
	apiRequests     *prometheus.CounterVec
}

// New creates a metrics instance backed by a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total",
			Help: "Events published on the bus by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		}, []string{"kind"}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "registry_nodes",
			Help: "Known mesh nodes by status.",
		}, []string{"status"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_probes_total",
			Help: "Health probes by result.",
		}, []string{"result"}),
		probeRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "health_probe_rtt_seconds",
			Help:    "Round-trip time of successful probes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		gossipPulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gossip_pulls_total",
			Help: "Peer list pulls by result.",
		}, []string{"result"}),
		bandwidthTests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bandwidth_tests_total",
			Help: "Bandwidth tests by outcome.",
		}, []string{"outcome"}),
		bandwidthMbps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "bandwidth_mbps",
			Help:    "Measured throughput of completed tests.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 10000},
		}, []string{"direction"}),
		routes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "route_table_routes",
			Help: "Routes in the active table by family.",
		}, []string{"family"}),
		routeRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_table_rebuilds_total",
			Help: "Route table rebuilds by result.",
		}, []string{"result"}),
		rebuildTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "route_table_rebuild_seconds",
			Help: "Time spent building a route table snapshot.",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "api_requests_total",
			Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.eventsPublished, m.eventsDropped, m.nodes, m.probes, m.probeRTT,
		m.gossipPulls, m.bandwidthTests, m.bandwidthMbps, m.routes,
		m.routeRebuilds, m.rebuildTime, m.apiRequests,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind).Inc()
}

// SetNodeCounts replaces the per-status node gauges
func (m *Metrics) SetNodeCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.nodes.Reset()
	for status, n := range counts {
		m.nodes.WithLabelValues(status).Set(float64(n))
	}
}

// RecordProbe records one probe outcome
func (m *Metrics) RecordProbe(rtt time.Duration, success bool) {
	if m == nil {
		return
	}
	if !success {
		m.probes.WithLabelValues("failure").Inc()
		return
	}
	m.probes.WithLabelValues("success").Inc()
	m.probeRTT.Observe(rtt.Seconds())
}

func (m *Metrics) RecordGossipPull(success bool) {
	if m == nil {
		return
	}
	m.gossipPulls.WithLabelValues(result(success)).Inc()
}

// RecordBandwidthTest records a finished test; zero rates are not observed
func (m *Metrics) RecordBandwidthTest(outcome string, uploadMbps, downloadMbps float64) {
	if m == nil {
		return
	}
	m.bandwidthTests.WithLabelValues(outcome).Inc()
	if uploadMbps > 0 {
		m.bandwidthMbps.WithLabelValues("upload").Observe(uploadMbps)
	}
	if downloadMbps > 0 {
		m.bandwidthMbps.WithLabelValues("download").Observe(downloadMbps)
	}
}

// RecordRebuild records a route table rebuild and, on success, its size
func (m *Metrics) RecordRebuild(duration time.Duration, success bool, v4, v6 int) {
	if m == nil {
		return
	}
	m.routeRebuilds.WithLabelValues(result(success)).Inc()
	m.rebuildTime.Observe(duration.Seconds())
	if success {
		m.routes.WithLabelValues("ipv4").Set(float64(v4))
		m.routes.WithLabelValues("ipv6").Set(float64(v6))
	}
}

func (m *Metrics) RecordAPIRequest(route string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
