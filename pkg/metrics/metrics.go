// Package metrics provides Prometheus metrics for the odds gateway.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics collects and exposes stream and fan-out metrics.
type GatewayMetrics struct {
	registry *prometheus.Registry

	// Ingest metrics
	SSEEvents     *prometheus.CounterVec
	SSEReconnects *prometheus.CounterVec
	QuotesTotal   prometheus.Counter
	BatchSize     prometheus.Histogram

	// Derivation metrics
	EVRecordsTotal  prometheus.Counter
	ArbitragesTotal prometheus.Counter

	// Fan-out metrics
	PayloadsBroadcast *prometheus.CounterVec
	SendFailures      prometheus.Counter

	// Fleet metrics
	ActiveWorkers    prometheus.Gauge
	ConnectedClients prometheus.Gauge
	FleetRestarts    prometheus.Counter
}

// NewGatewayMetrics creates a new gateway metrics collector backed by a
// private registry.
func NewGatewayMetrics() *GatewayMetrics {
	registry := prometheus.NewRegistry()

	gm := &GatewayMetrics{
		registry: registry,

		SSEEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sse_events_total",
				Help: "Total number of SSE events received",
			},
			[]string{"sport", "type"},
		),
		SSEReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sse_reconnects_total",
				Help: "Total number of SSE reconnect attempts",
			},
			[]string{"sport", "reason"},
		),
		QuotesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_quotes_total",
				Help: "Total number of odds quotes processed",
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_batch_size",
				Help:    "Quotes per upstream odds event",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 to ~4k
			},
		),

		EVRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_ev_records_total",
				Help: "Total number of EV records derived",
			},
		),
		ArbitragesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_arbitrages_total",
				Help: "Total number of arbitrage opportunities derived",
			},
		),

		PayloadsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_payloads_broadcast_total",
				Help: "Total number of payloads handed to the hub",
			},
			[]string{"kind"},
		),
		SendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_send_failures_total",
				Help: "Total number of dropped subscriber sends",
			},
		),

		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_active_workers",
				Help: "Number of running SSE workers",
			},
		),
		ConnectedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_connected_clients",
				Help: "Number of connected WebSocket subscribers",
			},
		),
		FleetRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_fleet_restarts_total",
				Help: "Total number of worker fleet restarts",
			},
		),
	}

	gm.registerAll()

	return gm
}

func (gm *GatewayMetrics) registerAll() {
	gm.registry.MustRegister(
		gm.SSEEvents,
		gm.SSEReconnects,
		gm.QuotesTotal,
		gm.BatchSize,
		gm.EVRecordsTotal,
		gm.ArbitragesTotal,
		gm.PayloadsBroadcast,
		gm.SendFailures,
		gm.ActiveWorkers,
		gm.ConnectedClients,
		gm.FleetRestarts,
	)
}

// Registry returns the prometheus registry.
func (gm *GatewayMetrics) Registry() *prometheus.Registry {
	return gm.registry
}

// Handler returns an HTTP handler serving the registry.
func (gm *GatewayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(gm.registry, promhttp.HandlerOpts{})
}

// RecordEvent records one upstream SSE event and its batch size.
func (gm *GatewayMetrics) RecordEvent(sport, eventType string, quotes int) {
	gm.SSEEvents.WithLabelValues(sport, eventType).Inc()
	if quotes > 0 {
		gm.QuotesTotal.Add(float64(quotes))
		gm.BatchSize.Observe(float64(quotes))
	}
}

// RecordReconnect records one SSE reconnect attempt.
func (gm *GatewayMetrics) RecordReconnect(sport, reason string) {
	gm.SSEReconnects.WithLabelValues(sport, reason).Inc()
}

// RecordDerived records derivation output sizes for one batch.
func (gm *GatewayMetrics) RecordDerived(evs, arbs int) {
	gm.EVRecordsTotal.Add(float64(evs))
	gm.ArbitragesTotal.Add(float64(arbs))
}

// RecordBroadcast records one payload handed to the hub.
func (gm *GatewayMetrics) RecordBroadcast(kind string) {
	gm.PayloadsBroadcast.WithLabelValues(kind).Inc()
}

// Global instance for convenience
var defaultMetrics *GatewayMetrics
var once sync.Once

// Default returns the default global metrics instance.
func Default() *GatewayMetrics {
	once.Do(func() {
		defaultMetrics = NewGatewayMetrics()
	})
	return defaultMetrics
}
