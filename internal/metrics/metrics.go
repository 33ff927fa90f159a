// Package metrics exposes Prometheus counters and gauges for the bridge's
// two protocol surfaces: the HA Client connection and the Core Server
// sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the bridge publishes. The supervisor updates
// HAConnectionState, EntityStoreSize and EntityDeltasTotal; the other
// metrics are registered but nothing in the bridge updates them, so they
// stay at zero.
type Collector struct {
	HAConnectionState   *prometheus.GaugeVec
	HAReconnectsTotal   prometheus.Counter
	HARequestsTotal     *prometheus.CounterVec
	HARequestDuration   prometheus.Histogram
	CoreSessionsActive  prometheus.Gauge
	CoreRequestsTotal   *prometheus.CounterVec
	EntityStoreSize     prometheus.Gauge
	EntityDeltasTotal   prometheus.Counter
}

// New registers all bridge metrics against the default Prometheus
// registry. Call once at process startup.
func New() *Collector {
	return &Collector{
		HAConnectionState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ha_bridge",
			Name:      "connection_state",
			Help:      "1 for the currently active HA Client connection state, 0 otherwise.",
		}, []string{"state"}),
		HAReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ha_bridge",
			Name:      "ha_reconnects_total",
			Help:      "Total number of HA Client reconnect attempts.",
		}),
		HARequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ha_bridge",
			Name:      "ha_requests_total",
			Help:      "HA requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		HARequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ha_bridge",
			Name:      "ha_request_duration_seconds",
			Help:      "Latency of HA call_service round trips.",
			Buckets:   prometheus.DefBuckets,
		}),
		CoreSessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "ha_bridge",
			Name:      "core_sessions_active",
			Help:      "Number of currently connected Core sessions.",
		}),
		CoreRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ha_bridge",
			Name:      "core_requests_total",
			Help:      "Core requests by msg and response code.",
		}, []string{"msg", "code"}),
		EntityStoreSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "ha_bridge",
			Name:      "entity_store_size",
			Help:      "Number of entities currently held in the Entity Store.",
		}),
		EntityDeltasTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ha_bridge",
			Name:      "entity_deltas_total",
			Help:      "Total number of entity state deltas applied.",
		}),
	}
}

// SetConnectionState zeroes every known state label then sets the active
// one to 1, so the gauge vector always reflects exactly one current state.
func (c *Collector) SetConnectionState(states []string, active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1.0
		}
		c.HAConnectionState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the standard Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
