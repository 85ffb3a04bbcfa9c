// Package metrics exposes the Prometheus gauges and counters Talos needs
// for operator visibility: PubSub drop counts (spec.md §4.1's drop-metrics
// loop), device health state, and outbox depth. This is observability, not
// the "numeric analytics" the core explicitly avoids performing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metric families a running gateway publishes.
type Registry struct {
	reg *prometheus.Registry

	PubSubDropped     *prometheus.CounterVec
	PubSubDelivered   *prometheus.CounterVec
	DeviceHealthy     *prometheus.GaugeVec
	DeviceConsecFails *prometheus.GaugeVec
	AlertsActive      prometheus.Gauge
	OutboxFiles       prometheus.Gauge
	OutboxFailed      prometheus.Gauge
	UpstreamPostTotal *prometheus.CounterVec
	ControlWrites     *prometheus.CounterVec
}

// New creates a Registry with all families registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		PubSubDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talos",
			Subsystem: "pubsub",
			Name:      "dropped_total",
			Help:      "Messages dropped due to subscriber buffer overflow, by topic.",
		}, []string{"topic"}),
		PubSubDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talos",
			Subsystem: "pubsub",
			Name:      "delivered_total",
			Help:      "Messages delivered to subscribers, by topic.",
		}, []string{"topic"}),
		DeviceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "talos",
			Subsystem: "health",
			Name:      "device_healthy",
			Help:      "1 if the device is healthy, 0 if in cooldown.",
		}, []string{"device_id"}),
		DeviceConsecFails: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "talos",
			Subsystem: "health",
			Name:      "device_consecutive_failures",
			Help:      "Consecutive poll failures for the device.",
		}, []string{"device_id"}),
		AlertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "talos",
			Subsystem: "alert",
			Name:      "active_total",
			Help:      "Alerts currently in TRIGGERED or ACTIVE state.",
		}),
		OutboxFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "talos",
			Subsystem: "sender",
			Name:      "outbox_files",
			Help:      "Pending files (fresh + retry) in the upstream outbox.",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "talos",
			Subsystem: "sender",
			Name:      "outbox_failed_files",
			Help:      "Files in the outbox marked .fail (retry budget exhausted).",
		}),
		UpstreamPostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talos",
			Subsystem: "sender",
			Name:      "upstream_post_total",
			Help:      "Upstream POST attempts, by outcome.",
		}, []string{"outcome"}),
		ControlWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talos",
			Subsystem: "control",
			Name:      "writes_total",
			Help:      "Control writes executed, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.PubSubDropped,
		r.PubSubDelivered,
		r.DeviceHealthy,
		r.DeviceConsecFails,
		r.AlertsActive,
		r.OutboxFiles,
		r.OutboxFailed,
		r.UpstreamPostTotal,
		r.ControlWrites,
	)

	return r
}

// Handler returns the HTTP handler serving /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
