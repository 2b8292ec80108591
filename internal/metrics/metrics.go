// Package metrics bundles the broker's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the broker exports. All collectors live in
// a private registry so tests can create as many instances as they want.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	CommandsReceived  *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	Broadcasts        prometheus.Counter
	ThresholdResults  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all broker collectors.
func New() *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "iotgw",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of live client connections",
		}),
		CommandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotgw",
			Subsystem: "commands",
			Name:      "received_total",
			Help:      "Inbound commands by command name",
		}, []string{"command"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iotgw",
			Subsystem: "commands",
			Name:      "decode_errors_total",
			Help:      "Inbound documents dropped because they failed to decode",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iotgw",
			Subsystem: "broadcast",
			Name:      "sent_total",
			Help:      "Data snapshots pushed to operator connections",
		}),
		ThresholdResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotgw",
			Subsystem: "threshold",
			Name:      "results_total",
			Help:      "set_threshold outcomes by ack status",
		}, []string{"status"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ActiveConnections,
		m.CommandsReceived,
		m.DecodeErrors,
		m.Broadcasts,
		m.ThresholdResults,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
