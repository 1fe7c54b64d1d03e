// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	// Directory
	Endpoints    prometheus.Gauge
	Envelopes    *prometheus.CounterVec
	RouterErrors *prometheus.CounterVec

	// Relay
	RelayBytes    *prometheus.CounterVec
	RelayMessages *prometheus.CounterVec

	// Journal
	JournalDropped prometheus.GaugeFunc
}

// New registers the gateway collectors on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "fanout"
	}
	f := promauto.With(reg)

	return &Metrics{
		Endpoints: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "endpoints",
			Help:      "Number of endpoints in the router directory",
		}),
		Envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "envelopes_total",
			Help:      "Envelopes emitted on the bus by type",
		}, []string{"type"}),
		RouterErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "errors_total",
			Help:      "Warning and error envelopes by type",
		}, []string{"type"}),
		RelayBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Payload bytes relayed between devices and MQTT",
		}, []string{"direction"}),
		RelayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages relayed between devices and MQTT",
		}, []string{"direction"}),
	}
}

// Relayed counts one relayed message. It satisfies relay.Telemetry; the
// device is not a label to keep cardinality bounded.
func (m *Metrics) Relayed(direction, _ string, bytes int) {
	m.RelayBytes.WithLabelValues(direction).Add(float64(bytes))
	m.RelayMessages.WithLabelValues(direction).Inc()
}

// Observe counts env and keeps the directory gauge in step with r.
func (m *Metrics) Observe(r *bus.Router, env bus.Envelope) {
	m.Envelopes.WithLabelValues(env.Type).Inc()
	if isFailure(env.Type) {
		m.RouterErrors.WithLabelValues(env.Type).Inc()
	}
	switch env.Type {
	case bus.TypeRegistered, bus.TypeUnregistered:
		m.Endpoints.Set(float64(r.Len()))
	}
}

// Attach observes every envelope on the router until stop is called.
func (m *Metrics) Attach(r *bus.Router) (stop func()) {
	m.Endpoints.Set(float64(r.Len()))
	return bus.Tap(r, func(env bus.Envelope) {
		m.Observe(r, env)
	})
}

// RegisterDropped exposes a counter owned elsewhere (the journal queue) as
// a gauge.
func (m *Metrics) RegisterDropped(reg prometheus.Registerer, namespace string, dropped func() uint64) {
	if namespace == "" {
		namespace = "fanout"
	}
	m.JournalDropped = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "dropped",
		Help:      "Journal entries lost to a full queue",
	}, func() float64 { return float64(dropped()) })
}

func isFailure(typ string) bool {
	switch typ {
	case bus.TypeLogWarn, bus.TypeLogError, bus.TypeRouterError:
		return true
	}
	return strings.HasSuffix(typ, ".error") || strings.HasSuffix(typ, ".Error")
}
