package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg, "test"), reg
}

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestRelayed(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.Relayed("uplink", "dev-1", 5)
	m.Relayed("uplink", "dev-2", 7)
	m.Relayed("downlink", "dev-1", 1)

	if got := testutil.ToFloat64(m.RelayBytes.WithLabelValues("uplink")); got != 12 {
		t.Errorf("uplink bytes = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.RelayMessages.WithLabelValues("uplink")); got != 2 {
		t.Errorf("uplink messages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RelayMessages.WithLabelValues("downlink")); got != 1 {
		t.Errorf("downlink messages = %v, want 1", got)
	}
}

func TestAttachTracksDirectory(t *testing.T) {
	m, reg := newTestMetrics(t)
	r := bus.NewRouter()
	defer r.Dispose()

	stop := m.Attach(r)
	defer stop()

	a, b := bus.NewPort("a"), bus.NewPort("b")
	r.Register(a)
	r.Register(b)
	r.Register(a) // router.error
	r.Unregister(b)

	if got := testutil.ToFloat64(m.Endpoints); got != 2 {
		t.Errorf("endpoints = %v, want 2 (router + a)", got)
	}
	if got := testutil.ToFloat64(m.Envelopes.WithLabelValues(bus.TypeRegistered)); got != 2 {
		t.Errorf("registered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RouterErrors.WithLabelValues(bus.TypeRouterError)); got != 1 {
		t.Errorf("router errors = %v, want 1", got)
	}

	mf := family(t, reg, "test_bus_envelopes_total")
	if mf.GetType() != dto.MetricType_COUNTER {
		t.Errorf("type = %v, want counter", mf.GetType())
	}
}

func TestObserveCountsEndpointErrors(t *testing.T) {
	m, _ := newTestMetrics(t)
	r := bus.NewRouter()
	defer r.Dispose()

	m.Observe(r, bus.Envelope{Type: "mqtt.connection.error"})
	m.Observe(r, bus.Envelope{Type: "iotTcp.Connection.Error"})
	m.Observe(r, bus.Envelope{Type: "iotTcp.Connection.Data"})

	if got := testutil.CollectAndCount(m.RouterErrors); got != 2 {
		t.Errorf("error series = %d, want 2", got)
	}
}

func TestRegisterDropped(t *testing.T) {
	m, reg := newTestMetrics(t)
	var n uint64 = 3

	m.RegisterDropped(reg, "test", func() uint64 { return n })

	mf := family(t, reg, "test_journal_dropped")
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("dropped = %v, want 3", got)
	}
}
