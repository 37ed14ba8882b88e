package binary

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gaugeValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			out[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	return out
}

func TestRegisterMetrics(t *testing.T) {
	g, svc := newTestGateway(t)
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg, g); err != nil {
		t.Fatalf("RegisterMetrics() error = %v", err)
	}

	got := gaugeValues(t, reg)
	if got["hivehub_gateway_connections"] != 0 || got["hivehub_gateway_devices"] != 0 {
		t.Errorf("initial gauges = %v, want zero", got)
	}

	dev := connect(t, g)
	reg2 := sampleRegistration()
	dev.register(reg2)
	svc.expect(t, "register:"+reg2.ID.String())
	svc.expect(t, "subscribe:"+reg2.ID.String())

	got = gaugeValues(t, reg)
	if got["hivehub_gateway_connections"] != 1 || got["hivehub_gateway_devices"] != 1 {
		t.Errorf("gauges = %v, want 1 connection and 1 device", got)
	}

	if err := RegisterMetrics(reg, g); err == nil {
		t.Error("RegisterMetrics() twice should fail with a duplicate registration")
	}
}
