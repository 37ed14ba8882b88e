package binary

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes the gateway's connection and device counts on reg.
func RegisterMetrics(reg prometheus.Registerer, g *Gateway) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "hivehub",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open binary device connections",
		}, func() float64 { return float64(g.Stats().Connections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "hivehub",
			Subsystem: "gateway",
			Name:      "devices",
			Help:      "Registered binary devices",
		}, func() float64 { return float64(g.Stats().Devices) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("registering gateway metrics: %w", err)
		}
	}
	return nil
}
