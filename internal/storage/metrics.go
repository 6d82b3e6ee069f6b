package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var checkpointSizeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "fedround",
	Subsystem: "storage",
	Name:      "checkpoint_size_bytes",
	Help:      "size of the last written checkpoint",
}, []string{"key"})

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(checkpointSizeGauge)
}
