package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	fabricMessageCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedround",
		Subsystem: "fabric",
		Name:      "message_count",
		Help:      "count of fabric messages sent and received",
	}, []string{"direction", "tag"})

	fabricBytesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedround",
		Subsystem: "fabric",
		Name:      "bytes",
		Help:      "payload bytes moved over the fabric",
	}, []string{"direction"})

	fabricErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedround",
		Subsystem: "fabric",
		Name:      "send_error_count",
		Help:      "count of sends that failed after retries",
	}, []string{"tag"})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(fabricMessageCounter)
	registry.MustRegister(fabricBytesCounter)
	registry.MustRegister(fabricErrorCounter)
}
