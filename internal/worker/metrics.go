package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	clientCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedround",
		Subsystem: "worker",
		Name:      "client_count",
		Help:      "count of clients trained by result",
	}, []string{"result"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fedround",
		Subsystem: "worker",
		Name:      "batch_duration_seconds",
		Help:      "time spent training one assignment",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
	})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(clientCounter)
	registry.MustRegister(batchDuration)
}
