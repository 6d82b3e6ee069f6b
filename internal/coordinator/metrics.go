package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	roundCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedround",
		Subsystem: "coordinator",
		Name:      "round_count",
		Help:      "count of finished rounds by result",
	}, []string{"result"})

	roundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fedround",
		Subsystem: "coordinator",
		Name:      "round_duration_seconds",
		Help:      "time from sampling to the end of collection",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
	})

	clientOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedround",
		Subsystem: "coordinator",
		Name:      "client_outcome_count",
		Help:      "count of sampled clients by outcome",
	}, []string{"outcome"})

	staleReportCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fedround",
		Subsystem: "coordinator",
		Name:      "stale_report_count",
		Help:      "count of reports discarded because their round was over",
	})

	iterationGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fedround",
		Subsystem: "coordinator",
		Name:      "iteration",
		Help:      "iteration of the global model",
	})

	learningRateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fedround",
		Subsystem: "coordinator",
		Name:      "learning_rate",
		Help:      "current learning rate of the server optimizer",
	})

	validationGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fedround",
		Subsystem: "coordinator",
		Name:      "validation_metric",
		Help:      "last validation metrics of the global model",
	}, []string{"metric"})

	testGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fedround",
		Subsystem: "coordinator",
		Name:      "test_metric",
		Help:      "test set metrics of the final model",
	}, []string{"metric"})

	unhealthyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fedround",
		Subsystem: "coordinator",
		Name:      "unhealthy_transition_count",
		Help:      "number of times a worker rank was marked unhealthy",
	})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(roundCounter)
	registry.MustRegister(roundDuration)
	registry.MustRegister(clientOutcomeCounter)
	registry.MustRegister(staleReportCounter)
	registry.MustRegister(iterationGauge)
	registry.MustRegister(learningRateGauge)
	registry.MustRegister(validationGauge)
	registry.MustRegister(testGauge)
	registry.MustRegister(unhealthyCounter)
}
