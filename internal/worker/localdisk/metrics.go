package localdisk

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metricsOnce sync.Once

var (
	diskUsedRatioGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shuffle_worker",
			Subsystem: "local_disk",
			Name:      "used_ratio",
			Help:      "Fraction of disk capacity currently used, as last sampled by the health loop.",
		},
		[]string{"disk"})

	diskHealthTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shuffle_worker",
			Subsystem: "local_disk",
			Name:      "health_transitions_total",
			Help:      "Count of disk health state transitions by resulting state.",
		},
		[]string{"disk", "state"})

	appendDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shuffle_worker",
			Subsystem: "local_disk",
			Name:      "append_duration_seconds",
			Help:      "Wall-clock duration of append dispatches.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"disk"})

	readDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shuffle_worker",
			Subsystem: "local_disk",
			Name:      "read_duration_seconds",
			Help:      "Wall-clock duration of read dispatches.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"disk"})
)

func registerMetricsOnce() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			diskUsedRatioGauge,
			diskHealthTransitionsTotal,
			appendDurationSeconds,
			readDurationSeconds,
		)
	})
}
