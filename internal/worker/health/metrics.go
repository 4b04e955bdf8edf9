package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metricsOnce sync.Once

var stuckMemoryTrippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "shuffle_worker",
	Subsystem: "health",
	Name:      "stuck_memory_tripped_total",
	Help:      "Count of times the sticky stuck-memory health flag tripped.",
})

func registerMetricsOnce() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(stuckMemoryTrippedTotal)
	})
}
