package membuffer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metricsOnce sync.Once

var (
	allocatedBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shuffle_worker",
		Subsystem: "mem_buffer",
		Name:      "allocated_bytes",
		Help:      "Outstanding ticket bytes plus resident used bytes.",
	})

	usedBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shuffle_worker",
		Subsystem: "mem_buffer",
		Name:      "used_bytes",
		Help:      "Resident bytes actually held in memory staging buffers.",
	})

	ticketsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shuffle_worker",
		Subsystem: "mem_buffer",
		Name:      "tickets_expired_total",
		Help:      "Tickets reclaimed by the sweeper without a matching insert.",
	})
)

func registerMetricsOnce() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(allocatedBytesGauge, usedBytesGauge, ticketsExpiredTotal)
	})
}
