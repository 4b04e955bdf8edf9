package ioscheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metricsOnce sync.Once

var (
	outstandingPermitsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shuffle_worker",
			Subsystem: "io_scheduler",
			Name:      "outstanding_permit_bytes",
			Help:      "Bytes currently admitted from an io scheduler pool.",
		},
		[]string{"disk", "pool"})

	waitDepthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shuffle_worker",
			Subsystem: "io_scheduler",
			Name:      "wait_depth",
			Help:      "Number of callers currently blocked waiting for an io scheduler pool.",
		},
		[]string{"disk", "pool"})
)

func registerMetricsOnce() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(outstandingPermitsGauge, waitDepthGauge)
	})
}

func (s *Scheduler) incWaitDepth(poolName string) {
	waitDepthGauge.WithLabelValues(s.diskName, poolName).Inc()
}

func (s *Scheduler) decWaitDepth(poolName string) {
	waitDepthGauge.WithLabelValues(s.diskName, poolName).Dec()
}
