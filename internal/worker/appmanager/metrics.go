package appmanager

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metricsOnce sync.Once

var (
	aliveAppsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shuffle_worker",
		Subsystem: "app_manager",
		Name:      "alive_apps",
		Help:      "Number of currently registered applications.",
	})

	purgeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shuffle_worker",
			Subsystem: "app_manager",
			Name:      "purge_events_total",
			Help:      "Purge events processed, by kind.",
		},
		[]string{"kind"})

	topResidentBytesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shuffle_worker",
			Subsystem: "app_manager",
			Name:      "top_resident_bytes",
			Help:      "Resident bytes for the top-N apps by resident size.",
		},
		[]string{"app_id", "rank"})
)

func registerMetricsOnce() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(aliveAppsGauge, purgeEventsTotal, topResidentBytesGauge)
	})
}
