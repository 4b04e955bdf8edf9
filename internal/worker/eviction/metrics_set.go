package eviction

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	setOperationsOnce sync.Once

	setOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shuffle_worker",
			Subsystem: "eviction",
			Name:      "set_operations_total",
			Help:      "Total number of operations against spill candidate sets.",
		},
		[]string{"name", "operation"})
)

type metricsSet[T comparable] struct {
	base   Set[T]
	insert prometheus.Counter
	touch  prometheus.Counter
	peek   prometheus.Counter
	remove prometheus.Counter
}

// NewMetricsSet decorates base with Prometheus counters for each
// operation, labelled by name, matching the
// pkg/eviction/metrics_set.go decorator pattern.
func NewMetricsSet[T comparable](base Set[T], name string) Set[T] {
	setOperationsOnce.Do(func() {
		prometheus.MustRegister(setOperationsTotal)
	})
	return &metricsSet[T]{
		base:   base,
		insert: setOperationsTotal.WithLabelValues(name, "insert"),
		touch:  setOperationsTotal.WithLabelValues(name, "touch"),
		peek:   setOperationsTotal.WithLabelValues(name, "peek"),
		remove: setOperationsTotal.WithLabelValues(name, "remove"),
	}
}

func (s *metricsSet[T]) Insert(key T, size int64) {
	s.insert.Inc()
	s.base.Insert(key, size)
}

func (s *metricsSet[T]) Touch(key T, size int64) {
	s.touch.Inc()
	s.base.Touch(key, size)
}

func (s *metricsSet[T]) Peek() (T, bool) {
	s.peek.Inc()
	return s.base.Peek()
}

func (s *metricsSet[T]) Remove(key T) {
	s.remove.Inc()
	s.base.Remove(key)
}

func (s *metricsSet[T]) Len() int {
	return s.base.Len()
}
