package driver

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	inflight  prometheus.Gauge
	handles   prometheus.Gauge
	completed *prometheus.CounterVec
	latency   prometheus.Histogram
}

func newMetrics(namespace string, reg prometheus.Registerer) *metrics {
	m := &metrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "inflight_operations",
			Help:      "Operations submitted and not yet completed.",
		}),
		handles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "live_handles",
			Help:      "Operation handles not yet freed.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "completed_operations_total",
			Help:      "Completed operations by status.",
		}, []string{"status"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "operation_duration_seconds",
			Help:      "Time from submission to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inflight, m.handles, m.completed, m.latency)
	}
	return m
}
