package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomePanic    = "panic"
	outcomeRejected = "rejected"
)

type metrics struct {
	tasksTotal     *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	waitDuration   prometheus.Histogram
	inFlight       prometheus.Gauge
	tasksAbandoned prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_resize_worker_tasks_total",
			Help: "Total transform tasks by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "image_resize_worker_task_duration_seconds",
			Help:    "Time spent running a transform task on a worker.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		waitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "image_resize_worker_wait_duration_seconds",
			Help:    "Time a request waited for a free worker slot.",
			Buckets: prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "image_resize_worker_in_flight",
			Help: "Transform tasks currently running.",
		}),
		tasksAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "image_resize_worker_tasks_abandoned_total",
			Help: "Tasks whose caller stopped waiting before they finished.",
		}),
	}

	reg.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.waitDuration,
		m.inFlight,
		m.tasksAbandoned,
	)
	return m
}
