package tasks

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "tasks",
		Name:      "created_total",
		Help:      "Async tasks created.",
	})
	tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Async tasks that reached a terminal state.",
	}, []string{"status"})
	tasksExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "tasks",
		Name:      "expired_total",
		Help:      "Task records removed by the sweeper.",
	})
	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "inferd",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Time from creation to terminal state.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"status"})
	tasksInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "tasks",
		Name:      "inflight",
		Help:      "Async task goroutines currently running.",
	})
)

func init() {
	prometheus.MustRegister(tasksCreated, tasksFinished, tasksExpired, taskDuration, tasksInflight)
}
