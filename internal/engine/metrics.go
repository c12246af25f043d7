package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	generateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "generate_total",
			Help:      "Generate calls by outcome",
		},
		[]string{"outcome"},
	)

	generateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "generate_duration_seconds",
			Help:      "Backend generate latency in seconds, gate wait excluded",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	gateWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "gate",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the concurrency gate",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	gateWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "gate",
		Name:      "waiting",
		Help:      "Callers queued at the concurrency gate",
	})

	gateInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "gate",
		Name:      "inflight",
		Help:      "Generate calls currently admitted by the gate",
	})

	gateRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "gate",
			Name:      "rejected_total",
			Help:      "Callers rejected because the gate queue was full",
		},
		[]string{"strategy"},
	)

	engineReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "ready",
		Help:      "1 once the backend finished loading",
	})

	loadDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "load_duration_seconds",
		Help:      "Duration of the one-time backend load",
	})
)

func init() {
	prometheus.MustRegister(generateTotal, generateDuration, gateWaitDuration, gateWaiting, gateInflight, gateRejectedTotal, engineReady, loadDuration)
}
