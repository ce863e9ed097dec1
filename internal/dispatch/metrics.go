package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardline_dispatches_total",
			Help: "Total number of dispatches by final status.",
		},
		[]string{"status"},
	)

	dispatchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardline_dispatches_in_flight",
			Help: "Number of dispatches currently running.",
		},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardline_dispatch_duration_seconds",
			Help:    "Wall-clock duration of a dispatch in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"backend"},
	)

	matricesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardline_matrices_total",
			Help: "Total number of matrix submissions by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	submitAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardline_matrix_submit_attempts",
			Help:    "Number of attempts spent per matrix submission.",
			Buckets: prometheus.LinearBuckets(1, 1, 6),
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchesTotal)
	prometheus.MustRegister(dispatchesInFlight)
	prometheus.MustRegister(dispatchDuration)
	prometheus.MustRegister(matricesTotal)
	prometheus.MustRegister(submitAttempts)
}
