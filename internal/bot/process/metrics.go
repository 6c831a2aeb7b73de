package process

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for recorder exits.
const (
	exitCompleted   = "completed"
	exitTimeout     = "waiting_room_timeout"
	exitClassified  = "classified"
	exitUnexpected  = "unexpected"
	exitInterrupted = "interrupted"
)

var (
	admissionWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meetbot_recorder_admission_wait_seconds",
			Help:    "Time a recorder spent waiting to be admitted to a meeting, in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	activeRecorders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meetbot_recorder_active",
			Help: "Number of recorder processes currently running.",
		},
	)

	recorderExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetbot_recorder_exits_total",
			Help: "Total number of recorder process exits by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(admissionWait)
	prometheus.MustRegister(activeRecorders)
	prometheus.MustRegister(recorderExits)

	for _, reason := range []string{exitCompleted, exitTimeout, exitClassified, exitUnexpected, exitInterrupted} {
		recorderExits.WithLabelValues(reason)
	}
}
