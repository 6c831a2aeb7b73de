// Package metrics exposes Prometheus collectors for the bot supervisor.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/meetbot/internal/model"
)

// Admission results.
const (
	AdmissionAccepted    = "accepted"
	AdmissionFull        = "full"
	AdmissionShutdown    = "shutdown"
	AdmissionDuplicate   = "duplicate"
	AdmissionInvalid     = "invalid"
	AdmissionRateLimited = "rate_limited"
)

// Attempt outcomes.
const (
	AttemptSucceeded = "succeeded"
	AttemptRetried   = "retried"
	AttemptGaveUp    = "gave_up"
)

var (
	// activeSource is read at scrape time, so the gauge always matches the
	// supervisor's registry however observer callbacks interleave.
	activeSource atomic.Pointer[func() int]

	activeBots = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "meetbot_active_bots",
			Help: "Number of bot jobs currently admitted and running.",
		},
		func() float64 {
			if fn := activeSource.Load(); fn != nil {
				return float64((*fn)())
			}
			return 0
		},
	)

	maxConcurrentBots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meetbot_max_concurrent_bots",
			Help: "Configured maximum number of concurrent bot jobs.",
		},
	)

	shuttingDown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meetbot_shutting_down",
			Help: "1 once shutdown has been requested and admission is closed.",
		},
	)

	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetbot_admissions_total",
			Help: "Total number of job admission decisions by result.",
		},
		[]string{"result"},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetbot_attempts_total",
			Help: "Total number of bot join attempts by outcome.",
		},
		[]string{"outcome"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetbot_runs_total",
			Help: "Total number of finished bot runs by platform and status.",
		},
		[]string{"platform", "status"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meetbot_run_duration_seconds",
			Help:    "Duration of a bot run from admission to completion, in seconds.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		},
	)
)

func init() {
	prometheus.MustRegister(activeBots)
	prometheus.MustRegister(maxConcurrentBots)
	prometheus.MustRegister(shuttingDown)
	prometheus.MustRegister(admissionsTotal)
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup.
	for _, r := range []string{AdmissionAccepted, AdmissionFull, AdmissionShutdown, AdmissionDuplicate, AdmissionInvalid, AdmissionRateLimited} {
		admissionsTotal.WithLabelValues(r)
	}
	for _, o := range []string{AttemptSucceeded, AttemptRetried, AttemptGaveUp} {
		attemptsTotal.WithLabelValues(o)
	}
	for _, p := range []string{model.PlatformGoogleMeet, model.PlatformZoom, model.PlatformTeams} {
		runsTotal.WithLabelValues(p, model.StatusCompleted)
		runsTotal.WithLabelValues(p, model.StatusFailed)
	}
}

// SetActiveSource makes fn the source of the active bots gauge. A nil fn
// reports zero.
func SetActiveSource(fn func() int) {
	if fn == nil {
		activeSource.Store(nil)
		return
	}
	activeSource.Store(&fn)
}

// SetMaxConcurrent records the configured capacity.
func SetMaxConcurrent(n int) { maxConcurrentBots.Set(float64(n)) }

// SetShuttingDown flips the shutdown gauge.
func SetShuttingDown(v bool) {
	if v {
		shuttingDown.Set(1)
		return
	}
	shuttingDown.Set(0)
}

// ObserveAdmission counts one admission decision.
func ObserveAdmission(result string) { admissionsTotal.WithLabelValues(result).Inc() }

// ObserveAttempt counts one attempt outcome.
func ObserveAttempt(outcome string) { attemptsTotal.WithLabelValues(outcome).Inc() }

// ObserveRun counts a finished run and records its duration.
func ObserveRun(platform, status string, seconds float64) {
	runsTotal.WithLabelValues(platform, status).Inc()
	runDuration.Observe(seconds)
}
