package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry holds only bgdeploy's own collectors, so an exported textfile
	// carries no Go runtime noise
	Registry = prometheus.NewRegistry()

	// Run metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgdeploy_runs_total",
			Help: "Total number of deployment runs by outcome",
		},
		[]string{"outcome"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bgdeploy_run_duration_seconds",
			Help:    "Duration of deployment runs",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
	)

	LastRunTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bgdeploy_last_run_timestamp_seconds",
			Help: "Unix time the last deployment run finished",
		},
	)

	ActiveSlot = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgdeploy_active_slot",
			Help: "Slot serving traffic after the last run (1 = active)",
		},
		[]string{"slot"},
	)

	// Stage metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgdeploy_stage_duration_seconds",
			Help:    "Duration of each deployment stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"stage"},
	)

	HealthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgdeploy_health_check_attempts_total",
			Help: "Total number of health check attempts by mode and result",
		},
		[]string{"mode", "result"},
	)

	// Rollback metrics
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgdeploy_rollbacks_total",
			Help: "Total number of rollbacks by the stage that failed",
		},
		[]string{"stage"},
	)

	UnwindFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgdeploy_unwind_failures_total",
			Help: "Total number of rollback steps that failed",
		},
		[]string{"action"},
	)
)

func init() {
	Registry.MustRegister(RunsTotal)
	Registry.MustRegister(RunDuration)
	Registry.MustRegister(LastRunTimestamp)
	Registry.MustRegister(ActiveSlot)
	Registry.MustRegister(StageDuration)
	Registry.MustRegister(HealthAttempts)
	Registry.MustRegister(RollbacksTotal)
	Registry.MustRegister(UnwindFailuresTotal)
}

// SetActiveSlot marks slot as the only active one. An empty slot clears both.
func SetActiveSlot(slot string, all ...string) {
	for _, s := range all {
		if s == slot {
			ActiveSlot.WithLabelValues(s).Set(1)
		} else {
			ActiveSlot.WithLabelValues(s).Set(0)
		}
	}
}
