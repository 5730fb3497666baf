/*
Package metrics defines bgdeploy's Prometheus metrics and exports them when a
run finishes.

A deployment run is a short-lived process, so nothing is scraped. All
collectors live in a dedicated Registry and are written out after the run:

	┌─────────── Registry ───────────┐
	│ bgdeploy_runs_total{outcome}    │
	│ bgdeploy_run_duration_seconds   │──► WriteToTextfile (node_exporter)
	│ bgdeploy_stage_duration_seconds │
	│ bgdeploy_health_check_attempts  │──► Pushgateway (PUT job/service)
	│ bgdeploy_rollbacks_total{stage} │
	│ bgdeploy_active_slot{slot}      │
	└─────────────────────────────────┘

# Usage

Timing a stage:

	timer := metrics.NewTimer()
	err := stage(ctx)
	timer.ObserveDurationVec(metrics.StageDuration, "direct_health_check")

Exporting after the run:

	err := metrics.Export(ctx, metrics.ExportConfig{
		Textfile:       "/var/lib/node_exporter/textfile/bgdeploy.prom",
		PushgatewayURL: "http://pushgateway:9091",
		Service:        "app",
	})

Export errors are logged by the caller and never change the run's outcome.
*/
package metrics
