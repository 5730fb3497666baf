/*
Package log provides structured logging for bgdeploy using zerolog.

The log package wraps zerolog with a global logger, a small level vocabulary and
child-logger helpers that attach the fields a deployment run is searched by:
component, run_id and slot.

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.ParseLevel("debug"),
		JSONOutput: false,
		Output:     os.Stderr,
	})

Component Loggers:

	logger := log.WithComponent("deploy")
	logger.Info().Str("slot", "green").Msg("Starting target slot")

Run Loggers:

	runLog := log.WithRunID(run.ID)
	runLog.Warn().Msg("Cleanup of previous slot failed")

The console writer is the default; JSON output is selected with --json-logs
so that runs driven from CI can be parsed. Logs go to stderr, leaving stdout
to the deployment progress and outcome summary.
*/
package log
