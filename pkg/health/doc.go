/*
Package health provides the health checks a deployment run uses to decide
whether a slot may receive traffic and whether traffic actually flows.

# Architecture

	┌──────────────────────────────────────────────────────────┐
	│                     Checker Interface                     │
	│  • Check(ctx) Result                                      │
	│  • Type() CheckType                                       │
	└────────┬──────────────┬───────────────┬──────────────────┘
	         │              │               │
	    ┌────▼───┐     ┌────▼───┐     ┌─────▼────┐
	    │  HTTP  │     │  TCP   │     │ Runtime  │
	    │Checker │     │Checker │     │ Checker  │
	    └────────┘     └────────┘     └──────────┘
	         GET /health   connect   running + probe

	All(c1, c2, ...) combines checkers in order, stopping at the first failure.

	Poll(ctx, checker, PollConfig{MaxAttempts, Interval}) is the only retry
	loop in bgdeploy.

# Check Modes

Direct mode validates a freshly started slot before it receives traffic:

	health.All(
		health.NewRuntimeChecker(rt, slot.Instance),
		health.NewHTTPChecker(slot.HealthURL("/health")),
	)

Routed mode validates the full traffic path after the router switched:

	health.NewHTTPChecker("http://127.0.0.1/health")

HTTP checks accept 2xx only. Redirects are not followed.

# Polling

Poll checks once per attempt. A passing check returns Healthy at once; a
failing check waits Interval and retries; after MaxAttempts failures the
result is Unhealthy. There is no wait after the last attempt, and an Interval
of zero makes the loop run without sleeping, which is what the tests use.

	result := health.Poll(ctx, checker, health.PollConfig{
		MaxAttempts: 30,
		Interval:    5 * time.Second,
	})
	if !result.Healthy() {
		return fmt.Errorf("slot unhealthy after %d attempts: %s", result.Attempts, result.Last.Message)
	}

A cancelled context ends the loop early with Unhealthy and Err set.
*/
package health
