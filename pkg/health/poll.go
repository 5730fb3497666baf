package health

import (
	"context"
	"time"

	"github.com/cuemby/bgdeploy/pkg/types"
)

// PollConfig bounds a polling loop
type PollConfig struct {
	// MaxAttempts is the number of checks before giving up (minimum 1)
	MaxAttempts int

	// Interval is the wait between a failed check and the next attempt
	Interval time.Duration

	// OnAttempt, if set, is called after every check
	OnAttempt func(attempt int, result Result)
}

// PollResult is the outcome of a polling loop
type PollResult struct {
	Health   types.Health
	Attempts int
	Last     Result

	// Err is set when the context ended the loop early
	Err error
}

// Healthy reports whether the loop ended with a passing check
func (p PollResult) Healthy() bool {
	return p.Health == types.HealthHealthy
}

// Poll runs checker until it passes or MaxAttempts checks have failed.
// It returns immediately on the first passing check and never sleeps after
// the final attempt. Cancelling ctx stops the loop and reports Unhealthy.
func Poll(ctx context.Context, checker Checker, cfg PollConfig) PollResult {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return PollResult{Health: types.HealthUnhealthy, Attempts: attempt - 1, Last: last, Err: err}
		}

		last = checker.Check(ctx)
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, last)
		}

		if last.Healthy {
			return PollResult{Health: types.HealthHealthy, Attempts: attempt, Last: last}
		}

		if attempt == maxAttempts {
			break
		}

		if err := Sleep(ctx, cfg.Interval); err != nil {
			return PollResult{Health: types.HealthUnhealthy, Attempts: attempt, Last: last, Err: err}
		}
	}

	return PollResult{Health: types.HealthUnhealthy, Attempts: maxAttempts, Last: last}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
