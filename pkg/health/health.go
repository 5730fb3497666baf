package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/bgdeploy/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP    CheckType = "http"
	CheckTypeTCP     CheckType = "tcp"
	CheckTypeRuntime CheckType = "runtime"
	CheckTypeAll     CheckType = "all"
)

// Result represents the outcome of a single health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Inspector is the slice of the runtime a RuntimeChecker needs
type Inspector interface {
	Inspect(ctx context.Context, name string) (types.InstanceStatus, error)
}

// RuntimeChecker checks the runtime-reported state of an instance. The
// instance must be running; when the runtime has a health probe for it, the
// probe must report healthy.
type RuntimeChecker struct {
	Runtime  Inspector
	Instance string
}

// NewRuntimeChecker creates a checker for the named instance
func NewRuntimeChecker(rt Inspector, instance string) *RuntimeChecker {
	return &RuntimeChecker{Runtime: rt, Instance: instance}
}

// Check inspects the instance once
func (r *RuntimeChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := func(healthy bool, msg string) Result {
		return Result{Healthy: healthy, Message: msg, CheckedAt: start, Duration: time.Since(start)}
	}

	status, err := r.Runtime.Inspect(ctx, r.Instance)
	if err != nil {
		return result(false, fmt.Sprintf("inspect failed: %v", err))
	}
	if !status.Running {
		return result(false, fmt.Sprintf("%s is not running", r.Instance))
	}

	switch status.Health {
	case "", string(types.HealthHealthy):
		return result(true, fmt.Sprintf("%s is running", r.Instance))
	default:
		// "starting" and "unhealthy" both mean not ready yet
		return result(false, fmt.Sprintf("%s health is %s", r.Instance, status.Health))
	}
}

// Type returns the health check type
func (r *RuntimeChecker) Type() CheckType {
	return CheckTypeRuntime
}

// allChecker passes only if every checker passes, evaluated in order
type allChecker []Checker

// All combines checkers; evaluation stops at the first failure
func All(checkers ...Checker) Checker {
	if len(checkers) == 1 {
		return checkers[0]
	}
	return allChecker(checkers)
}

// Check runs the checkers in order
func (a allChecker) Check(ctx context.Context) Result {
	start := time.Now()
	messages := make([]string, 0, len(a))

	for _, c := range a {
		r := c.Check(ctx)
		messages = append(messages, fmt.Sprintf("%s: %s", c.Type(), r.Message))
		if !r.Healthy {
			return Result{
				Healthy:   false,
				Message:   strings.Join(messages, "; "),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
	}

	return Result{
		Healthy:   true,
		Message:   strings.Join(messages, "; "),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (a allChecker) Type() CheckType {
	return CheckTypeAll
}
