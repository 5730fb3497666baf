package runtime

import (
	"context"
	"errors"

	"github.com/cuemby/bgdeploy/pkg/types"
)

// ErrNotFound is returned when the named instance does not exist
var ErrNotFound = errors.New("instance not found")

// Runtime is the container runtime collaborator. Backends report what is
// actually running; nothing here caches state between calls.
type Runtime interface {
	// ListRunning returns the names of running instances whose name matches
	// the regular expression pattern, in the order the runtime reports them
	ListRunning(ctx context.Context, pattern string) ([]string, error)

	// Inspect returns the status of a single instance or ErrNotFound
	Inspect(ctx context.Context, name string) (types.InstanceStatus, error)

	// Start creates and starts an instance
	Start(ctx context.Context, spec types.InstanceSpec) error

	// Stop stops an instance; a stopped or missing instance is not an error
	Stop(ctx context.Context, name string) error

	// Remove deletes an instance; a missing instance is not an error
	Remove(ctx context.Context, name string) error

	// Close releases backend resources
	Close() error
}
