package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/cuemby/bgdeploy/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// CommandRunner executes an external command and returns its combined output
type CommandRunner func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.Bytes(), err
}

// ContainerAPI is the subset of the Docker Engine client the compose backend
// queries
type ContainerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// ComposeRuntime implements Runtime on a Docker host. Each slot is a compose
// service behind a profile named after the slot, with container_name set to
// the slot's instance name, e.g.:
//
//	services:
//	  app-blue:
//	    image: ${IMAGE}
//	    container_name: app-blue
//	    profiles: [blue]
//
// Containers are started with `docker compose up` since the Engine API has no
// notion of compose profiles; everything else goes through the Engine API.
type ComposeRuntime struct {
	// Dir is the compose project directory (the service base directory)
	Dir string

	// File is the compose file relative to Dir
	File string

	// Project overrides the compose project name
	Project string

	// Docker is the docker binary (default "docker")
	Docker string

	// StopTimeout is how long the daemon waits before killing a container
	StopTimeout time.Duration

	api ContainerAPI
	run CommandRunner
}

// NewComposeRuntime connects to the Docker daemon configured by the
// environment (DOCKER_HOST and friends)
func NewComposeRuntime(dir, file, project string, stopTimeout time.Duration) (*ComposeRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newComposeRuntime(dir, file, project, stopTimeout, cli), nil
}

func newComposeRuntime(dir, file, project string, stopTimeout time.Duration, api ContainerAPI) *ComposeRuntime {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &ComposeRuntime{
		Dir:         dir,
		File:        file,
		Project:     project,
		Docker:      "docker",
		StopTimeout: stopTimeout,
		api:         api,
		run:         ExecRunner,
	}
}

// WithRunner replaces the command runner
func (r *ComposeRuntime) WithRunner(run CommandRunner) *ComposeRuntime {
	r.run = run
	return r
}

// Close closes the docker client
func (r *ComposeRuntime) Close() error {
	return r.api.Close()
}

// ListRunning lists running containers whose name matches pattern
func (r *ComposeRuntime) ListRunning(ctx context.Context, pattern string) ([]string, error) {
	containers, err := r.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("name", pattern),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var names []string
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		// The Engine API reports names with a leading slash
		names = append(names, strings.TrimPrefix(c.Names[0], "/"))
	}
	return names, nil
}

// Inspect returns a container's state, health and image
func (r *ComposeRuntime) Inspect(ctx context.Context, name string) (types.InstanceStatus, error) {
	info, err := r.api.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return types.InstanceStatus{}, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return types.InstanceStatus{}, fmt.Errorf("failed to inspect %s: %w", name, err)
	}

	status := types.InstanceStatus{Name: name}
	if info.ContainerJSONBase != nil && info.State != nil {
		status.Running = info.State.Running
		if info.State.Health != nil {
			status.Health = info.State.Health.Status
		}
	}
	if info.Config != nil {
		status.Image = info.Config.Image
	}
	return status, nil
}

// Start brings the slot's compose service up with the requested image
func (r *ComposeRuntime) Start(ctx context.Context, spec types.InstanceSpec) error {
	env := append([]string{
		"IMAGE=" + spec.Image,
		fmt.Sprintf("SLOT_PORT=%d", spec.Port),
	}, spec.Env...)

	args := r.composeArgs("--profile", spec.Profile, "up", "-d", "--no-deps", spec.Name)
	out, err := r.run(ctx, r.Dir, env, r.Docker, args...)
	if err != nil {
		return fmt.Errorf("failed to start %s: %w: %s", spec.Name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Stop stops a container; a stopped or missing container is not an error
func (r *ComposeRuntime) Stop(ctx context.Context, name string) error {
	timeout := int(r.StopTimeout.Seconds())
	if err := r.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return nil
}

// Remove force-removes a container
func (r *ComposeRuntime) Remove(ctx context.Context, name string) error {
	if err := r.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

func (r *ComposeRuntime) composeArgs(args ...string) []string {
	base := []string{"compose"}
	if r.File != "" {
		base = append(base, "-f", r.File)
	}
	if r.Project != "" {
		base = append(base, "-p", r.Project)
	}
	return append(base, args...)
}
