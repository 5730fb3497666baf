package runtime

import (
	"context"
	"fmt"
	"regexp"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/bgdeploy/pkg/log"
	"github.com/cuemby/bgdeploy/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for bgdeploy
	DefaultNamespace = "bgdeploy"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// LabelProfile records the slot profile an instance was started with
	LabelProfile = "io.bgdeploy.profile"
)

// ContainerdRuntime implements Runtime using containerd. Slot instances run
// in the host network namespace so they listen directly on their slot port.
type ContainerdRuntime struct {
	client      *containerd.Client
	namespace   string
	stopTimeout time.Duration
	logger      zerolog.Logger
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace string, stopTimeout time.Duration) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:      client,
		namespace:   namespace,
		stopTimeout: stopTimeout,
		logger:      log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ListRunning returns running containers whose ID matches pattern
func (r *ContainerdRuntime) ListRunning(ctx context.Context, pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid instance pattern %q: %w", pattern, err)
	}

	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var names []string
	for _, c := range containers {
		if !re.MatchString(c.ID()) {
			continue
		}
		running, err := taskRunning(ctx, c)
		if err != nil {
			return nil, err
		}
		if running {
			names = append(names, c.ID())
		}
	}

	return names, nil
}

// Inspect returns the status of a container
func (r *ContainerdRuntime) Inspect(ctx context.Context, name string) (types.InstanceStatus, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.InstanceStatus{}, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return types.InstanceStatus{}, fmt.Errorf("failed to load container %s: %w", name, err)
	}

	info, err := container.Info(ctx)
	if err != nil {
		return types.InstanceStatus{}, fmt.Errorf("failed to get container info %s: %w", name, err)
	}

	running, err := taskRunning(ctx, container)
	if err != nil {
		return types.InstanceStatus{}, err
	}

	// containerd has no health probes; health stays empty
	return types.InstanceStatus{
		Name:    name,
		Running: running,
		Image:   info.Image,
	}, nil
}

// Start pulls the image, creates the container and starts its task
func (r *ContainerdRuntime) Start(ctx context.Context, spec types.InstanceSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	// Pull the image
	image, err := r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}

	// Create the container
	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{LabelProfile: spec.Profile}),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	// Create a task (running instance)
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	// Start the task
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// Stop stops a running container's task
func (r *ContainerdRuntime) Stop(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running
		return nil
	}

	// Create a context with timeout for graceful shutdown
	stopCtx, cancel := context.WithTimeout(ctx, r.stopTimeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	// Try graceful shutdown first (SIGTERM)
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		// Timeout - force kill (SIGKILL)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	// Delete the task
	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Remove deletes a container and its snapshot
func (r *ContainerdRuntime) Remove(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	// Stop the container first if running
	if err := r.Stop(ctx, name); err != nil {
		r.logger.Warn().Err(err).Str("instance", name).
			Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

func taskRunning(ctx context.Context, container containerd.Container) (bool, error) {
	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means container is not running
		return false, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return true, nil
	default:
		return false, nil
	}
}
