package slot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cuemby/bgdeploy/pkg/log"
	"github.com/cuemby/bgdeploy/pkg/runtime"
	"github.com/cuemby/bgdeploy/pkg/types"
	"github.com/rs/zerolog"
)

// Lifecycle starts and stops slot instances through the runtime
type Lifecycle struct {
	runtime runtime.Runtime
	image   string
	logger  zerolog.Logger
}

// NewLifecycle creates a lifecycle for the given image repository
// (e.g. "registry.example.com/app")
func NewLifecycle(rt runtime.Runtime, image string) *Lifecycle {
	return &Lifecycle{
		runtime: rt,
		image:   image,
		logger:  log.WithComponent("lifecycle"),
	}
}

// Image returns the full image reference for tag
func (l *Lifecycle) Image(tag string) string {
	if tag == "" {
		tag = "latest"
	}
	return l.image + ":" + tag
}

// Spec builds the instance spec for running tag in slot
func (l *Lifecycle) Spec(s types.Slot, tag string) types.InstanceSpec {
	return types.InstanceSpec{
		Name:    s.Instance,
		Image:   l.Image(tag),
		Profile: string(s.Name),
		Port:    s.Port,
		Env: []string{
			"PORT=" + strconv.Itoa(s.Port),
			"SLOT=" + string(s.Name),
			"IMAGE_TAG=" + tag,
		},
	}
}

// Start runs tag in slot. An instance already running the same image is left
// alone; any other leftover instance is removed first.
func (l *Lifecycle) Start(ctx context.Context, s types.Slot, tag string) error {
	spec := l.Spec(s, tag)
	logger := log.WithSlot(string(s.Name)).With().Str("component", "lifecycle").Str("image", spec.Image).Logger()

	status, err := l.runtime.Inspect(ctx, s.Instance)
	switch {
	case errors.Is(err, runtime.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to inspect %s: %w", s.Instance, err)
	case status.Running && status.Image == spec.Image:
		logger.Info().Msg("Slot already runs requested image")
		return nil
	default:
		logger.Info().Str("stale_image", status.Image).Msg("Removing stale slot instance")
		if err := l.runtime.Remove(ctx, s.Instance); err != nil {
			return fmt.Errorf("failed to remove stale instance %s: %w", s.Instance, err)
		}
	}

	logger.Info().Msg("Starting slot instance")
	if err := l.runtime.Start(ctx, spec); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.Instance, err)
	}
	return nil
}

// Stop stops and removes the slot instance. A missing instance is success.
func (l *Lifecycle) Stop(ctx context.Context, s types.Slot) error {
	l.logger.Info().Str("slot", string(s.Name)).Str("instance", s.Instance).Msg("Stopping slot instance")

	if err := l.runtime.Stop(ctx, s.Instance); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("failed to stop %s: %w", s.Instance, err)
	}
	if err := l.runtime.Remove(ctx, s.Instance); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("failed to remove %s: %w", s.Instance, err)
	}
	return nil
}

// State reports whether the slot runs and what the runtime says about its
// health
func (l *Lifecycle) State(ctx context.Context, s types.Slot) (types.SlotState, error) {
	state := types.SlotState{Slot: s, Health: types.HealthUnknown}

	status, err := l.runtime.Inspect(ctx, s.Instance)
	if errors.Is(err, runtime.ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to inspect %s: %w", s.Instance, err)
	}

	state.Running = status.Running
	switch status.Health {
	case "healthy":
		state.Health = types.HealthHealthy
	case "unhealthy":
		state.Health = types.HealthUnhealthy
	}
	return state, nil
}
