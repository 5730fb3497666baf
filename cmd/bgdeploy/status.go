package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/bgdeploy/pkg/deploy"
	"github.com/cuemby/bgdeploy/pkg/router"
	"github.com/cuemby/bgdeploy/pkg/slot"
	"github.com/cuemby/bgdeploy/pkg/storage"
	"github.com/cuemby/bgdeploy/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which slot is live and how the last run ended",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to runtime: %w", err)
	}
	defer rt.Close()

	ctx := cmd.Context()
	blue, green := cfg.Slot(types.SlotBlue), cfg.Slot(types.SlotGreen)

	fmt.Printf("Service: %s\n\n", cfg.Service)

	lifecycle := slot.NewLifecycle(rt, cfg.Image)
	fmt.Println("Slots:")
	for _, s := range []types.Slot{blue, green} {
		state, err := lifecycle.State(ctx, s)
		if err != nil {
			fmt.Printf("  %-6s %-20s error: %v\n", s.Name, s.Instance, err)
			continue
		}
		running := "stopped"
		if state.Running {
			running = "running"
		}
		fmt.Printf("  %-6s %-20s %-8s %s (%s)\n", s.Name, s.Instance, running, state.Health, s.Address())
	}

	current, err := slot.NewProber(rt, blue, green).CurrentActive(ctx)
	switch {
	case err != nil:
		fmt.Printf("\nActive (runtime): error: %v\n", err)
	case current == nil:
		fmt.Println("\nActive (runtime): none")
	default:
		fmt.Printf("\nActive (runtime): %s\n", current.Name)
	}

	editor := deploy.NewEditor(cfg, router.NewCommandRouter(nil, nil))
	mapping, err := editor.Inspect()
	switch {
	case err != nil:
		fmt.Printf("Active (router):  error: %v\n", err)
	case mapping.Active == nil:
		fmt.Printf("Active (router):  none in %s\n", editor.Path())
	default:
		fmt.Printf("Active (router):  %s\n", *mapping.Active)
	}

	store, err := storage.OpenReadOnly(cfg.LockPath(), cfg.Lock.Timeout)
	switch {
	case errors.Is(err, storage.ErrLocked):
		fmt.Println("\nA deployment run is in progress")
		return nil
	case errors.Is(err, storage.ErrNotFound):
		fmt.Println("\nNo deployment recorded yet")
		return nil
	case err != nil:
		return err
	}
	defer store.Close()

	rec, err := store.LastOutcome()
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Println("\nNo deployment recorded yet")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println("\nLast run:")
	fmt.Printf("  ID:       %s\n", rec.RunID)
	fmt.Printf("  Tag:      %s\n", rec.Tag)
	fmt.Printf("  Result:   %s (stage %s)\n", rec.Result, rec.Stage)
	fmt.Printf("  Finished: %s (%s)\n", rec.FinishedAt.Format(time.RFC3339), rec.Duration.Round(time.Second))
	if rec.Residual != "" {
		fmt.Printf("  Residual: %s\n", rec.Residual)
	}
	for _, e := range rec.Errors {
		fmt.Printf("  Error:    %s\n", e)
	}
	return nil
}
