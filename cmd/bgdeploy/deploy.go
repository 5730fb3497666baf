package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/bgdeploy/pkg/deploy"
	"github.com/cuemby/bgdeploy/pkg/events"
	"github.com/cuemby/bgdeploy/pkg/router"
	"github.com/cuemby/bgdeploy/pkg/storage"
	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy [TAG]",
	Short: "Deploy an image tag to the idle slot",
	Long: `Deploy an image tag to the idle slot and switch traffic to it.

Exit codes:
  0  deployed (a slot left running after cleanup is reported as a warning)
  1  rolled back, or refused because another run holds the lock
  2  rollback incomplete, manual intervention needed

Examples:
  # Deploy the latest tag
  bgdeploy deploy

  # Deploy a specific tag
  bgdeploy deploy v1.4.2 -c /etc/bgdeploy/app.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDeploy,
}

func runDeploy(cmd *cobra.Command, args []string) error {
	tag := "latest"
	if len(args) == 1 {
		tag = args[0]
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to runtime: %w", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// First signal fails the running stage; a second one aborts the rollback
	abort := make(chan struct{})
	done := make(chan struct{})
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, rolling back (interrupt again to abort the rollback)...")
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nAborting rollback...")
			close(abort)
		case <-done:
		}
	}()

	broker := events.NewBroker()
	broker.Start()
	printed := printProgress(broker.Subscribe())

	r := router.NewCommandRouter(cfg.Router.ValidateCommand, cfg.Router.ReloadCommand)
	deployer := deploy.FromConfig(cfg, rt, r, broker, abort)

	fmt.Printf("Deploying %s:%s (service %s)\n", cfg.Image, tag, cfg.Service)
	outcome, err := deployer.Deploy(ctx, tag)
	close(done)
	broker.Close()
	<-printed

	printOutcome(outcome)

	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return &exitError{code: deploy.ExitRolledBack, err: fmt.Errorf("%w (try again once the other run finished)", err)}
		}
		return &exitError{code: outcome.ExitCode(), err: err}
	}
	return nil
}

// printProgress writes stage transitions to stdout until sub is closed
func printProgress(sub events.Subscriber) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			switch ev.Type {
			case events.EventStageEntered:
				fmt.Printf("==> %s\n", ev.Stage)
			case events.EventHealthAttempt:
				fmt.Printf("    %s\n", ev.Message)
			case events.EventStageFailed:
				fmt.Printf("    failed: %s\n", ev.Message)
			case events.EventRollbackStep:
				fmt.Printf("    undone: %s\n", ev.Message)
			case events.EventRollbackFailed:
				fmt.Printf("    NOT undone: %s\n", ev.Message)
			}
		}
	}()
	return done
}

func printOutcome(o *deploy.Outcome) {
	fmt.Println()
	switch o.Result {
	case deploy.ResultSucceeded:
		fmt.Printf("Deployed %s to %s slot in %s\n", o.Tag, o.Active, o.Duration().Round(100*time.Millisecond))
	case deploy.ResultRefused:
		fmt.Println("Deployment refused, nothing was changed")
	case deploy.ResultRolledBack:
		fmt.Printf("Deployment failed at %s and was rolled back\n", o.FailedStage)
	case deploy.ResultRollbackIncomplete:
		fmt.Printf("Deployment failed at %s and the rollback did not complete\n", o.FailedStage)
	}

	switch {
	case o.Active != "":
		fmt.Printf("  Active slot: %s\n", o.Active)
	case o.Result == deploy.ResultRolledBack && o.Previous != "":
		fmt.Printf("  Active slot: none running (router only: %s)\n", o.Previous)
	default:
		fmt.Println("  Active slot: unknown")
	}
	if o.Residual != "" {
		fmt.Printf("  Warning: %s is still running and needs manual cleanup\n", o.Residual)
	}
	for _, f := range o.UnwindFailures {
		fmt.Printf("  Manual action needed: %s: %v\n", f.Action, f.Err)
	}
}
