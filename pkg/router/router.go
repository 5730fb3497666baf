package router

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Router is the reverse proxy collaborator
type Router interface {
	// Validate checks the on-disk configuration without applying it
	Validate(ctx context.Context) error

	// Reload makes the router pick up the on-disk configuration
	Reload(ctx context.Context) error
}

// CommandRouter validates and reloads by running external commands, e.g.
// "docker exec proxy nginx -t" and "docker exec proxy nginx -s reload"
type CommandRouter struct {
	ValidateCommand []string
	ReloadCommand   []string
}

// NewCommandRouter creates a router driven by the given argv commands
func NewCommandRouter(validate, reload []string) *CommandRouter {
	return &CommandRouter{
		ValidateCommand: validate,
		ReloadCommand:   reload,
	}
}

// Validate runs the validate command
func (r *CommandRouter) Validate(ctx context.Context) error {
	if err := runCommand(ctx, r.ValidateCommand); err != nil {
		return fmt.Errorf("router config validation failed: %w", err)
	}
	return nil
}

// Reload runs the reload command
func (r *CommandRouter) Reload(ctx context.Context) error {
	if err := runCommand(ctx, r.ReloadCommand); err != nil {
		return fmt.Errorf("router reload failed: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("no command configured")
	}

	output, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
