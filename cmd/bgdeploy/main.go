package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/bgdeploy/pkg/config"
	"github.com/cuemby/bgdeploy/pkg/log"
	"github.com/cuemby/bgdeploy/pkg/runtime"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exitError carries a specific process exit code out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bgdeploy",
	Short: "bgdeploy - blue/green deployments for a single host",
	Long: `bgdeploy rolls a new image tag out to the idle one of two slots,
checks it, switches the reverse proxy over and stops the old slot.

Any failure before traffic is confirmed on the new slot rolls
everything back to the state before the run.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		log.Init(log.Config{
			Level:      log.ParseLevel(level),
			JSONOutput: jsonLogs,
		})
	},
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"bgdeploy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultPath, "Path to the bgdeploy config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	// Add subcommands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads --config. The default path may be absent, in which case
// defaults and environment overrides are used alone.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// newRuntime connects the configured runtime backend
func newRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime.Backend {
	case config.BackendContainerd:
		rt, err := runtime.NewContainerdRuntime(cfg.Runtime.Socket, cfg.Runtime.Namespace, cfg.Runtime.StopTimeout)
		if err != nil {
			return nil, err
		}
		return rt, nil
	default:
		rt, err := runtime.NewComposeRuntime(cfg.BaseDir, cfg.Runtime.ComposeFile, cfg.Runtime.Project, cfg.Runtime.StopTimeout)
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
}
