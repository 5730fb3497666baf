package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// ExportConfig selects where a finished run's metrics go. Both targets are
// optional.
type ExportConfig struct {
	// Textfile is a .prom file for node_exporter's textfile collector
	Textfile string

	// PushgatewayURL is the base URL of a Prometheus Pushgateway
	PushgatewayURL string

	// Job is the Pushgateway job name
	Job string

	// Service is added as a grouping key on push
	Service string
}

// Enabled reports whether any export target is configured
func (c ExportConfig) Enabled() bool {
	return c.Textfile != "" || c.PushgatewayURL != ""
}

// Export writes the registry to every configured target
func Export(ctx context.Context, cfg ExportConfig) error {
	return export(ctx, cfg, Registry)
}

func export(ctx context.Context, cfg ExportConfig, g prometheus.Gatherer) error {
	var errs []error

	if cfg.Textfile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Textfile), 0755); err != nil {
			errs = append(errs, fmt.Errorf("failed to create textfile directory: %w", err))
		} else if err := prometheus.WriteToTextfile(cfg.Textfile, g); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics textfile: %w", err))
		}
	}

	if cfg.PushgatewayURL != "" {
		job := cfg.Job
		if job == "" {
			job = "bgdeploy"
		}
		pusher := push.New(cfg.PushgatewayURL, job).Gatherer(g)
		if cfg.Service != "" {
			pusher = pusher.Grouping("service", cfg.Service)
		}
		if err := pusher.PushContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to push metrics: %w", err))
		}
	}

	return errors.Join(errs...)
}
