package deploy

import (
	"github.com/cuemby/bgdeploy/pkg/config"
	"github.com/cuemby/bgdeploy/pkg/events"
	"github.com/cuemby/bgdeploy/pkg/health"
	"github.com/cuemby/bgdeploy/pkg/metrics"
	"github.com/cuemby/bgdeploy/pkg/router"
	"github.com/cuemby/bgdeploy/pkg/runtime"
	"github.com/cuemby/bgdeploy/pkg/slot"
	"github.com/cuemby/bgdeploy/pkg/storage"
	"github.com/cuemby/bgdeploy/pkg/types"
)

// FromConfig wires a Deployer for cfg on top of a runtime and a router
func FromConfig(cfg *config.Config, rt runtime.Runtime, r router.Router, broker *events.Broker, abort <-chan struct{}) *Deployer {
	blue := cfg.Slot(types.SlotBlue)
	green := cfg.Slot(types.SlotGreen)

	return New(Options{
		Service: cfg.Service,
		Blue:    blue,
		Green:   green,
		Lock: func() (storage.Store, error) {
			return storage.Open(cfg.LockPath(), cfg.Lock.Timeout)
		},
		Prober:          slot.NewProber(rt, blue, green),
		Lifecycle:       slot.NewLifecycle(rt, cfg.Image),
		Router:          NewEditor(cfg, r),
		DirectCheck:     DirectChecker(cfg.Health, rt),
		RoutedCheck:     RoutedChecker(cfg),
		Direct:          health.PollConfig{MaxAttempts: cfg.Health.Direct.MaxAttempts, Interval: cfg.Health.Direct.Interval},
		Routed:          health.PollConfig{MaxAttempts: cfg.Health.Routed.MaxAttempts, Interval: cfg.Health.Routed.Interval},
		SettleDelay:     cfg.Router.SettleDelay,
		RollbackTimeout: cfg.RollbackTimeout,
		Abort:           abort,
		Events:          broker,
		Metrics: metrics.ExportConfig{
			Textfile:       cfg.Metrics.Textfile,
			PushgatewayURL: cfg.Metrics.PushgatewayURL,
			Job:            cfg.Metrics.Job,
			Service:        cfg.Service,
		},
	})
}

// NewEditor builds the router config editor for cfg
func NewEditor(cfg *config.Config, r router.Router) *router.Editor {
	return router.NewEditor(cfg.Router.ConfigPath, cfg.Router.Directive, r,
		cfg.Slot(types.SlotBlue), cfg.Slot(types.SlotGreen))
}

// DirectChecker returns the factory for direct-mode checks. Every mode
// first requires the runtime to report the instance running.
func DirectChecker(cfg config.HealthConfig, rt health.Inspector) func(types.Slot) health.Checker {
	return func(s types.Slot) health.Checker {
		running := health.NewRuntimeChecker(rt, s.Instance)

		switch cfg.Direct.Mode {
		case config.DirectModeRuntime:
			return running
		case config.DirectModeTCP:
			return health.All(running, health.NewTCPChecker(s.Address()).WithTimeout(cfg.Timeout))
		default:
			return health.All(running, health.NewHTTPChecker(s.HealthURL(cfg.Path)).WithTimeout(cfg.Timeout))
		}
	}
}

// RoutedChecker checks the router's public health endpoint
func RoutedChecker(cfg *config.Config) health.Checker {
	checker := health.NewHTTPChecker(cfg.Router.HealthURL).
		WithTimeout(cfg.Health.Timeout).
		WithHost(cfg.Router.HealthHost)
	for key, value := range cfg.Router.HealthHeaders {
		checker.WithHeader(key, value)
	}
	return checker
}
