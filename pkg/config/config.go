package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/bgdeploy/pkg/types"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when --config is not given
const DefaultPath = "bgdeploy.yaml"

// EnvPrefix prefixes every environment override
const EnvPrefix = "BGDEPLOY_"

// Runtime backends
const (
	BackendCompose    = "compose"
	BackendContainerd = "containerd"
)

// Direct health check modes
const (
	DirectModeHTTP    = "http"
	DirectModeTCP     = "tcp"
	DirectModeRuntime = "runtime"
)

// Config is the complete bgdeploy configuration
type Config struct {
	// Service is the logical service name; it scopes the run lock
	Service string `yaml:"service"`

	// BaseDir is the service's base directory (compose project, .env)
	BaseDir string `yaml:"base_dir"`

	// StateDir holds the run lock database
	StateDir string `yaml:"state_dir"`

	// Image is the image reference without tag
	Image string `yaml:"image"`

	Runtime RuntimeConfig                 `yaml:"runtime"`
	Slots   map[types.SlotName]SlotConfig `yaml:"slots"`
	Router  RouterConfig                  `yaml:"router"`
	Health  HealthConfig                  `yaml:"health"`
	Lock    LockConfig                    `yaml:"lock"`
	Metrics MetricsConfig                 `yaml:"metrics"`

	// RollbackTimeout bounds the unwind after a failure or interrupt
	RollbackTimeout time.Duration `yaml:"rollback_timeout"`
}

// RuntimeConfig selects and configures the container runtime backend
type RuntimeConfig struct {
	Backend     string        `yaml:"backend"`
	Socket      string        `yaml:"socket"`
	Namespace   string        `yaml:"namespace"`
	ComposeFile string        `yaml:"compose_file"`
	Project     string        `yaml:"project"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// SlotConfig is the static definition of one slot
type SlotConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Instance string `yaml:"instance"`
}

// RouterConfig describes the reverse proxy collaborator
type RouterConfig struct {
	ConfigPath      string        `yaml:"config_path"`
	Directive       string        `yaml:"directive"`
	ValidateCommand []string      `yaml:"validate_command"`
	ReloadCommand   []string      `yaml:"reload_command"`
	HealthURL       string        `yaml:"health_url"`

	// HealthHost overrides the Host header of the routed check, for routers
	// that select the server block by name
	HealthHost    string            `yaml:"health_host,omitempty"`
	HealthHeaders map[string]string `yaml:"health_headers,omitempty"`

	SettleDelay time.Duration `yaml:"settle_delay"`
}

// HealthConfig holds both health-check modes
type HealthConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
	Direct  PollConfig    `yaml:"direct"`
	Routed  PollConfig    `yaml:"routed"`
}

// PollConfig bounds one polling loop
type PollConfig struct {
	Mode        string        `yaml:"mode,omitempty"`
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// LockConfig configures the run lock
type LockConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig configures metric export at the end of a run
type MetricsConfig struct {
	Textfile       string `yaml:"textfile"`
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Default returns a Config with the reference defaults
func Default() *Config {
	return &Config{
		Service:  "app",
		BaseDir:  ".",
		StateDir: "/var/lib/bgdeploy",
		Runtime: RuntimeConfig{
			Backend:     BackendCompose,
			Socket:      "/run/containerd/containerd.sock",
			Namespace:   "bgdeploy",
			ComposeFile: "docker-compose.yml",
			StopTimeout: 10 * time.Second,
		},
		Slots: map[types.SlotName]SlotConfig{
			types.SlotBlue:  {Host: "127.0.0.1", Port: 8001},
			types.SlotGreen: {Host: "127.0.0.1", Port: 8002},
		},
		Router: RouterConfig{
			Directive:       "server",
			ValidateCommand: []string{"nginx", "-t"},
			ReloadCommand:   []string{"nginx", "-s", "reload"},
			HealthURL:       "http://127.0.0.1/health",
			SettleDelay:     5 * time.Second,
		},
		Health: HealthConfig{
			Path:    "/health",
			Timeout: 5 * time.Second,
			Direct:  PollConfig{Mode: DirectModeHTTP, MaxAttempts: 30, Interval: 5 * time.Second},
			Routed:  PollConfig{MaxAttempts: 10, Interval: 5 * time.Second},
		},
		Lock:            LockConfig{Timeout: time.Second},
		Metrics:         MetricsConfig{Job: "bgdeploy"},
		RollbackTimeout: 2 * time.Minute,
	}
}

// Load reads the YAML file at path on top of the defaults, then applies the
// .env file in the base directory and BGDEPLOY_* environment overrides.
// An empty path loads defaults plus overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}

	env, err := readDotEnv(filepath.Join(cfg.BaseDir, ".env"))
	if err != nil {
		return nil, err
	}
	lookup := func(key string) (string, bool) {
		// Process environment wins over .env
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	cfg.fillSlotDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readDotEnv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return env, nil
}

// ApplyEnv overrides selected keys from BGDEPLOY_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
		return nil
	}

	str("SERVICE", &c.Service)
	str("IMAGE", &c.Image)
	str("STATE_DIR", &c.StateDir)
	str("RUNTIME", &c.Runtime.Backend)
	str("ROUTER_CONFIG", &c.Router.ConfigPath)
	str("ROUTER_HEALTH_URL", &c.Router.HealthURL)
	str("ROUTER_HEALTH_HOST", &c.Router.HealthHost)

	for _, name := range types.SlotNames {
		sc := c.Slots[name]
		prefix := strings.ToUpper(string(name)) + "_"
		str(prefix+"HOST", &sc.Host)
		if err := num(prefix+"PORT", &sc.Port); err != nil {
			return err
		}
		if c.Slots == nil {
			c.Slots = make(map[types.SlotName]SlotConfig)
		}
		c.Slots[name] = sc
	}

	if err := num("DIRECT_ATTEMPTS", &c.Health.Direct.MaxAttempts); err != nil {
		return err
	}
	if err := num("ROUTED_ATTEMPTS", &c.Health.Routed.MaxAttempts); err != nil {
		return err
	}
	for key, dst := range map[string]*time.Duration{
		"DIRECT_INTERVAL": &c.Health.Direct.Interval,
		"ROUTED_INTERVAL": &c.Health.Routed.Interval,
		"SETTLE_DELAY":    &c.Router.SettleDelay,
	} {
		if err := duration(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// fillSlotDefaults derives instance names from the service name
func (c *Config) fillSlotDefaults() {
	for _, name := range types.SlotNames {
		sc := c.Slots[name]
		if sc.Instance == "" {
			sc.Instance = c.Service + "-" + string(name)
		}
		if sc.Host == "" {
			sc.Host = "127.0.0.1"
		}
		c.Slots[name] = sc
	}
}

// Validate checks the configuration for values the orchestrator cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Service == "" {
		errs = append(errs, errors.New("service is required"))
	}
	if c.Image == "" {
		errs = append(errs, errors.New("image is required"))
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	switch c.Runtime.Backend {
	case BackendCompose, BackendContainerd:
	default:
		errs = append(errs, fmt.Errorf("unknown runtime backend %q", c.Runtime.Backend))
	}

	for _, name := range types.SlotNames {
		sc, ok := c.Slots[name]
		if !ok {
			errs = append(errs, fmt.Errorf("slot %s is not configured", name))
			continue
		}
		if sc.Port <= 0 || sc.Port > 65535 {
			errs = append(errs, fmt.Errorf("slot %s: invalid port %d", name, sc.Port))
		}
	}
	for name := range c.Slots {
		if !name.Valid() {
			errs = append(errs, fmt.Errorf("unknown slot %q (expected blue or green)", name))
		}
	}
	if b, g := c.Slots[types.SlotBlue], c.Slots[types.SlotGreen]; b.Port == g.Port && b.Host == g.Host {
		errs = append(errs, errors.New("blue and green slots must use different addresses"))
	}

	if c.Router.ConfigPath == "" {
		errs = append(errs, errors.New("router.config_path is required"))
	}
	if c.Router.Directive == "" {
		errs = append(errs, errors.New("router.directive is required"))
	}
	if len(c.Router.ValidateCommand) == 0 || len(c.Router.ReloadCommand) == 0 {
		errs = append(errs, errors.New("router validate_command and reload_command are required"))
	}
	if c.Router.HealthURL == "" {
		errs = append(errs, errors.New("router.health_url is required"))
	}

	switch c.Health.Direct.Mode {
	case DirectModeHTTP, DirectModeTCP, DirectModeRuntime:
	default:
		errs = append(errs, fmt.Errorf("unknown health.direct.mode %q", c.Health.Direct.Mode))
	}
	if c.Health.Direct.MaxAttempts < 1 || c.Health.Routed.MaxAttempts < 1 {
		errs = append(errs, errors.New("health max_attempts must be at least 1"))
	}
	if c.Health.Direct.Interval < 0 || c.Health.Routed.Interval < 0 || c.Router.SettleDelay < 0 {
		errs = append(errs, errors.New("health intervals and settle delay must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Slot returns the typed slot definition for name
func (c *Config) Slot(name types.SlotName) types.Slot {
	sc := c.Slots[name]
	return types.Slot{
		Name:     name,
		Host:     sc.Host,
		Port:     sc.Port,
		Instance: sc.Instance,
	}
}

// LockPath is the bbolt file that serialises runs of this service
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, c.Service+".lock.db")
}
