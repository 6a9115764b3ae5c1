// Package config provides configuration structures and loading logic for the
// transform execution service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-transform/pkg/domain"
)

// Executor modes accepted by ExecutorConfig.Mode.
const (
	ExecutorModeProcess   = "process"
	ExecutorModeInProcess = "inprocess"
)

// Config holds the global configuration for the service.
type Config struct {
	Transforms TransformsConfig `yaml:"transforms"`
	Limits     LimitsConfig     `yaml:"limits"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Policy     PolicyConfig     `yaml:"policy"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
}

// TransformsConfig holds the feature gate and the trust boundary.
type TransformsConfig struct {
	Enabled      bool     `yaml:"enabled" env:"POLIS_TRANSFORMS_ENABLED"`
	TrustedRoots []string `yaml:"trusted_roots" env:"POLIS_TRANSFORM_TRUSTED_ROOTS" envSeparator:","`
	Manifest     string   `yaml:"manifest" env:"POLIS_TRANSFORM_MANIFEST"`
	WatchModules bool     `yaml:"watch_modules" env:"POLIS_TRANSFORM_WATCH_MODULES"`
}

// LimitsConfig holds the execution budget before it is frozen into domain.Limits.
type LimitsConfig struct {
	Timeout        time.Duration `yaml:"timeout" env:"POLIS_TRANSFORM_TIMEOUT"`
	MaxOutputBytes int           `yaml:"max_output_bytes" env:"POLIS_TRANSFORM_MAX_OUTPUT_BYTES"`
	MaxChain       int           `yaml:"max_transforms_per_chain" env:"POLIS_TRANSFORM_MAX_CHAIN"`
}

// ExecutorConfig selects the isolation tier.
type ExecutorConfig struct {
	Mode string `yaml:"mode" env:"POLIS_TRANSFORM_EXECUTOR"`
	// WorkerCommand is the argv prefix of the worker program; the module path
	// is appended as the last argument. Empty selects the running binary's
	// hidden "worker" subcommand.
	WorkerCommand  []string `yaml:"worker_command" env:"POLIS_TRANSFORM_WORKER_COMMAND" envSeparator:","`
	MaxStderrBytes int      `yaml:"max_stderr_bytes"`
}

// PolicyConfig configures the optional rego admission policy.
type PolicyConfig struct {
	File       string `yaml:"file" env:"POLIS_TRANSFORM_POLICY_FILE"`
	Entrypoint string `yaml:"entrypoint"`
	// DisableCache turns off the decision cache. Required for policies that
	// read input.trace_id, which is not part of the cache key.
	DisableCache bool `yaml:"disable_cache" env:"POLIS_TRANSFORM_POLICY_DISABLE_CACHE"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"POLIS_OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure" env:"POLIS_OTLP_INSECURE"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"POLIS_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty"`
}

// ServerConfig holds configuration for the local HTTP adapter.
type ServerConfig struct {
	Address      string `yaml:"address" env:"POLIS_TRANSFORM_ADDR"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// Default returns a configuration populated with the built-in safe defaults.
// The feature gate is off.
func Default() *Config {
	limits := domain.DefaultLimits()
	return &Config{
		Limits: LimitsConfig{
			Timeout:        limits.Timeout,
			MaxOutputBytes: limits.MaxOutputBytes,
			MaxChain:       limits.MaxTransformsPerChain,
		},
		Executor: ExecutorConfig{
			Mode:           ExecutorModeProcess,
			MaxStderrBytes: 64 << 10,
		},
		Policy: PolicyConfig{
			Entrypoint: "transforms/admission",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-transform",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Address:      "127.0.0.1:8095",
			MaxBodyBytes: 2 << 20,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides only touches fields whose variable is set, so file values
// survive when the environment is silent.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ExecutionLimits freezes the configured budget into an immutable value.
func (c *Config) ExecutionLimits() domain.Limits {
	return domain.Limits{
		Timeout:               c.Limits.Timeout,
		MaxOutputBytes:        c.Limits.MaxOutputBytes,
		MaxTransformsPerChain: c.Limits.MaxChain,
	}
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Transforms.Validate(); err != nil {
		return fmt.Errorf("transforms configuration: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits configuration: %w", err)
	}
	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("executor configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	return nil
}

// Validate normalises trusted roots to clean absolute paths.
func (c *TransformsConfig) Validate() error {
	roots := make([]string, 0, len(c.TrustedRoots))
	for _, root := range c.TrustedRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("%w: trusted root %q: %v", domain.ErrConfigInvalid, root, err)
		}
		roots = append(roots, abs)
	}
	c.TrustedRoots = roots
	return nil
}

// Validate rejects non-positive budgets.
func (c *LimitsConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", domain.ErrConfigInvalid, c.Timeout)
	}
	if c.MaxOutputBytes <= 0 {
		return fmt.Errorf("%w: max_output_bytes must be positive, got %d", domain.ErrConfigInvalid, c.MaxOutputBytes)
	}
	if c.MaxChain <= 0 {
		return fmt.Errorf("%w: max_transforms_per_chain must be positive, got %d", domain.ErrConfigInvalid, c.MaxChain)
	}
	return nil
}

// Validate checks the executor mode.
func (c *ExecutorConfig) Validate() error {
	mode := strings.TrimSpace(strings.ToLower(c.Mode))
	if mode == "" {
		mode = ExecutorModeProcess
	}
	switch mode {
	case ExecutorModeProcess, ExecutorModeInProcess:
		c.Mode = mode
	default:
		return fmt.Errorf("%w: unknown executor mode %q", domain.ErrConfigInvalid, c.Mode)
	}
	if c.MaxStderrBytes <= 0 {
		c.MaxStderrBytes = 64 << 10
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("%w: invalid log level %q", domain.ErrConfigInvalid, c.Level)
	}
}

// Validate fills server defaults.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = "127.0.0.1:8095"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 2 << 20
	}
	return nil
}
