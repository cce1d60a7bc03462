package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/finsight/conductor/pkg/models"
)

// conductorYAMLConfig represents the complete conductor.yaml file structure
type conductorYAMLConfig struct {
	System *systemYAMLConfig      `yaml:"system"`
	Limits *limitsYAMLConfig      `yaml:"limits"`
	Runner *runnerYAMLConfig      `yaml:"runner"`
	Plans  map[string]models.Plan `yaml:"plans"`
}

// systemYAMLConfig groups system-wide infrastructure settings from YAML.
type systemYAMLConfig struct {
	DashboardURL     string           `yaml:"dashboard_url"`
	AllowedWSOrigins []string         `yaml:"allowed_ws_origins"`
	Slack            *slackYAMLConfig `yaml:"slack"`
}

// slackYAMLConfig holds Slack notification settings from YAML.
type slackYAMLConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// limitsYAMLConfig bounds session logs and viewer delivery from YAML.
type limitsYAMLConfig struct {
	MessageCap          int    `yaml:"message_cap,omitempty"`
	ToolCallCap         int    `yaml:"tool_call_cap,omitempty"`
	SendBuffer          int    `yaml:"send_buffer,omitempty"`
	DeliveryGracePeriod string `yaml:"delivery_grace_period,omitempty"` // parsed to time.Duration
}

// runnerYAMLConfig selects agent dispatch from YAML.
type runnerYAMLConfig struct {
	WebhookURL      string `yaml:"webhook_url,omitempty"`
	DispatchTimeout string `yaml:"dispatch_timeout,omitempty"` // parsed to time.Duration
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully", "plans", stats.Plans)
	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	raw, err := loadConductorYAML(configDir)
	if err != nil {
		return nil, NewLoadError("conductor.yaml", err)
	}

	plans := make(map[string]models.Plan, len(raw.Plans))
	for name, plan := range raw.Plans {
		plan.Normalize()
		plans[name] = plan
	}

	return &Config{
		configDir: configDir,
		System:    resolveSystemConfig(raw.System),
		Limits:    resolveLimitsConfig(raw.Limits),
		Runner:    resolveRunnerConfig(raw.Runner),
		Plans:     plans,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	for name, plan := range cfg.Plans {
		if err := plan.Validate(); err != nil {
			return fmt.Errorf("plan template %q: %w", name, err)
		}
	}
	if cfg.Limits.MessageCap <= 0 || cfg.Limits.ToolCallCap <= 0 {
		return fmt.Errorf("%w: log caps must be positive", ErrInvalidValue)
	}
	if cfg.System.Slack.Enabled && cfg.System.Slack.Channel == "" {
		return fmt.Errorf("%w: slack.channel is required when slack is enabled", ErrInvalidValue)
	}
	return nil
}

func loadConductorYAML(configDir string) (*conductorYAMLConfig, error) {
	path := filepath.Join(configDir, "conductor.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	data = ExpandEnv(data)

	var raw conductorYAMLConfig
	raw.Plans = make(map[string]models.Plan)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &raw, nil
}

// resolveSystemConfig resolves system configuration from YAML, applying defaults.
func resolveSystemConfig(sys *systemYAMLConfig) SystemConfig {
	cfg := SystemConfig{
		DashboardURL: "http://localhost:5173",
		Slack: SlackConfig{
			Enabled:  false,
			TokenEnv: "SLACK_BOT_TOKEN",
		},
	}

	if sys == nil {
		return cfg
	}
	if sys.DashboardURL != "" {
		cfg.DashboardURL = sys.DashboardURL
	}
	cfg.AllowedWSOrigins = sys.AllowedWSOrigins

	if s := sys.Slack; s != nil {
		if s.Enabled != nil {
			cfg.Slack.Enabled = *s.Enabled
		}
		if s.TokenEnv != "" {
			cfg.Slack.TokenEnv = s.TokenEnv
		}
		if s.Channel != "" {
			cfg.Slack.Channel = s.Channel
		}
	}
	return cfg
}

// resolveLimitsConfig merges user limits over built-in defaults; non-zero
// values override.
func resolveLimitsConfig(raw *limitsYAMLConfig) LimitsConfig {
	cfg := DefaultLimitsConfig()
	if raw == nil {
		return cfg
	}

	user := LimitsConfig{
		MessageCap:  raw.MessageCap,
		ToolCallCap: raw.ToolCallCap,
		SendBuffer:  raw.SendBuffer,
	}
	if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
		slog.Warn("Failed to merge limits config, using defaults", "error", err)
		return DefaultLimitsConfig()
	}

	if raw.DeliveryGracePeriod != "" {
		if d, err := time.ParseDuration(raw.DeliveryGracePeriod); err == nil && d > 0 {
			cfg.DeliveryGracePeriod = d
		} else {
			slog.Warn("Invalid delivery_grace_period in limits config, using default",
				"value", raw.DeliveryGracePeriod,
				"default", cfg.DeliveryGracePeriod,
				"error", err)
		}
	}
	return cfg
}

// resolveRunnerConfig resolves runner configuration from YAML, applying defaults.
func resolveRunnerConfig(raw *runnerYAMLConfig) RunnerConfig {
	cfg := RunnerConfig{
		DispatchTimeout: 10 * time.Second,
	}
	if raw == nil {
		return cfg
	}
	cfg.WebhookURL = raw.WebhookURL
	if raw.DispatchTimeout != "" {
		if d, err := time.ParseDuration(raw.DispatchTimeout); err == nil && d > 0 {
			cfg.DispatchTimeout = d
		} else {
			slog.Warn("Invalid dispatch_timeout in runner config, using default",
				"value", raw.DispatchTimeout,
				"default", cfg.DispatchTimeout,
				"error", err)
		}
	}
	return cfg
}
