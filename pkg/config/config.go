// Package config loads and validates conductor.yaml.
package config

import (
	"time"

	"github.com/finsight/conductor/pkg/models"
)

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	DashboardURL     string
	AllowedWSOrigins []string
	Slack            SlackConfig
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	Enabled  bool
	TokenEnv string
	Channel  string
}

// LimitsConfig bounds session logs and viewer delivery.
type LimitsConfig struct {
	MessageCap          int           `yaml:"message_cap"`
	ToolCallCap         int           `yaml:"tool_call_cap"`
	SendBuffer          int           `yaml:"send_buffer"`
	DeliveryGracePeriod time.Duration `yaml:"-"`
}

// RunnerConfig selects how agents are dispatched. When WebhookURL is
// empty the built-in scripted runner is used.
type RunnerConfig struct {
	WebhookURL      string
	DispatchTimeout time.Duration
}

// Config is the fully resolved configuration.
type Config struct {
	configDir string

	System SystemConfig
	Limits LimitsConfig
	Runner RunnerConfig

	// Plans are named plan templates, startable by name via the API.
	Plans map[string]models.Plan
}

// DefaultLimitsConfig returns the built-in delivery and log bounds.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MessageCap:          1000,
		ToolCallCap:         500,
		SendBuffer:          256,
		DeliveryGracePeriod: 30 * time.Second,
	}
}

// Plan returns the named plan template.
func (c *Config) Plan(name string) (models.Plan, bool) {
	p, ok := c.Plans[name]
	return p, ok
}

// Stats summarizes the loaded configuration for startup logging.
type Stats struct {
	Plans int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	return Stats{Plans: len(c.Plans)}
}
