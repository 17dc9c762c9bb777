package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"careline/internal/domain"
)

// Config models careline.yml.
type Config struct {
	Reminders struct {
		UrgencyIntervals map[string]string `yaml:"urgency_intervals"`
		MaxEscalations   int               `yaml:"max_escalations"`
		GraceTolerance   string            `yaml:"grace_tolerance"`
	} `yaml:"reminders"`
	Telegram struct {
		Token              string `yaml:"token"`
		PollTimeoutSeconds int    `yaml:"poll_timeout_seconds"`
	} `yaml:"telegram"`
	Ollama struct {
		URL            string `yaml:"url"`
		Model          string `yaml:"model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ollama"`
	Server struct {
		Listen          string `yaml:"listen"`
		BasePath        string `yaml:"base_path"`
		JWTSecret       string `yaml:"jwt_secret"`
		DevLoginEnabled bool   `yaml:"dev_login_enabled"`
	} `yaml:"server"`
	Alerts []WebhookConfig `yaml:"alerts"`

	intervals map[string]time.Duration
	grace     time.Duration
}

// WebhookConfig describes a caregiver alert webhook.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with: care config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure and parses durations.
func (c *Config) Validate() error {
	if c.Reminders.MaxEscalations <= 0 {
		return fmt.Errorf("reminders.max_escalations must be positive")
	}
	if len(c.Reminders.UrgencyIntervals) == 0 {
		return fmt.Errorf("reminders.urgency_intervals is required")
	}
	c.intervals = make(map[string]time.Duration, len(c.Reminders.UrgencyIntervals))
	for tier, raw := range c.Reminders.UrgencyIntervals {
		if !domain.ValidTier(tier) {
			return fmt.Errorf("unknown urgency tier %s in reminders.urgency_intervals", tier)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("interval for tier %s: %w", tier, err)
		}
		if d <= 0 {
			return fmt.Errorf("interval for tier %s must be positive", tier)
		}
		c.intervals[tier] = d
	}
	for _, tier := range []string{domain.TierRelaxed, domain.TierGeneral, domain.TierUrgent} {
		if _, ok := c.intervals[tier]; !ok {
			return fmt.Errorf("reminders.urgency_intervals missing tier %s", tier)
		}
	}
	if c.Reminders.GraceTolerance == "" {
		c.Reminders.GraceTolerance = "30s"
	}
	grace, err := time.ParseDuration(c.Reminders.GraceTolerance)
	if err != nil {
		return fmt.Errorf("reminders.grace_tolerance: %w", err)
	}
	if grace < 0 {
		return fmt.Errorf("reminders.grace_tolerance must not be negative")
	}
	c.grace = grace
	if c.Telegram.PollTimeoutSeconds < 0 {
		return fmt.Errorf("telegram.poll_timeout_seconds must not be negative")
	}
	if c.Ollama.TimeoutSeconds < 0 {
		return fmt.Errorf("ollama.timeout_seconds must not be negative")
	}
	for i, hook := range c.Alerts {
		if hook.URL == "" {
			return fmt.Errorf("alerts[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("alerts[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Interval returns the follow-up interval for an urgency tier.
func (c *Config) Interval(tier string) time.Duration {
	if d, ok := c.intervals[tier]; ok {
		return d
	}
	return c.intervals[domain.TierGeneral]
}

// GraceTolerance returns the allowed clock-skew window for due times.
func (c *Config) GraceTolerance() time.Duration {
	return c.grace
}

// MaxEscalations returns the follow-up cap before a task goes missed.
func (c *Config) MaxEscalations() int {
	return c.Reminders.MaxEscalations
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "careline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

const defaultTemplate = `reminders:
  urgency_intervals:
    relaxed: 15m
    general: 5m
    urgent: 2m
  max_escalations: 3
  grace_tolerance: 30s

telegram:
  token: ""
  poll_timeout_seconds: 30

ollama:
  url: http://127.0.0.1:11434
  model: mistral:latest
  timeout_seconds: 60

server:
  listen: ":8080"
  base_path: /v1
  jwt_secret: ""
  dev_login_enabled: false

alerts: []
`
