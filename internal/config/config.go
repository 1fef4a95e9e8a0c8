// Package config loads the runtime configuration from YAML. Environment
// references (${VAR}) are expanded before parsing; unknown keys are
// rejected so typos fail at startup instead of silently defaulting.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Audit      AuditConfig      `yaml:"audit"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Shield     ShieldConfig     `yaml:"shield"`
	Reviewer   ReviewerConfig   `yaml:"reviewer"`
	Phone      PhoneConfig      `yaml:"phone"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Proactive  ProactiveConfig  `yaml:"proactive"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP/WS gateway.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// GuardrailsConfig locates the rule table.
type GuardrailsConfig struct {
	RulesPath       string `yaml:"rules_path"`
	DefaultStrategy string `yaml:"default_strategy"`
	DefaultChannel  string `yaml:"default_channel"`
}

// AuditConfig locates the tool-activity log.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig configures the task loop.
type SchedulerConfig struct {
	TasksPath       string `yaml:"tasks_path"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// ShieldConfig configures the content-safety client. Empty endpoint
// disables the shield (filter strategies record "skipped").
type ShieldConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// ReviewerConfig configures the aitl reviewer. Empty model disables it.
type ReviewerConfig struct {
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// PhoneConfig configures pitl verification. Empty target disables it.
type PhoneConfig struct {
	TargetNumber string `yaml:"target_number"`
	AccountSID   string `yaml:"account_sid"`
	AuthToken    string `yaml:"auth_token"`
	FromNumber   string `yaml:"from_number"`
	PublicURL    string `yaml:"public_url"`
}

// TelegramConfig configures the bot channel. Empty token disables it.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// AnthropicConfig configures the agent SDK adapter.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// ProactiveConfig configures the follow-up loop.
type ProactiveConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxPerDay      int  `yaml:"max_per_day"`
	PreferredStart int  `yaml:"preferred_start"`
	PreferredEnd   int  `yaml:"preferred_end"`
}

// AuthConfig configures gateway authentication. Empty secret disables
// JWT checks.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, and strictly decodes the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Reviewer.TimeoutSeconds <= 0 {
		cfg.Reviewer.TimeoutSeconds = 60
	}
	if cfg.Proactive.MaxPerDay <= 0 {
		cfg.Proactive.MaxPerDay = 3
	}
	if cfg.Proactive.PreferredStart == 0 && cfg.Proactive.PreferredEnd == 0 {
		cfg.Proactive.PreferredStart = 9
		cfg.Proactive.PreferredEnd = 21
	}
	if cfg.Anthropic.Model == "" {
		cfg.Anthropic.Model = "claude-sonnet-4-5"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks mandatory fields. Optional subsystems validate their
// own shape only when partially configured.
func (c *Config) Validate() error {
	if c.Guardrails.RulesPath == "" {
		return fmt.Errorf("config: guardrails.rules_path is required")
	}
	if c.Audit.Path == "" {
		return fmt.Errorf("config: audit.path is required")
	}
	if c.Shield.Endpoint != "" && c.Shield.APIKey == "" {
		return fmt.Errorf("config: shield.api_key is required when shield.endpoint is set")
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("config: telegram.chat_id is required when telegram.token is set")
	}
	if c.Phone.TargetNumber != "" && (c.Phone.AccountSID == "" || c.Phone.AuthToken == "") {
		return fmt.Errorf("config: phone credentials are required when phone.target_number is set")
	}
	return nil
}

// SchedulerInterval returns the loop tick as a duration.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// ReviewerTimeout returns the review deadline as a duration.
func (c *Config) ReviewerTimeout() time.Duration {
	return time.Duration(c.Reviewer.TimeoutSeconds) * time.Second
}
