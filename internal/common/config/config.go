// Package config provides configuration management for chad.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/iondrive-co/chad/internal/common/logger"
)

// Config holds all configuration sections for chad.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Database  DatabaseConfig       `mapstructure:"database"`
	EventLog  EventLogConfig       `mapstructure:"eventlog"`
	Worktree  WorktreeConfig       `mapstructure:"worktree"`
	Execution ExecutionConfig      `mapstructure:"execution"`
	Usage     UsageConfig          `mapstructure:"usage"`
	Prompts   PromptsConfig        `mapstructure:"prompts"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig holds the sqlite database location for accounts and
// worktree metadata.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EventLogConfig holds the on-disk layout for session event logs.
type EventLogConfig struct {
	Dir string `mapstructure:"dir"` // root for <session_id>.jsonl and artifacts/
}

// WorktreeConfig holds Git worktree behaviour toggles. The worktree directory
// name (.chad-worktrees) and branch prefix (chad-task-) are fixed.
type WorktreeConfig struct {
	CleanupOnDelete bool `mapstructure:"cleanupOnDelete"`
}

// ActionRule describes one usage-threshold rule evaluated by the session loop.
// Rules fire on the edge where the previous reading was below the threshold
// and the current reading is at or above it.
type ActionRule struct {
	Event         string  `mapstructure:"event" json:"event"`                             // session_usage, weekly_usage, context_usage
	Threshold     float64 `mapstructure:"threshold" json:"threshold"`                     // 0..100
	Action        string  `mapstructure:"action" json:"action"`                           // notify, switch_provider, await_reset
	TargetAccount string  `mapstructure:"targetAccount" json:"target_account,omitempty"` // required for switch_provider
}

// ExecutionConfig holds the session-loop timing knobs and bounds.
type ExecutionConfig struct {
	PhaseTimeoutMinutes     int          `mapstructure:"phaseTimeoutMinutes" json:"phase_timeout_minutes"`
	MaxVerificationAttempts int          `mapstructure:"maxVerificationAttempts" json:"max_verification_attempts"` // 1..20
	MaxContinuations        int          `mapstructure:"maxContinuations" json:"max_continuations"`
	UsageCheckSeconds       int          `mapstructure:"usageCheckSeconds" json:"usage_check_seconds"`
	IdleThinkingSeconds     int          `mapstructure:"idleThinkingSeconds" json:"idle_thinking_seconds"`
	IdleMidThoughtSeconds   int          `mapstructure:"idleMidThoughtSeconds" json:"idle_mid_thought_seconds"`
	IdleCommandSeconds      int          `mapstructure:"idleCommandSeconds" json:"idle_command_seconds"`
	ExplorationCommandLimit int          `mapstructure:"explorationCommandLimit" json:"exploration_command_limit"`
	ActionRules             []ActionRule `mapstructure:"actionRules" json:"action_rules,omitempty"`
}

// UsageConfig points at the optional usage API polled for threshold rules.
// An empty URL disables usage checks.
type UsageConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// Timeout returns the usage request timeout.
func (u *UsageConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// PromptsConfig holds the optional path to a yaml file overriding the
// built-in phase prompt templates.
type PromptsConfig struct {
	Path string `mapstructure:"path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PhaseTimeout returns the per-phase wall-clock bound.
func (e *ExecutionConfig) PhaseTimeout() time.Duration {
	return time.Duration(e.PhaseTimeoutMinutes) * time.Minute
}

// UsageCheckInterval returns the usage polling interval.
func (e *ExecutionConfig) UsageCheckInterval() time.Duration {
	return time.Duration(e.UsageCheckSeconds) * time.Second
}

// Validate checks the execution bounds and action rules. It is used both at
// load time and when the configuration is replaced over the API.
func (e *ExecutionConfig) Validate() error {
	var errs []string

	if e.MaxVerificationAttempts < 1 || e.MaxVerificationAttempts > 20 {
		errs = append(errs, "execution.maxVerificationAttempts must be between 1 and 20")
	}
	if e.MaxContinuations < 0 {
		errs = append(errs, "execution.maxContinuations must not be negative")
	}
	if e.PhaseTimeoutMinutes <= 0 {
		errs = append(errs, "execution.phaseTimeoutMinutes must be positive")
	}

	for i, rule := range e.ActionRules {
		switch rule.Event {
		case "session_usage", "weekly_usage", "context_usage":
		default:
			errs = append(errs, fmt.Sprintf("execution.actionRules[%d].event %q is not recognised", i, rule.Event))
		}
		if rule.Threshold < 0 || rule.Threshold > 100 {
			errs = append(errs, fmt.Sprintf("execution.actionRules[%d].threshold must be between 0 and 100", i))
		}
		switch rule.Action {
		case "notify", "await_reset":
		case "switch_provider":
			if rule.TargetAccount == "" {
				errs = append(errs, fmt.Sprintf("execution.actionRules[%d].targetAccount is required for switch_provider", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("execution.actionRules[%d].action %q is not recognised", i, rule.Action))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CHAD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chad"
	}
	return filepath.Join(home, ".chad")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Storage defaults
	v.SetDefault("database.path", filepath.Join(dataDir, "chad.db"))
	v.SetDefault("eventlog.dir", filepath.Join(dataDir, "logs"))

	// Worktree defaults
	v.SetDefault("worktree.cleanupOnDelete", true)

	// Execution defaults
	v.SetDefault("execution.phaseTimeoutMinutes", 25)
	v.SetDefault("execution.maxVerificationAttempts", 5)
	v.SetDefault("execution.maxContinuations", 3)
	v.SetDefault("execution.usageCheckSeconds", 10)
	v.SetDefault("execution.idleThinkingSeconds", 60)
	v.SetDefault("execution.idleMidThoughtSeconds", 240)
	v.SetDefault("execution.idleCommandSeconds", 420)
	v.SetDefault("execution.explorationCommandLimit", 40)
	v.SetDefault("execution.actionRules", []map[string]any{})

	// Usage defaults - empty URL disables usage polling
	v.SetDefault("usage.url", "")
	v.SetDefault("usage.timeoutSeconds", 5)

	// Prompts defaults - empty means built-in templates
	v.SetDefault("prompts.path", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CHAD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.chad/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Recognised overrides that predate the prefix convention.
	_ = v.BindEnv("eventlog.dir", "CHAD_LOG_DIR", "CHAD_EVENTLOG_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultDataDir())

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	// Unknown keys are a hard error so new options never drift silently.
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.EventLog.Dir == "" {
		errs = append(errs, "eventlog.dir is required")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if err := cfg.Execution.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
