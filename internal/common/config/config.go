// Package config provides configuration management for the broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Events      EventsConfig      `mapstructure:"events"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Matcher     MatcherConfig     `mapstructure:"matcher"`
	ToolSurface ToolSurfaceConfig `mapstructure:"toolSurface"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus instead of a NATS-backed one.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SchedulerConfig holds tuning for the background scheduler's sweep cadence
// and the timeouts each sweep acts on (§4.G).
type SchedulerConfig struct {
	IntervalMs        int `mapstructure:"intervalMs"`
	AckTimeoutMs      int `mapstructure:"ackTimeoutMs"`
	AssignedTimeoutMs int `mapstructure:"assignedTimeoutMs"`
	OrphanTimeoutMs   int `mapstructure:"orphanTimeoutMs"`
}

// Interval returns the scheduler tick interval as a time.Duration.
func (s SchedulerConfig) Interval() time.Duration { return time.Duration(s.IntervalMs) * time.Millisecond }

// AckTimeout returns the reservation ack timeout as a time.Duration.
func (s SchedulerConfig) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutMs) * time.Millisecond
}

// AssignedTimeout returns the stale in-progress timeout as a time.Duration.
func (s SchedulerConfig) AssignedTimeout() time.Duration {
	return time.Duration(s.AssignedTimeoutMs) * time.Millisecond
}

// OrphanTimeout returns the orphaned-agent timeout as a time.Duration.
func (s SchedulerConfig) OrphanTimeout() time.Duration {
	return time.Duration(s.OrphanTimeoutMs) * time.Millisecond
}

// RegistryConfig holds tuning for agent liveness (§4.C).
type RegistryConfig struct {
	HeartbeatDebounceMs int `mapstructure:"heartbeatDebounceMs"`
	OfflineThresholdMs  int `mapstructure:"offlineThresholdMs"`
}

// HeartbeatDebounce returns the minimum interval between lastSeen writes.
func (r RegistryConfig) HeartbeatDebounce() time.Duration {
	return time.Duration(r.HeartbeatDebounceMs) * time.Millisecond
}

// OfflineThreshold returns the duration after which a silent agent is OFFLINE.
func (r RegistryConfig) OfflineThreshold() time.Duration {
	return time.Duration(r.OfflineThresholdMs) * time.Millisecond
}

// MatcherConfig holds tuning for the scoring function (§4.E).
type MatcherConfig struct {
	MaxWaitMs int `mapstructure:"maxWaitMs"`
}

// MaxWait returns the freshness-signal normalisation window.
func (m MatcherConfig) MaxWait() time.Duration { return time.Duration(m.MaxWaitMs) * time.Millisecond }

// ToolSurfaceConfig holds tuning for the tool dispatcher (§4.H, §6).
type ToolSurfaceConfig struct {
	DefaultPromptTimeoutSec   int `mapstructure:"defaultPromptTimeoutSec"`
	MaxPromptTimeoutSec       int `mapstructure:"maxPromptTimeoutSec"`
	DefaultTaskWaitTimeoutSec int `mapstructure:"defaultTaskWaitTimeoutSec"`
	MCPPort                   int `mapstructure:"mcpPort"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BROKER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./broker.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "broker")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "broker")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "broker-cluster")
	v.SetDefault("nats.clientId", "broker-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Scheduler defaults (§4.G)
	v.SetDefault("scheduler.intervalMs", 10_000)
	v.SetDefault("scheduler.ackTimeoutMs", 30_000)
	v.SetDefault("scheduler.assignedTimeoutMs", 15*60*1000)
	v.SetDefault("scheduler.orphanTimeoutMs", 5*60*1000)

	// Registry defaults (§4.C)
	v.SetDefault("registry.heartbeatDebounceMs", 10_000)
	v.SetDefault("registry.offlineThresholdMs", 60_000)

	// Matcher defaults (§4.E)
	v.SetDefault("matcher.maxWaitMs", 300_000)

	// Tool surface defaults (§4.H, §6)
	v.SetDefault("toolSurface.defaultPromptTimeoutSec", 290)
	v.SetDefault("toolSurface.maxPromptTimeoutSec", 300)
	v.SetDefault("toolSurface.defaultTaskWaitTimeoutSec", 300)
	v.SetDefault("toolSurface.mcpPort", 9191)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BROKER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskbroker/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "BROKER_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "BROKER_EVENTS_NAMESPACE")
	_ = v.BindEnv("scheduler.intervalMs", "BROKER_SCHEDULER_INTERVAL_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskbroker/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
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

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Scheduler.IntervalMs <= 0 {
		errs = append(errs, "scheduler.intervalMs must be positive")
	}
	if cfg.Scheduler.AckTimeoutMs <= 0 {
		errs = append(errs, "scheduler.ackTimeoutMs must be positive")
	}
	if cfg.ToolSurface.MaxPromptTimeoutSec <= 0 {
		errs = append(errs, "toolSurface.maxPromptTimeoutSec must be positive")
	}
	if cfg.ToolSurface.DefaultPromptTimeoutSec <= 0 || cfg.ToolSurface.DefaultPromptTimeoutSec > cfg.ToolSurface.MaxPromptTimeoutSec {
		errs = append(errs, "toolSurface.defaultPromptTimeoutSec must be in (0, maxPromptTimeoutSec]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
