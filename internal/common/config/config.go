// Package config provides configuration management for the coordinator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Blueprint BlueprintConfig `mapstructure:"blueprint"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds session-store connection configuration. The
// coordinator is single-node, so sqlite is the only supported driver.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging settings. They are loaded and defaulted
// but not read by the coordinator: the event broadcaster is in-memory only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace is loaded (AGENTCOORD_EVENTS_NAMESPACE) but not read by the
	// coordinator; no default is derived when it is empty.
	Namespace string `mapstructure:"namespace"`
}

// DispatchConfig holds run queue and dispatcher timing configuration.
type DispatchConfig struct {
	// NoMatchTTL is how long a run may sit pending without a matching
	// runner before it fails with NoMatchingRunner.
	NoMatchTTLSeconds int `mapstructure:"noMatchTTLSeconds"`
	// LongPollTimeoutSeconds bounds a runner's GET /runner/runs poll.
	LongPollTimeoutSeconds int `mapstructure:"longPollTimeoutSeconds"`
	// HeartbeatStaleSeconds is how long without a heartbeat before a
	// runner is marked stale.
	HeartbeatStaleSeconds int `mapstructure:"heartbeatStaleSeconds"`
	// HeartbeatRemoveSeconds is how long without a heartbeat before a
	// runner is removed and its claimed runs failed with RunnerLost.
	HeartbeatRemoveSeconds int `mapstructure:"heartbeatRemoveSeconds"`
	// CallbackIdleCheckMillis is the poll interval used by the callback
	// processor to check whether an idle parent session has a batch ready.
	CallbackIdleCheckMillis int `mapstructure:"callbackIdleCheckMillis"`
	// StopGraceSeconds is how long after a stop command is enqueued the
	// coordinator waits for the runner to report the run stopped before
	// force-transitioning it via the safety net.
	StopGraceSeconds int `mapstructure:"stopGraceSeconds"`
}

// BlueprintConfig holds the on-disk blueprint directory configuration.
type BlueprintConfig struct {
	Root string `mapstructure:"root"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// NoMatchTTL returns the no-match TTL as a time.Duration.
func (d *DispatchConfig) NoMatchTTL() time.Duration {
	return time.Duration(d.NoMatchTTLSeconds) * time.Second
}

// LongPollTimeout returns the dispatcher long-poll timeout as a time.Duration.
func (d *DispatchConfig) LongPollTimeout() time.Duration {
	return time.Duration(d.LongPollTimeoutSeconds) * time.Second
}

// HeartbeatStale returns the stale threshold as a time.Duration.
func (d *DispatchConfig) HeartbeatStale() time.Duration {
	return time.Duration(d.HeartbeatStaleSeconds) * time.Second
}

// HeartbeatRemove returns the removal threshold as a time.Duration.
func (d *DispatchConfig) HeartbeatRemove() time.Duration {
	return time.Duration(d.HeartbeatRemoveSeconds) * time.Second
}

// CallbackIdleCheck returns the callback idle-check interval as a time.Duration.
func (d *DispatchConfig) CallbackIdleCheck() time.Duration {
	return time.Duration(d.CallbackIdleCheckMillis) * time.Millisecond
}

// StopGrace returns the stop safety-net grace window as a time.Duration.
func (d *DispatchConfig) StopGrace() time.Duration {
	return time.Duration(d.StopGraceSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTCOORD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./agentcoord.db")

	// NATS defaults - empty URL means use the in-memory event bus only.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentcoord")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("dispatch.noMatchTTLSeconds", 300)
	v.SetDefault("dispatch.longPollTimeoutSeconds", 30)
	v.SetDefault("dispatch.heartbeatStaleSeconds", 120)
	v.SetDefault("dispatch.heartbeatRemoveSeconds", 600)
	v.SetDefault("dispatch.callbackIdleCheckMillis", 500)
	v.SetDefault("dispatch.stopGraceSeconds", 5)

	v.SetDefault("blueprint.root", "./blueprints")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTCOORD_ with the key's dots
// replaced by underscores (e.g. AGENTCOORD_SERVER_PORT).
// Config file should be named config.yaml and placed in the current directory or /etc/agentcoord/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTCOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "AGENTCOORD_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "AGENTCOORD_EVENTS_NAMESPACE")
	_ = v.BindEnv("blueprint.root", "AGENTCOORD_BLUEPRINT_ROOT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentcoord/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Dispatch.NoMatchTTLSeconds <= 0 {
		errs = append(errs, "dispatch.noMatchTTLSeconds must be positive")
	}
	if cfg.Dispatch.LongPollTimeoutSeconds <= 0 {
		errs = append(errs, "dispatch.longPollTimeoutSeconds must be positive")
	}
	if cfg.Dispatch.HeartbeatStaleSeconds <= 0 {
		errs = append(errs, "dispatch.heartbeatStaleSeconds must be positive")
	}
	if cfg.Dispatch.HeartbeatRemoveSeconds <= cfg.Dispatch.HeartbeatStaleSeconds {
		errs = append(errs, "dispatch.heartbeatRemoveSeconds must exceed heartbeatStaleSeconds")
	}
	if cfg.Dispatch.StopGraceSeconds <= 0 {
		errs = append(errs, "dispatch.stopGraceSeconds must be positive")
	}

	if cfg.Blueprint.Root == "" {
		errs = append(errs, "blueprint.root is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
