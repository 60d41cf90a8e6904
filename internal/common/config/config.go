// Package config provides configuration management for the Popmelt bridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Scratch ScratchConfig `mapstructure:"scratch"`
	Events  EventsConfig  `mapstructure:"events"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration. The bridge only ever binds
// the loopback interface; clients discover the port by walking the window.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	BasePort     int    `mapstructure:"basePort"`
	PortWindow   int    `mapstructure:"portWindow"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// QueueConfig holds job queue configuration.
type QueueConfig struct {
	MaxConcurrent int `mapstructure:"maxConcurrent"`
	MaxSize       int `mapstructure:"maxSize"` // 0 = unbounded
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	DefaultProvider string `mapstructure:"defaultProvider"` // claude, codex
	DefaultModel    string `mapstructure:"defaultModel"`
	RunTimeout      int    `mapstructure:"runTimeout"`     // in seconds, 0 = no wall clock limit
	GitDiffTimeout  int    `mapstructure:"gitDiffTimeout"` // in seconds
}

// ScratchConfig holds temp-file manager configuration.
type ScratchConfig struct {
	Dir        string `mapstructure:"dir"`        // empty = <OS temp>/popmelt-bridge
	GCInterval int    `mapstructure:"gcInterval"` // in minutes
	MaxAge     int    `mapstructure:"maxAge"`     // in minutes
}

// EventsConfig holds SSE hub configuration.
type EventsConfig struct {
	RecentCapacity int `mapstructure:"recentCapacity"`
	RecentTTL      int `mapstructure:"recentTtl"` // in seconds
}

// HistoryConfig bounds the thread history window used for prompts.
type HistoryConfig struct {
	Limit int `mapstructure:"limit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RunTimeoutDuration returns the subprocess wall-clock timeout as a time.Duration.
func (a *AgentConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(a.RunTimeout) * time.Second
}

// GitDiffTimeoutDuration returns the git-diff capture timeout as a time.Duration.
func (a *AgentConfig) GitDiffTimeoutDuration() time.Duration {
	return time.Duration(a.GitDiffTimeout) * time.Second
}

// GCIntervalDuration returns the scratch GC interval as a time.Duration.
func (s *ScratchConfig) GCIntervalDuration() time.Duration {
	return time.Duration(s.GCInterval) * time.Minute
}

// MaxAgeDuration returns the scratch file max age as a time.Duration.
func (s *ScratchConfig) MaxAgeDuration() time.Duration {
	return time.Duration(s.MaxAge) * time.Minute
}

// RecentTTLDuration returns the recent-jobs TTL as a time.Duration.
func (e *EventsConfig) RecentTTLDuration() time.Duration {
	return time.Duration(e.RecentTTL) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("POPMELT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults - loopback only, clients walk the port window
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.basePort", 8700)
	v.SetDefault("server.portWindow", 10)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE connections are long lived

	// Queue defaults
	v.SetDefault("queue.maxConcurrent", 5)
	v.SetDefault("queue.maxSize", 0)

	// Agent defaults
	v.SetDefault("agent.defaultProvider", "claude")
	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.runTimeout", 0)
	v.SetDefault("agent.gitDiffTimeout", 5)

	// Scratch defaults: GC every 30 minutes, evict files older than 1 hour
	v.SetDefault("scratch.dir", "")
	v.SetDefault("scratch.gcInterval", 30)
	v.SetDefault("scratch.maxAge", 60)

	// SSE reconnect reconciliation defaults
	v.SetDefault("events.recentCapacity", 20)
	v.SetDefault("events.recentTtl", 300)

	// Thread history window
	v.SetDefault("history.limit", 6)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix POPMELT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.popmelt/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("POPMELT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose config key uses camelCase.
	_ = v.BindEnv("server.basePort", "POPMELT_SERVER_BASE_PORT")
	_ = v.BindEnv("server.portWindow", "POPMELT_SERVER_PORT_WINDOW")
	_ = v.BindEnv("queue.maxConcurrent", "POPMELT_QUEUE_MAX_CONCURRENT")
	_ = v.BindEnv("agent.defaultProvider", "POPMELT_AGENT_DEFAULT_PROVIDER")
	_ = v.BindEnv("agent.defaultModel", "POPMELT_AGENT_DEFAULT_MODEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".popmelt"))
	}

	// Read config file (ignore if not found)
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

	if cfg.Server.BasePort <= 0 || cfg.Server.BasePort > 65535 {
		errs = append(errs, "server.basePort must be between 1 and 65535")
	}
	if cfg.Server.PortWindow <= 0 {
		errs = append(errs, "server.portWindow must be positive")
	}
	if !isLoopback(cfg.Server.Host) {
		errs = append(errs, "server.host must be a loopback address")
	}

	if cfg.Queue.MaxConcurrent <= 0 {
		errs = append(errs, "queue.maxConcurrent must be positive")
	}
	if cfg.Queue.MaxSize < 0 {
		errs = append(errs, "queue.maxSize must be zero or positive")
	}

	if cfg.Scratch.GCInterval <= 0 {
		errs = append(errs, "scratch.gcInterval must be positive")
	}
	if cfg.Scratch.MaxAge <= 0 {
		errs = append(errs, "scratch.maxAge must be positive")
	}

	if cfg.Events.RecentCapacity <= 0 {
		errs = append(errs, "events.recentCapacity must be positive")
	}
	if cfg.Events.RecentTTL <= 0 {
		errs = append(errs, "events.recentTtl must be positive")
	}

	if cfg.History.Limit < 2 {
		errs = append(errs, "history.limit must be at least 2")
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

func isLoopback(host string) bool {
	switch host {
	case "127.0.0.1", "::1", "localhost":
		return true
	}
	return false
}
