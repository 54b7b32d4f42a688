// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads hub configuration from a single YAML file,
// specified by the HUB_CONFIG environment variable or the --config
// flag. There are no fallbacks or automatic discovery; configuration
// stays deterministic and auditable. The file may carry
// environment-specific sections (development, production) that
// override base values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for both
// human-readable strings ("5m", "30s") and plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements custom unmarshaling for duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("config: invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the hub.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`

	// Per-environment overrides, applied after the base config.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Server  *ServerConfig  `yaml:"server,omitempty"`
	Storage *StorageConfig `yaml:"storage,omitempty"`
	Session *SessionConfig `yaml:"session,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// ServerConfig configures the hub's network surface.
type ServerConfig struct {
	// ListenAddress is the TCP address the HTTP server binds,
	// e.g. ":8002".
	ListenAddress string `yaml:"listen_address"`

	// PublicWebSocketURL is the externally reachable TPA socket URL
	// advertised in session_request webhooks,
	// e.g. "wss://hub.example.com/ws/tpa".
	PublicWebSocketURL string `yaml:"public_websocket_url"`

	// TokenSecretFile holds the shared secret verifying device core
	// tokens, one line, whitespace-trimmed. Kept out of the config
	// file itself so the config can be committed.
	TokenSecretFile string `yaml:"token_secret_file"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	// Path is the database file. Required.
	Path string `yaml:"path"`

	// PoolSize bounds concurrent connections. Zero means the store's
	// default.
	PoolSize int `yaml:"pool_size"`
}

// SessionConfig configures session lifecycle timing.
type SessionConfig struct {
	// GraceWindow is how long a disconnected session awaits
	// reconnection before teardown. Zero means the session manager's
	// default (5m).
	GraceWindow Duration `yaml:"grace_window"`

	// BootTimeout bounds the boot screen for an app that never
	// connects back. Zero means the default (15s).
	BootTimeout Duration `yaml:"boot_timeout"`

	// TranscriptWindow bounds the in-memory transcript buffer. Zero
	// means the default (30s).
	TranscriptWindow Duration `yaml:"transcript_window"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default info.
	Level string `yaml:"level"`

	// Format is "json" or "text". Default text.
	Format string `yaml:"format"`
}

// Default returns the baseline configuration before any file is
// applied.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			ListenAddress: ":8002",
		},
		Storage: StorageConfig{
			Path: "hub.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the HUB_CONFIG environment variable.
func Load() (*Config, error) {
	path := os.Getenv("HUB_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("HUB_CONFIG environment variable not set; " +
			"set it to the path of your hub.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override its values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}
	if overrides.Server != nil {
		c.Server = *overrides.Server
	}
	if overrides.Storage != nil {
		c.Storage = *overrides.Storage
	}
	if overrides.Session != nil {
		c.Session = *overrides.Session
	}
	if overrides.Logging != nil {
		c.Logging = *overrides.Logging
	}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Production:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("config: server.listen_address is required")
	}
	if c.Server.PublicWebSocketURL == "" {
		return fmt.Errorf("config: server.public_websocket_url is required")
	}
	if c.Server.TokenSecretFile == "" {
		return fmt.Errorf("config: server.token_secret_file is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	return nil
}
