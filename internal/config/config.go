// Package config provides YAML configuration loading and validation for
// the chansock demo chat server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the chat server.
type Config struct {
	// ListenAddr is the HTTP listen address (e.g. ":8080"). Defaults to
	// ":8080" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// AllowedOrigins restricts the Origin header on chansock requests.
	// Empty allows all origins (development only).
	AllowedOrigins []string `yaml:"allowed_origins"`

	// JWTSecret enables JWT user identification when non-empty:
	// clients present an HS256 bearer token whose "sub" claim becomes
	// their uid.
	JWTSecret string `yaml:"jwt_secret"`

	// CSRFKey enables the CSRF check when non-empty; tokens are derived
	// per client id with HMAC-SHA256 under this key.
	CSRFKey string `yaml:"csrf_key"`

	// HistoryPath is the SQLite file holding chat history. Defaults to
	// "chat.db"; ":memory:" is accepted for tests.
	HistoryPath string `yaml:"history_path"`

	// HistoryLimit is how many recent messages are replayed to a newly
	// connected user. Defaults to 50.
	HistoryLimit int `yaml:"history_limit"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn",
	// or "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible
// defaults.
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "chat.db"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks field values after defaults have been applied.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level %q (want debug|info|warn|error)", cfg.LogLevel)
	}
	return nil
}
