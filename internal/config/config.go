// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads posyncd settings from defaults, an optional YAML file
// and the environment (including .env files).
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the sync agent
type Config struct {
	// HTTP status API
	ListenAddr  string   `yaml:"listen_addr"`
	CORSOrigins []string `yaml:"cors_origins"` // browser origins allowed to call the agent

	// Remote API
	APIBaseURL string `yaml:"api_base_url"`
	APIToken   string `yaml:"api_token"`

	// Local database
	DatabasePath string        `yaml:"database_path"`
	Driver       string        `yaml:"driver"` // "sqlite3" or "sqlite"
	BusyTimeout  time.Duration `yaml:"busy_timeout"`

	// Connectivity
	ProbeURL      string        `yaml:"probe_url"` // API reachability is probed when empty
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// Cache policy
	MaxAge         time.Duration `yaml:"max_age"`
	GlobalFallback bool          `yaml:"global_fallback"`

	// Logging
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text or json

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8090",
		CORSOrigins:    []string{"http://localhost:5173"},
		APIBaseURL:     "http://localhost:8000/api",
		DatabasePath:   "posync.db",
		Driver:         "sqlite3",
		BusyTimeout:    5 * time.Second,
		ProbeInterval:  30 * time.Second,
		MaxAge:         24 * time.Hour,
		GlobalFallback: true,
		LogLevel:       "info",
		LogFormat:      "text",
		Logger:         slog.Default(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables. envFiles are loaded into the
// environment first without overriding variables that are already set;
// with no envFiles a ".env" in the working directory is used when present.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, "POSYNC_LISTEN_ADDR")
	setString(&c.APIBaseURL, "POSYNC_API_URL")
	setString(&c.APIToken, "POSYNC_API_TOKEN")
	setString(&c.DatabasePath, "POSYNC_DB_PATH")
	setString(&c.Driver, "POSYNC_DB_DRIVER")
	setString(&c.ProbeURL, "POSYNC_PROBE_URL")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	for key, dst := range map[string]*time.Duration{
		"POSYNC_BUSY_TIMEOUT":   &c.BusyTimeout,
		"POSYNC_PROBE_INTERVAL": &c.ProbeInterval,
		"POSYNC_MAX_AGE":        &c.MaxAge,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("POSYNC_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("POSYNC_GLOBAL_FALLBACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid POSYNC_GLOBAL_FALLBACK: %w", err)
		}
		c.GlobalFallback = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url must be provided")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must be provided")
	}
	if c.Driver != "sqlite3" && c.Driver != "sqlite" {
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	return nil
}

// NewLogger creates a slog logger writing to w in the given level and format.
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
