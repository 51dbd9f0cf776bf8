// Package config loads dialog settings: built-in defaults, then an optional
// TOML file, then DIALOG_* environment variables. Command line flags are
// applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is prepended to every environment override, e.g. DIALOG_SERVER_URL.
const EnvPrefix = "DIALOG"

// Config holds all runtime settings.
type Config struct {
	ServerURL            string  `toml:"server_url" envconfig:"SERVER_URL"`
	HTTPPort             int     `toml:"http_port" envconfig:"HTTP_PORT"`
	DataPath             string  `toml:"data_path" envconfig:"DATA_PATH"`
	LogLevel             string  `toml:"log_level" envconfig:"LOG_LEVEL"`
	ReconnectIntervalMS  int     `toml:"reconnect_interval_ms" envconfig:"RECONNECT_INTERVAL_MS"`
	MaxReconnectAttempts int     `toml:"max_reconnect_attempts" envconfig:"MAX_RECONNECT_ATTEMPTS"`
	DebounceMS           int     `toml:"debounce_ms" envconfig:"DEBOUNCE_MS"`
	DedupWindowSeconds   float64 `toml:"dedup_window_seconds" envconfig:"DEDUP_WINDOW_SECONDS"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL:            "ws://localhost:3000",
		HTTPPort:             8095,
		DataPath:             "~/.local/share/dialog",
		LogLevel:             "info",
		ReconnectIntervalMS:  5000,
		MaxReconnectAttempts: 10,
		DebounceMS:           300,
		DedupWindowSeconds:   2.0,
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() (string, error) {
	return homedir.Expand("~/.config/dialog/config.toml")
}

// Load builds the configuration. A missing file at the default location is
// not an error; a missing file at an explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		path = p
	}

	if err := cfg.readFile(path, explicit); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) readFile(path string, explicit bool) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expand config path: %w", err)
	}
	file, err := os.Open(expanded)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", expanded, err)
	}
	return nil
}

// Normalize expands the data path and tidies string fields.
func (c *Config) Normalize() error {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.DataPath == "" {
		return nil
	}
	expanded, err := homedir.Expand(c.DataPath)
	if err != nil {
		return fmt.Errorf("expand data_path: %w", err)
	}
	abs, err := filepath.Abs(filepath.Clean(expanded))
	if err != nil {
		return fmt.Errorf("resolve data_path %q: %w", expanded, err)
	}
	c.DataPath = abs
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || c.ServerURL == "" {
		return fmt.Errorf("server_url %q is not a valid URL", c.ServerURL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server_url must use ws or wss, got %q", u.Scheme)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.DataPath == "" {
		return errors.New("data_path is required")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.ReconnectIntervalMS <= 0 {
		return errors.New("reconnect_interval_ms must be positive")
	}
	if c.MaxReconnectAttempts <= 0 {
		return errors.New("max_reconnect_attempts must be positive")
	}
	if c.DebounceMS < 0 {
		return errors.New("debounce_ms must not be negative")
	}
	if c.DedupWindowSeconds <= 0 {
		return errors.New("dedup_window_seconds must be positive")
	}
	return nil
}

func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// StorePath is the pebble directory inside the data path.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataPath, "store")
}

// LockPath guards the data path against a second instance.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataPath, "dialog.lock")
}
