package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for agent-console.
type Config struct {
	// ListenPort is the local HTTP API port. Defaults to 24110.
	ListenPort int `json:"listen_port,omitempty"`

	// DBPath is the SQLite session store path.
	// If empty, the default lives next to the config file.
	DBPath string `json:"db_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

const (
	defaultListenPort = 24110
	defaultLogFormat  = "json"
	defaultLogLevel   = "info"
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.ListenPort != 0 && (c.ListenPort < 0 || c.ListenPort > 65535) {
		return fmt.Errorf("invalid listen_port %d", c.ListenPort)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.agent-console/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "agent-console.config.json"
	}
	return filepath.Join(home, ".agent-console", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func Save(path string, c *Config) error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return errors.New("missing config path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, append(b, '\n'), 0o600)
}

func (c *Config) EffectiveListenPort() int {
	if c == nil || c.ListenPort <= 0 {
		return defaultListenPort
	}
	return c.ListenPort
}

// EffectiveDBPath resolves the session store path relative to the config file
// when unset.
func (c *Config) EffectiveDBPath(configPath string) string {
	if c != nil {
		if p := strings.TrimSpace(c.DBPath); p != "" {
			return filepath.Clean(p)
		}
	}
	dir := filepath.Dir(filepath.Clean(strings.TrimSpace(configPath)))
	return filepath.Join(dir, "sessions.db")
}

func (c *Config) EffectiveLogFormat() string {
	if c == nil {
		return defaultLogFormat
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "text":
		return "text"
	default:
		return defaultLogFormat
	}
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil {
		return defaultLogLevel
	}
	switch v := strings.TrimSpace(strings.ToLower(c.LogLevel)); v {
	case "debug", "info", "warn", "error":
		return v
	default:
		return defaultLogLevel
	}
}
