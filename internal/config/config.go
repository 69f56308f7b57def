package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration, read from
// <dir>/config.yaml. Every field has a default; the file is optional.
type Config struct {
	Dir string `yaml:"-"`

	BaseURL       string `yaml:"base_url"`
	GraphQLURL    string `yaml:"graphql_url"`
	ClientVersion string `yaml:"client_version"`
	SiteKey       string `yaml:"site_key"`
	UserAgent     string `yaml:"user_agent"`
	PreviewURL    string `yaml:"preview_url"` // fmt template, %s = workspace id

	// Verify selects how a fresh verification token is obtained:
	// "prompt" reads it from the terminal, "watch" waits for
	// `replink verify <token>` to write it to the credentials file.
	Verify string `yaml:"verify"`

	Session SessionConfig `yaml:"session"`
	Dev     DevConfig     `yaml:"dev"`
	Logging LoggingConfig `yaml:"logging"`
}

type SessionConfig struct {
	MinReconnectDelay time.Duration `yaml:"min_reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	VerifyTimeout     time.Duration `yaml:"verify_timeout"`
}

type DevConfig struct {
	Addr           string  `yaml:"addr"`
	Cookie         string  `yaml:"cookie"`
	RequireCaptcha bool    `yaml:"require_captcha"`
	RunCommand     string  `yaml:"run_command"`
	Shell          string  `yaml:"shell"`
	RateLimit      float64 `yaml:"rate_limit"` // metadata requests per second
	Burst          int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		BaseURL:       "https://replit.com",
		GraphQLURL:    "https://replit.com/graphql",
		ClientVersion: "7561851",
		SiteKey:       "473079ba-e99f-4e25-a635-e9b661c7dd3e",
		UserAgent:     "replink (github.com/ehrlich-b/replink)",
		PreviewURL:    "https://%s.id.repl.co",
		Verify:        "prompt",
		Session: SessionConfig{
			MinReconnectDelay: time.Second,
			MaxReconnectDelay: 10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			VerifyTimeout:     5 * time.Minute,
		},
		Dev: DevConfig{
			Addr:       "127.0.0.1:8283",
			Cookie:     "dev",
			RunCommand: "echo hello from the dev backend",
			Shell:      "/bin/sh",
			RateLimit:  2,
			Burst:      5,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from dir (default ~/.replink, or $REPLINK_DIR).
func Load(dir string) (*Config, error) {
	if dir == "" {
		var err error
		dir, err = Dir()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.Dir = dir

	// Override with environment variables if present
	if v := os.Getenv("REPLINK_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("REPLINK_GRAPHQL_URL"); v != "" {
		cfg.GraphQLURL = v
	}
	if v := os.Getenv("REPLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if _, err := url.ParseRequestURI(c.GraphQLURL); err != nil {
		return fmt.Errorf("graphql_url: %w", err)
	}
	if c.ClientVersion == "" {
		return fmt.Errorf("client_version is required")
	}
	if c.Verify != "prompt" && c.Verify != "watch" {
		return fmt.Errorf("verify must be 'prompt' or 'watch'")
	}
	s := c.Session
	if s.MinReconnectDelay <= 0 || s.MaxReconnectDelay <= 0 {
		return fmt.Errorf("session reconnect delays must be positive")
	}
	if s.MinReconnectDelay > s.MaxReconnectDelay {
		return fmt.Errorf("session.min_reconnect_delay cannot exceed max_reconnect_delay")
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	return nil
}
