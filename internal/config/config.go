// Package config loads the perch configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Agent    AgentConfig    `yaml:"agent"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type RelayConfig struct {
	Addr      string `yaml:"addr"`       // listen address, e.g. ":8724"
	JWTSecret string `yaml:"jwt_secret"` // base64; auto-generated when empty
}

type AgentConfig struct {
	Command string   `yaml:"command"` // agent CLI binary, e.g. "claude"
	Args    []string `yaml:"args"`    // extra args before the stream flags
	WorkDir string   `yaml:"work_dir"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads the configuration from a file, applying env overrides and
// defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// no file: defaults + env are enough
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if addr := os.Getenv("PERCH_ADDR"); addr != "" {
		cfg.Relay.Addr = addr
	}
	if secret := os.Getenv("PERCH_JWT_SECRET"); secret != "" {
		cfg.Relay.JWTSecret = secret
	}
	if db := os.Getenv("PERCH_DB"); db != "" {
		cfg.Database.Path = db
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Relay:    RelayConfig{Addr: ":8724"},
		Agent:    AgentConfig{Command: "claude"},
		Database: DatabaseConfig{Path: "perch.db"},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is required")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
