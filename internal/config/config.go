package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete faros-server configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	API      APIConfig      `yaml:"api"`
	Commands CommandsConfig `yaml:"commands"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// CommandsConfig defines command dispatch settings.
type CommandsConfig struct {
	// TTLSeconds is the delivery window for queued commands. A command not
	// polled within this window expires permanently. Snapshotted onto each
	// command at enqueue time.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// AuthConfig defines operator authentication settings.
type AuthConfig struct {
	// JWTSecret signs and verifies operator session tokens (HS256).
	JWTSecret string `yaml:"jwt_secret"`
	// OperatorTokens are static bearer tokens with full operator access.
	OperatorTokens []string `yaml:"operator_tokens,omitempty"`
}

// TTL returns the configured command TTL as a duration.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Commands.TTLSeconds) * time.Second
}

// Load reads and parses configuration from a YAML file, applies defaults,
// and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no file loaded.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "faros-server"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "INFO"
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "./data/faros.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8321"
	}
	if cfg.Commands.TTLSeconds == 0 {
		cfg.Commands.TTLSeconds = 30
	}
}

func validate(cfg *Config) error {
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is empty")
	}
	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is empty")
	}
	if cfg.Commands.TTLSeconds <= 0 {
		return fmt.Errorf("commands.ttl_seconds must be positive, got %d", cfg.Commands.TTLSeconds)
	}
	if cfg.Auth.JWTSecret == "" && len(cfg.Auth.OperatorTokens) == 0 {
		return fmt.Errorf("auth requires a jwt_secret or at least one operator token")
	}
	for i, tok := range cfg.Auth.OperatorTokens {
		if tok == "" {
			return fmt.Errorf("auth.operator_tokens[%d] is empty", i)
		}
	}
	return nil
}
