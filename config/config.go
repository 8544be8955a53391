package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Config represents the complete logserver configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Watch      WatchConfig      `yaml:"watch"`
	HttpServer HttpServerConfig `yaml:"http_server"`
	Grpc       GrpcConfig       `yaml:"grpc"`
	Database   DatabaseConfig   `yaml:"database"`
	KafkaRelay KafkaRelayConfig `yaml:"kafka_relay"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Warnings collects the notes produced while defaulting. They are logged
	// once the logger exists.
	Warnings []string `yaml:"-"`
}

// warnf records a defaulting note.
func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// SetDefaults fills every unset key with its default
func (c *Config) SetDefaults() {
	c.Server.SetDefaults(c.warnf)
	c.Watch.SetDefaults(c.warnf)
	c.HttpServer.SetDefaults(c.warnf)
	c.Logging.SetDefaults(c.warnf)
	if c.Database.DSN != "" {
		c.Database.SetDefaults(c.warnf)
	}
	if c.KafkaRelay.Enabled() {
		c.KafkaRelay.SetDefaults(c.warnf)
	}
}

// Validate validates the complete configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration error: %w", err)
	}
	if err := c.Watch.Validate(); err != nil {
		return fmt.Errorf("watch configuration error: %w", err)
	}
	if c.Database.DSN != "" {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database configuration error: %w", err)
		}
	}
	if c.KafkaRelay.Enabled() {
		if err := c.KafkaRelay.Validate(); err != nil {
			return fmt.Errorf("kafka relay configuration error: %w", err)
		}
	}
	return nil
}

// Default returns a configuration with every key defaulted
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Warnings = nil
	return cfg
}

// LoadConfig loads configuration from the specified YAML file path
func LoadConfig(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path of config file: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", absPath, err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
