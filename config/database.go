package config

import (
	"fmt"
	"time"
)

// DatabaseConfig defines the project store database configuration.
// An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN            string        `yaml:"dsn" json:"dsn"`                         // PostgreSQL connection string
	MaxConnections int           `yaml:"max_connections" json:"max_connections"` // Maximum number of connections
	MinConnections int           `yaml:"min_connections" json:"min_connections"` // Minimum number of connections
	MaxIdleTime    time.Duration `yaml:"max_idle_time" json:"max_idle_time"`     // Maximum time a connection can be idle
	MaxLifetime    time.Duration `yaml:"max_lifetime" json:"max_lifetime"`       // Maximum lifetime of a connection
	SeedFile       string        `yaml:"seed_file" json:"seed_file"`             // Optional YAML projects loaded at startup
}

// SetDefaults sets sensible default values for the database configuration
func (c *DatabaseConfig) SetDefaults(warnf func(string, ...any)) {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
		warnf("database.max_connections not set or invalid, defaulting to %d", c.MaxConnections)
	}
	if c.MinConnections <= 0 {
		c.MinConnections = 2
		warnf("database.min_connections not set or invalid, defaulting to %d", c.MinConnections)
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = time.Hour
		warnf("database.max_idle_time not set, defaulting to %s", c.MaxIdleTime)
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 24 * time.Hour
		warnf("database.max_lifetime not set, defaulting to %s", c.MaxLifetime)
	}
}

// Validate validates the database configuration
func (c *DatabaseConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("database max_connections must be positive")
	}
	if c.MinConnections < 0 {
		return fmt.Errorf("database min_connections cannot be negative")
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("database min_connections (%d) cannot be greater than max_connections (%d)",
			c.MinConnections, c.MaxConnections)
	}
	return nil
}

// Fields returns the database configuration as log fields (excluding sensitive DSN)
func (c *DatabaseConfig) Fields() []any {
	return []any{
		"max_connections", c.MaxConnections,
		"min_connections", c.MinConnections,
		"max_idle_time", c.MaxIdleTime,
		"max_lifetime", c.MaxLifetime,
		"dsn", "[configured]",
	}
}
