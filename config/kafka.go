package config

import (
	"errors"
	"fmt"
	"time"
)

// KafkaProducerConfig defines configuration for Kafka writers
type KafkaProducerConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// Batch processing settings
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	BatchBytes   int           `yaml:"batch_bytes"`

	// Reliability settings
	RequiredAcks string `yaml:"required_acks"`
	Async        bool   `yaml:"async"`

	// Performance settings
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
}

// KafkaConsumerConfig defines configuration for Kafka consumer
type KafkaConsumerConfig struct {
	Brokers           []string      `yaml:"brokers"`            // e.g., ["kafka1:9092", "kafka2:9092"]
	Topic             string        `yaml:"topic"`              // Topic to consume from
	GroupID           string        `yaml:"group_id"`           // Consumer group ID, must be unique per server instance
	SessionTimeout    time.Duration `yaml:"session_timeout"`    // Kafka session timeout
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // Kafka heartbeat interval
	AutoOffsetReset   string        `yaml:"auto_offset_reset"`  // earliest/latest
	RetryDelay        time.Duration `yaml:"retry_delay"`        // Delay when consumer encounters errors
}

// SetDefaults sets reasonable default values for Kafka consumer configuration
func (c *KafkaConsumerConfig) SetDefaults(warnf func(string, ...any)) {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Second
		warnf("kafka_relay.consumer.session_timeout not set, defaulting to %s", c.SessionTimeout)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 3 * time.Second
		warnf("kafka_relay.consumer.heartbeat_interval not set, defaulting to %s", c.HeartbeatInterval)
	}
	if c.AutoOffsetReset == "" {
		// Only changes made after startup matter to a live server.
		c.AutoOffsetReset = "latest"
		warnf("kafka_relay.consumer.auto_offset_reset not set, defaulting to %s", c.AutoOffsetReset)
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
}

// KafkaRelayConfig connects the change bus of several server instances that
// share one project store. Disabled when no brokers are configured.
type KafkaRelayConfig struct {
	Brokers  []string            `yaml:"brokers"`
	Topic    string              `yaml:"topic"`
	Producer KafkaProducerConfig `yaml:"producer"`
	Consumer KafkaConsumerConfig `yaml:"consumer"`
}

// Enabled reports whether the relay is configured
func (c *KafkaRelayConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// SetDefaults propagates the shared brokers and topic to producer and consumer
func (c *KafkaRelayConfig) SetDefaults(warnf func(string, ...any)) {
	if c.Topic == "" {
		c.Topic = "logserver.config-changes"
		warnf("kafka_relay.topic not set, defaulting to %s", c.Topic)
	}
	if len(c.Producer.Brokers) == 0 {
		c.Producer.Brokers = c.Brokers
	}
	if c.Producer.Topic == "" {
		c.Producer.Topic = c.Topic
	}
	if c.Producer.RequiredAcks == "" {
		c.Producer.RequiredAcks = "one"
	}
	if len(c.Consumer.Brokers) == 0 {
		c.Consumer.Brokers = c.Brokers
	}
	if c.Consumer.Topic == "" {
		c.Consumer.Topic = c.Topic
	}
	c.Consumer.SetDefaults(warnf)
}

// Validate validates the relay configuration
func (c *KafkaRelayConfig) Validate() error {
	if c.Consumer.GroupID == "" {
		return errors.New("consumer.group_id is required: each server instance needs its own group")
	}
	switch c.Consumer.AutoOffsetReset {
	case "earliest", "latest":
	default:
		return fmt.Errorf("unknown consumer.auto_offset_reset %q", c.Consumer.AutoOffsetReset)
	}
	return nil
}
