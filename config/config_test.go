package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Server.MaxClients)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, RemovalPolicyNoOp, cfg.Server.RemovalPolicy)
	assert.Equal(t, DuplicatePolicyReplace, cfg.Server.DuplicatePolicy)
	assert.Equal(t, WireFormatProtobuf, cfg.Server.WireFormat)
	require.NotNil(t, cfg.Server.StartOnInit)
	assert.True(t, *cfg.Server.StartOnInit)
	assert.Equal(t, 5*time.Second, cfg.Watch.PollTimeout)
	assert.Equal(t, 256, cfg.Watch.QueueSize)
	assert.False(t, cfg.KafkaRelay.Enabled())
	assert.NotEmpty(t, cfg.Warnings)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address())
}

func TestZeroPortInYAMLTakesDefault(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  port: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)

	// A zero port set after loading binds an ephemeral port.
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Server.Validate())
	assert.Equal(t, "127.0.0.1:0", cfg.Server.Address())
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown policy", "server:\n  removal_policy: vaporize\n"},
		{"unknown duplicate policy", "server:\n  duplicate_policy: both\n"},
		{"unknown wire format", "server:\n  wire_format: xml\n"},
		{"port range", "server:\n  port: 70000\n"},
		{"unknown key", "server:\n  prot: 1\n"},
		{"relay without group", "kafka_relay:\n  brokers: [\"k:9092\"]\n"},
		{"bad min max", "database:\n  dsn: postgres://x\n  max_connections: 2\n  min_connections: 5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestRelayDefaultsPropagate(t *testing.T) {
	cfg, err := Parse([]byte("kafka_relay:\n  brokers: [\"k1:9092\"]\n  consumer:\n    group_id: g1\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaRelay.Producer.Brokers)
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaRelay.Consumer.Brokers)
	assert.Equal(t, "logserver.config-changes", cfg.KafkaRelay.Producer.Topic)
	assert.Equal(t, "latest", cfg.KafkaRelay.Consumer.AutoOffsetReset)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logserver.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  removal_policy: socket-close\n  max_clients: 3\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, RemovalPolicySocketClose, cfg.Server.RemovalPolicy)
	assert.Equal(t, 3, cfg.Server.MaxClients)

	_, err = LoadConfig(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestDefaultsFileParses(t *testing.T) {
	data, err := os.ReadFile("logserver.defaults.yml")
	require.NoError(t, err)
	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, RemovalPolicySocketClose, cfg.Server.RemovalPolicy)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
	_, err = NewLogger(LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
