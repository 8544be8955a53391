package config

import (
	"fmt"
	"time"
)

// Removal policy names accepted by server.removal_policy
const (
	RemovalPolicyNoOp              = "noop"
	RemovalPolicySocketClose       = "socket-close"
	RemovalPolicyRepositoryReclaim = "repository-reclaim"
)

// Duplicate connection policies accepted by server.duplicate_policy
const (
	DuplicatePolicyReplace = "replace"
	DuplicatePolicyReject  = "reject"
)

// Wire formats accepted by server.wire_format
const (
	WireFormatProtobuf = "protobuf"
	WireFormatCBOR     = "cbor"
)

// ServerConfig defines the socket acceptor configuration
type ServerConfig struct {
	BindAddress     string        `yaml:"bind_address"`     // Listening address, loopback by default
	Port            int           `yaml:"port"`             // Listening port; 0 in YAML means the default, --port 0 means ephemeral
	MaxClients      int           `yaml:"max_clients"`      // Maximum concurrent client sessions
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Bounded wait for accept loop and session teardown
	RemovalPolicy   string        `yaml:"removal_policy"`   // noop, socket-close, repository-reclaim
	StartOnInit     *bool         `yaml:"start_on_init"`    // Start accepting as soon as the process is up
	DuplicatePolicy string        `yaml:"duplicate_policy"` // replace or reject a second connection from one address
	WireFormat      string        `yaml:"wire_format"`      // Event record encoding
	LookupTimeout   time.Duration `yaml:"lookup_timeout"`   // Reverse DNS timeout during admission
	KeepAlive       time.Duration `yaml:"keep_alive"`       // TCP keep-alive period for client sockets
}

// SetDefaults sets reasonable default values for the acceptor configuration
func (c *ServerConfig) SetDefaults(warnf func(string, ...any)) {
	if c.BindAddress == "" {
		c.BindAddress = "127.0.0.1"
		warnf("server.bind_address not set, defaulting to %s", c.BindAddress)
	}
	if c.Port <= 0 {
		c.Port = 8000
		warnf("server.port not set or invalid, defaulting to %d", c.Port)
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 100
		warnf("server.max_clients not set or invalid, defaulting to %d", c.MaxClients)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
		warnf("server.shutdown_timeout not set, defaulting to %v", c.ShutdownTimeout)
	}
	if c.RemovalPolicy == "" {
		c.RemovalPolicy = RemovalPolicyNoOp
		warnf("server.removal_policy not set, defaulting to %s", c.RemovalPolicy)
	}
	if c.StartOnInit == nil {
		start := true
		c.StartOnInit = &start
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = DuplicatePolicyReplace
	}
	if c.WireFormat == "" {
		c.WireFormat = WireFormatProtobuf
		warnf("server.wire_format not set, defaulting to %s", c.WireFormat)
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
}

// Validate validates the acceptor configuration
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.RemovalPolicy {
	case RemovalPolicyNoOp, RemovalPolicySocketClose, RemovalPolicyRepositoryReclaim:
	default:
		return fmt.Errorf("unknown removal_policy %q", c.RemovalPolicy)
	}
	switch c.DuplicatePolicy {
	case DuplicatePolicyReplace, DuplicatePolicyReject:
	default:
		return fmt.Errorf("unknown duplicate_policy %q", c.DuplicatePolicy)
	}
	switch c.WireFormat {
	case WireFormatProtobuf, WireFormatCBOR:
	default:
		return fmt.Errorf("unknown wire_format %q", c.WireFormat)
	}
	return nil
}

// Address returns the host:port the acceptor binds
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// WatchConfig defines live watch configuration
type WatchConfig struct {
	PollTimeout   time.Duration `yaml:"poll_timeout"`   // Heartbeat interval when no events arrive
	QueueSize     int           `yaml:"queue_size"`     // Pending events per viewer before dropping the oldest
	DefaultLayout string        `yaml:"default_layout"` // Layout used when a viewer does not pick one
}

// SetDefaults sets reasonable default values for watch configuration
func (c *WatchConfig) SetDefaults(warnf func(string, ...any)) {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
		warnf("watch.poll_timeout not set, defaulting to %v", c.PollTimeout)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
		warnf("watch.queue_size not set, defaulting to %d", c.QueueSize)
	}
	if c.DefaultLayout == "" {
		c.DefaultLayout = "%d{ABSOLUTE} %-5p [%c] %m%n"
	}
}

// Validate validates watch configuration
func (c *WatchConfig) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive")
	}
	return nil
}

// HttpServerConfig defines HTTP server configuration
type HttpServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// SetDefaults sets reasonable default values for the HTTP server. No write
// timeout is applied: the live view is a long-lived response.
func (c *HttpServerConfig) SetDefaults(warnf func(string, ...any)) {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = 1 << 20 // 1 MB
	}
}

// GrpcConfig defines the gRPC health endpoint
type GrpcConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}
