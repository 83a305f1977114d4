package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains UDP endpoint and tick loop configuration
type ServerConfig struct {
	UDPPort         int    `yaml:"udp_port"`
	BindAddress     string `yaml:"bind_address"`
	AllowAnyAddress bool   `yaml:"allow_any_address"` // false accepts loopback peers only
	MaxClients      int    `yaml:"max_clients"`
	TickRate        int    `yaml:"tick_rate"`       // ticks per second
	QueueLockWait   int    `yaml:"queue_lock_wait"` // milliseconds
}

// TransportConfig contains protocol timing and size limits
type TransportConfig struct {
	SweepInterval     int `yaml:"sweep_interval"`     // milliseconds
	ConnectionTimeout int `yaml:"connection_timeout"` // milliseconds
	HandshakeTimeout  int `yaml:"handshake_timeout"`  // milliseconds
	MaxDatagramSize   int `yaml:"max_datagram_size"`  // bytes
	ReadBufferSize    int `yaml:"read_buffer_size"`   // socket buffer, bytes
}

// HTTPConfig contains HTTP monitoring API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxClients < 1 {
		return fmt.Errorf("max_clients must be at least 1, got %d", s.MaxClients)
	}

	if s.TickRate < 1 || s.TickRate > 1000 {
		return fmt.Errorf("tick_rate must be between 1 and 1000, got %d", s.TickRate)
	}

	if s.QueueLockWait < 1 {
		return fmt.Errorf("queue_lock_wait must be at least 1 ms, got %d", s.QueueLockWait)
	}

	return nil
}

// Validate validates transport configuration
func (t *TransportConfig) Validate() error {
	if t.SweepInterval < 10 {
		return fmt.Errorf("sweep_interval must be at least 10 ms, got %d", t.SweepInterval)
	}

	if t.ConnectionTimeout <= t.SweepInterval {
		return fmt.Errorf("connection_timeout (%d) must be greater than sweep_interval (%d)",
			t.ConnectionTimeout, t.SweepInterval)
	}

	if t.HandshakeTimeout < t.SweepInterval {
		return fmt.Errorf("handshake_timeout (%d) must be at least sweep_interval (%d)",
			t.HandshakeTimeout, t.SweepInterval)
	}

	if t.MaxDatagramSize < 64 || t.MaxDatagramSize > 65507 {
		return fmt.Errorf("max_datagram_size must be between 64 and 65507 bytes, got %d", t.MaxDatagramSize)
	}

	if t.ReadBufferSize != 0 && t.ReadBufferSize < t.MaxDatagramSize {
		return fmt.Errorf("read_buffer_size (%d) must be 0 or at least max_datagram_size (%d)",
			t.ReadBufferSize, t.MaxDatagramSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr, empty or a file path

	return nil
}

// GetQueueLockWaitDuration returns the bounded wait of the tick loop's queue lock
func (s *ServerConfig) GetQueueLockWaitDuration() time.Duration {
	return time.Duration(s.QueueLockWait) * time.Millisecond
}

// GetTickInterval returns the period of one simulation tick
func (s *ServerConfig) GetTickInterval() time.Duration {
	return time.Second / time.Duration(s.TickRate)
}

// GetSweepIntervalDuration returns the sweep period as a time.Duration
func (t *TransportConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(t.SweepInterval) * time.Millisecond
}

// GetConnectionTimeoutDuration returns the hard liveness timeout as a time.Duration
func (t *TransportConfig) GetConnectionTimeoutDuration() time.Duration {
	return time.Duration(t.ConnectionTimeout) * time.Millisecond
}

// GetHandshakeTimeoutDuration returns the handshake completion timeout as a time.Duration
func (t *TransportConfig) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(t.HandshakeTimeout) * time.Millisecond
}
