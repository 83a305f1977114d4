package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns a configuration matching configs/config.yaml
func validConfig() Config {
	return Config{
		Server: ServerConfig{
			UDPPort:         7777,
			BindAddress:     "0.0.0.0",
			AllowAnyAddress: true,
			MaxClients:      64,
			TickRate:        30,
			QueueLockWait:   10,
		},
		Transport: TransportConfig{
			SweepInterval:     1000,
			ConnectionTimeout: 4000,
			HandshakeTimeout:  2000,
			MaxDatagramSize:   1284,
			ReadBufferSize:    65536,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.UDPPort = 70000 },
			expectError: true,
			errorMsg:    "udp_port must be between 1 and 65535",
		},
		{
			name:        "no clients allowed",
			mutate:      func(c *Config) { c.Server.MaxClients = 0 },
			expectError: true,
			errorMsg:    "max_clients must be at least 1",
		},
		{
			name:        "zero tick rate",
			mutate:      func(c *Config) { c.Server.TickRate = 0 },
			expectError: true,
			errorMsg:    "tick_rate must be between 1 and 1000",
		},
		{
			name:        "timeout not longer than sweep",
			mutate:      func(c *Config) { c.Transport.ConnectionTimeout = 1000 },
			expectError: true,
			errorMsg:    "connection_timeout (1000) must be greater than sweep_interval (1000)",
		},
		{
			name:        "handshake shorter than sweep",
			mutate:      func(c *Config) { c.Transport.HandshakeTimeout = 500 },
			expectError: true,
			errorMsg:    "handshake_timeout (500) must be at least sweep_interval",
		},
		{
			name:        "datagram ceiling above UDP maximum",
			mutate:      func(c *Config) { c.Transport.MaxDatagramSize = 70000 },
			expectError: true,
			errorMsg:    "max_datagram_size must be between 64 and 65507",
		},
		{
			name:        "read buffer smaller than datagram",
			mutate:      func(c *Config) { c.Transport.ReadBufferSize = 512 },
			expectError: true,
			errorMsg:    "read_buffer_size (512) must be 0 or at least max_datagram_size",
		},
		{
			name:   "http disabled ignores port",
			mutate: func(c *Config) { c.HTTP = HTTPConfig{Enabled: false} },
		},
		{
			name:        "http enabled without address",
			mutate:      func(c *Config) { c.HTTP.Address = "" },
			expectError: true,
			errorMsg:    "http address cannot be empty",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  udp_port: 7777
  bind_address: "0.0.0.0"
  allow_any_address: true
  max_clients: 64
  tick_rate: 30
  queue_lock_wait: 10
transport:
  sweep_interval: 1000
  connection_timeout: 4000
  handshake_timeout: 2000
  max_datagram_size: 1284
  read_buffer_size: 65536
http:
  enabled: false
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  udp_port: 7777
  max_clients: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
server:
  udp_port: 7777
  # missing bind_address
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if !config.Server.AllowAnyAddress || config.Transport.MaxDatagramSize != 1284 {
				t.Errorf("Unexpected loaded values: %+v", config)
			}
			if config.Logging.Output != "stderr" {
				t.Errorf("Expected stderr output, got %q", config.Logging.Output)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	if _, err := Load(filepath.Join("..", "..", "configs", "config.yaml")); err != nil {
		t.Errorf("configs/config.yaml does not load: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	config := validConfig()

	if config.Server.GetQueueLockWaitDuration() != 10*time.Millisecond {
		t.Errorf("Expected 10ms, got %v", config.Server.GetQueueLockWaitDuration())
	}

	config.Server.TickRate = 50
	if config.Server.GetTickInterval() != 20*time.Millisecond {
		t.Errorf("Expected 20ms, got %v", config.Server.GetTickInterval())
	}

	if config.Transport.GetSweepIntervalDuration() != time.Second {
		t.Errorf("Expected 1s, got %v", config.Transport.GetSweepIntervalDuration())
	}

	if config.Transport.GetConnectionTimeoutDuration() != 4*time.Second {
		t.Errorf("Expected 4s, got %v", config.Transport.GetConnectionTimeoutDuration())
	}

	if config.Transport.GetHandshakeTimeoutDuration() != 2*time.Second {
		t.Errorf("Expected 2s, got %v", config.Transport.GetHandshakeTimeoutDuration())
	}
}
