// Package config loads ack-rpc settings from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"ack-rpc/codec"
	"ack-rpc/logger"

	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Client    ClientConfig    `yaml:"client"`
	Server    ServerConfig    `yaml:"server"`
	Services  []ServiceConfig `yaml:"services"`
	Registry  RegistryConfig  `yaml:"registry"`
	Logging   logger.Config   `yaml:"logging"`
	Admin     AdminConfig     `yaml:"admin"`
	Demo      DemoConfig      `yaml:"demo"`
}

// TransportConfig holds the socket timeouts.
type TransportConfig struct {
	ServerSendTimeout    time.Duration `yaml:"server_send_timeout"`
	ClientSendTimeout    time.Duration `yaml:"client_send_timeout"`
	ClientReceiveTimeout time.Duration `yaml:"client_receive_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
}

// ClientConfig tunes the router and its connections.
type ClientConfig struct {
	HighWaterMark         int `yaml:"high_water_mark"`
	VirtualNodes          int `yaml:"virtual_nodes"`
	ConnectionsPerAddress int `yaml:"connections_per_address"`
}

// ServerConfig describes the listeners this process runs.
type ServerConfig struct {
	Listen         []string      `yaml:"listen"`
	AdvertiseAddr  string        `yaml:"advertise_addr"`
	ServiceName    string        `yaml:"service_name"`
	Workers        int           `yaml:"workers"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	HandlerRetries int           `yaml:"handler_retries"`
	RateLimit      float64       `yaml:"rate_limit"` // payloads per second, 0 disables
	RateBurst      int           `yaml:"rate_burst"`
}

// ServiceConfig is a statically known service and its addresses.
type ServiceConfig struct {
	Name        string   `yaml:"name"`
	Addresses   []string `yaml:"addresses"`
	Connections int      `yaml:"connections"`
}

// RegistryConfig points at etcd. An empty endpoint list disables discovery.
type RegistryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         int64         `yaml:"ttl"`
	Watch       []string      `yaml:"watch"` // services to follow
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DemoConfig drives the built-in producer that sends envelopes to a service.
type DemoConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Service  string        `yaml:"service"`
	Interval time.Duration `yaml:"interval"`
	Keys     int           `yaml:"keys"`  // distinct routing keys, 0 sends without keys
	Codec    string        `yaml:"codec"` // "json" or "binary"
}

// Default returns a configuration with the stock timeouts and sizes.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			ServerSendTimeout:    2000 * time.Millisecond,
			ClientSendTimeout:    2000 * time.Millisecond,
			ClientReceiveTimeout: 2000 * time.Millisecond,
			ReconnectInterval:    100 * time.Millisecond,
		},
		Client: ClientConfig{
			HighWaterMark:         10000,
			VirtualNodes:          10,
			ConnectionsPerAddress: 10,
		},
		Server: ServerConfig{
			Workers: 10,
		},
		Registry: RegistryConfig{
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:8090",
		},
		Demo: DemoConfig{
			Interval: time.Second,
			Keys:     100,
			Codec:    "json",
		},
	}
}

// Load reads path and overlays it on Default. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Transport.ServerSendTimeout <= 0 || c.Transport.ClientSendTimeout <= 0 || c.Transport.ClientReceiveTimeout <= 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}
	if c.Transport.ReconnectInterval <= 0 {
		return fmt.Errorf("transport.reconnect_interval must be positive")
	}
	if c.Client.HighWaterMark <= 0 {
		return fmt.Errorf("client.high_water_mark must be positive")
	}
	if c.Client.VirtualNodes <= 0 {
		return fmt.Errorf("client.virtual_nodes must be positive")
	}
	if c.Client.ConnectionsPerAddress <= 0 {
		return fmt.Errorf("client.connections_per_address must be positive")
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}

	seen := make(map[string]bool)
	for i, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if seen[svc.Name] {
			return fmt.Errorf("services[%d]: duplicate service %q", i, svc.Name)
		}
		seen[svc.Name] = true
		if len(svc.Addresses) == 0 {
			return fmt.Errorf("service %q: at least one address is required", svc.Name)
		}
		if svc.Connections < 0 {
			return fmt.Errorf("service %q: connections must not be negative", svc.Name)
		}
	}

	if len(c.Registry.Watch) > 0 && len(c.Registry.Endpoints) == 0 {
		return fmt.Errorf("registry.watch requires registry.endpoints")
	}
	if len(c.Server.Listen) > 0 && c.Server.ServiceName == "" && len(c.Registry.Endpoints) > 0 {
		return fmt.Errorf("server.service_name is required to register listeners")
	}
	if c.Demo.Enabled {
		if c.Demo.Service == "" {
			return fmt.Errorf("demo.service is required when the demo is enabled")
		}
		if c.Demo.Interval <= 0 {
			return fmt.Errorf("demo.interval must be positive")
		}
		if c.Demo.Keys < 0 {
			return fmt.Errorf("demo.keys must not be negative")
		}
	}
	if _, err := codec.ParseCodecType(c.Demo.Codec); err != nil {
		return fmt.Errorf("demo.codec: %w", err)
	}
	return nil
}

// ConnectionsFor returns the pool size for a service, falling back to the client default.
func (c *Config) ConnectionsFor(svc ServiceConfig) int {
	if svc.Connections > 0 {
		return svc.Connections
	}
	return c.Client.ConnectionsPerAddress
}
