// Package config loads and validates the hub configuration. Values are
// resolved in three layers: built-in defaults, then environment variables
// (SVCHUB_*), then an optional YAML file. Command-line flags are bound on
// top of the result by cmd/svchub.
//
// All settings have sensible defaults so the binary works out of the box
// for local development without any file or environment setup.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the hub.
// Values are loaded once at startup via Load() and then treated as immutable.
type Config struct {
	// GRPCHost/GRPCPort is the listen address for the service-facing RPC
	// surface. Fleet services connect here to register and heartbeat.
	GRPCHost string `yaml:"grpc_host"`
	GRPCPort uint16 `yaml:"grpc_port"`

	// HTTPHost/HTTPPort is the listen address for the operator-facing
	// JSON + SSE API.
	HTTPHost string `yaml:"http_host"`
	HTTPPort uint16 `yaml:"http_port"`

	// ProxyPort is the listen port for the transparent call-forwarding
	// proxy. Any gRPC method invoked here is routed to the best matching
	// fleet instance. Shares GRPCHost as its bind host.
	ProxyPort uint16 `yaml:"proxy_port"`

	// DockerWatch enables label-driven auto-registration of containers.
	// Containers carrying svchub.enable=true are registered as instances.
	DockerWatch bool `yaml:"docker_watch"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// GRPCAddr returns the host:port the RPC surface listens on.
func (c *Config) GRPCAddr() string {
	return net.JoinHostPort(c.GRPCHost, strconv.Itoa(int(c.GRPCPort)))
}

// HTTPAddr returns the host:port the HTTP surface listens on.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(int(c.HTTPPort)))
}

// ProxyAddr returns the host:port the transparent proxy listens on.
func (c *Config) ProxyAddr() string {
	return net.JoinHostPort(c.GRPCHost, strconv.Itoa(int(c.ProxyPort)))
}

// Load reads configuration from the environment, then overlays the YAML
// file at path if path is non-empty. Missing variables fall back to
// defaults suitable for local development.
func Load(path string) (*Config, error) {
	cfg := &Config{
		GRPCHost:    getEnv("SVCHUB_GRPC_HOST", "0.0.0.0"),
		GRPCPort:    getEnvPort("SVCHUB_GRPC_PORT", 50099),
		HTTPHost:    getEnv("SVCHUB_HTTP_HOST", "0.0.0.0"),
		HTTPPort:    getEnvPort("SVCHUB_HTTP_PORT", 8080),
		ProxyPort:   getEnvPort("SVCHUB_PROXY_PORT", 50100),
		DockerWatch: os.Getenv("SVCHUB_DOCKER_WATCH") == "true",
		LogLevel:    getEnv("SVCHUB_LOG_LEVEL", "info"),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// getEnv returns the value of the environment variable named by key,
// or fallback if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvPort parses the named variable as a port number, falling back on
// absence or any parse error.
func getEnvPort(key string, fallback uint16) uint16 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	p, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return fallback
	}
	return uint16(p)
}
