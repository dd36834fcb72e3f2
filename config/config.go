// Package config loads the server and client configuration surfaces
// described in spec.md §6. The teacher repo declared yaml.v2/yaml.v3 in
// its go.mod but never parsed a config file; Sphynx actually wires
// yaml.v3 here, the same library the rest of the config file uses for
// load/save round trips.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the server-side configuration surface (§6).
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ListenPort      int    `yaml:"listen_port"`
	WorkerSockets   int    `yaml:"worker_sockets"`
	EnableIPv6      bool   `yaml:"enable_ipv6"`
	RecvBufferBytes int    `yaml:"recv_buffer_bytes"`
	PrivateKeyHex   string `yaml:"private_key"`
	LogLevel        string `yaml:"log_level"`
}

// ClientConfig is the client-side configuration surface (§6).
type ClientConfig struct {
	ServerHost      string `yaml:"server_host"`
	ServerPort      int    `yaml:"server_port"`
	ServerPubKeyHex string `yaml:"server_public_key"`
	EnableIPv6      bool   `yaml:"enable_ipv6"`
	RecvBufferBytes int    `yaml:"recv_buffer_bytes"`
	LogLevel        string `yaml:"log_level"`
}

// DefaultServerConfig mirrors the teacher's practice of shipping usable
// constants (lib/constant.go, config/config.go) rather than forcing a
// file to exist before the server can start.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      "0.0.0.0",
		ListenPort:      9700,
		WorkerSockets:   4,
		EnableIPv6:      false,
		RecvBufferBytes: 4 << 20,
		LogLevel:        "info",
	}
}

// DefaultClientConfig returns sane defaults for the client config surface.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerPort:      9700,
		EnableIPv6:      false,
		RecvBufferBytes: 2 << 20,
		LogLevel:        "info",
	}
}

// LoadServerConfig reads and validates a YAML server configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerSockets <= 0 {
		return nil, fmt.Errorf("config: worker_sockets must be positive, got %d", cfg.WorkerSockets)
	}
	return cfg, nil
}

// LoadClientConfig reads and validates a YAML client configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if cfg.ServerHost == "" {
		return nil, fmt.Errorf("config: server_host is required")
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Save writes cfg back out as YAML.
func Save(path string, cfg interface{}) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
