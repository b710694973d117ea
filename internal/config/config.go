// Package config handles node configuration from YAML, environment
// variables and CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenPort      = 4700
	DefaultWebSocketPort   = 4701
	DefaultChamberDir      = "/var/lib/stt/chamber"
	DefaultConfigPath      = "/etc/stt/node.yaml"
	DefaultLogLevel        = "info"
	DefaultRPCTimeoutMS    = 5000
	DefaultRotationDataGB  = 1
	DefaultRotationGraceN  = 32
)

// Config defines a node's full runtime configuration.
type Config struct {
	// Identity
	NodeID string `yaml:"node_id"` // hex-encoded 32-byte id, generated if empty

	// Transport
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	// Bridge to a backend pipeline (ASR/TTS) over WebSocket.
	WebSocketHost string `yaml:"ws_host"`
	WebSocketPort int    `yaml:"ws_port"`
	BackendHost   string `yaml:"backend_host"`
	BackendPort   int    `yaml:"backend_port"`

	// Bootstrap / discovery
	BootstrapNodes []string `yaml:"bootstrap_nodes"` // ["host:port", ...]

	// NAT coordination: "manual" or "relay"
	NATStrategy string `yaml:"nat_strategy"`
	RelayHost   string `yaml:"relay_host"`
	RelayPort   int    `yaml:"relay_port"`

	// Security
	PresharedSeedHex string `yaml:"preshared_seed_hex"` // handshake seed, hex-encoded

	// Key rotation policy
	RotationDataThresholdGB int `yaml:"rotation_data_threshold_gb"`
	RotationTimeThresholdMin int `yaml:"rotation_time_threshold_min"`
	RotationMessageThreshold int `yaml:"rotation_message_threshold"`
	RotationGraceFrames      int `yaml:"rotation_grace_frames"`

	// Storage
	ChamberDir string `yaml:"chamber_dir"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug|info|warn|error

	// Telemetry
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
}

// DefaultConfig returns a Config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenHost:               "0.0.0.0",
		ListenPort:               DefaultListenPort,
		WebSocketHost:            "127.0.0.1",
		WebSocketPort:            DefaultWebSocketPort,
		BackendHost:              "127.0.0.1",
		BackendPort:              9500,
		NATStrategy:              "manual",
		RotationDataThresholdGB:  DefaultRotationDataGB,
		RotationTimeThresholdMin: 60,
		RotationMessageThreshold: 1 << 20,
		RotationGraceFrames:      DefaultRotationGraceN,
		ChamberDir:               DefaultChamberDir,
		LogLevel:                 DefaultLogLevel,
		HeartbeatIntervalSec:     30,
	}
}

// LoadFromFile loads configuration from a YAML file, falling back to
// defaults if the file does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies STT_-prefixed environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STT_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("STT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STT_DATA_DIR"); v != "" {
		c.ChamberDir = v
	}
	if v := os.Getenv("STT_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.ListenPort = port
		}
	}
	if v := os.Getenv("STT_BOOTSTRAP_NODES"); v != "" {
		c.BootstrapNodes = strings.Split(v, ",")
	}
	if v := os.Getenv("STT_PRESHARED_SEED_HEX"); v != "" {
		c.PresharedSeedHex = v
	}
	if v := os.Getenv("STT_NAT_STRATEGY"); v != "" {
		c.NATStrategy = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("config: invalid listen_port: %d", c.ListenPort)
	}
	if c.WebSocketPort < 1 || c.WebSocketPort > 65535 {
		return fmt.Errorf("config: invalid ws_port: %d", c.WebSocketPort)
	}

	validNAT := map[string]bool{"manual": true, "relay": true}
	if !validNAT[c.NATStrategy] {
		return fmt.Errorf("config: invalid nat_strategy: %s (valid: manual, relay)", c.NATStrategy)
	}
	if c.NATStrategy == "relay" && c.RelayHost == "" {
		return fmt.Errorf("config: nat_strategy relay requires relay_host")
	}

	if c.RotationGraceFrames < 0 {
		return fmt.Errorf("config: rotation_grace_frames must be >= 0")
	}

	return nil
}

// SaveToFile writes the configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create dir %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}
