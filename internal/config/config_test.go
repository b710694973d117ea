package config

import (
	"path/filepath"
	"testing"
)

func TestLoadFromFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.ListenPort != DefaultListenPort {
		t.Fatalf("ListenPort = %d, want default %d", cfg.ListenPort, DefaultListenPort)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	cfg := DefaultConfig()
	cfg.NodeID = "deadbeef"
	cfg.ListenPort = 5555

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.NodeID != "deadbeef" || loaded.ListenPort != 5555 {
		t.Fatalf("loaded = %+v, want NodeID=deadbeef ListenPort=5555", loaded)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("STT_NODE_ID", "abc123")
	t.Setenv("STT_BOOTSTRAP_NODES", "10.0.0.1:4700,10.0.0.2:4700")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.NodeID != "abc123" {
		t.Fatalf("NodeID = %q, want abc123", cfg.NodeID)
	}
	if len(cfg.BootstrapNodes) != 2 {
		t.Fatalf("BootstrapNodes = %v, want 2 entries", cfg.BootstrapNodes)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should reject out-of-range listen_port")
	}
}

func TestValidateRequiresRelayHostForRelayStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NATStrategy = "relay"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should require relay_host when nat_strategy is relay")
	}
	cfg.RelayHost = "relay.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
