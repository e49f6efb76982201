package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	def := DefaultConfig()
	if cfg.CheckpointDebounce != def.CheckpointDebounce || cfg.ShutdownTimeout != def.ShutdownTimeout {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.SocketPath == "" || cfg.DBPath == "" {
		t.Fatalf("defaults must include paths, got %+v", cfg)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
socket_path: /tmp/bridge.sock
listen_addr: 127.0.0.1:8900
db_path: /tmp/bridge.db
checkpoint_debounce: 250ms
teardown_grace: 2s
dynamic_tool_timeout: 30s
shutdown_timeout: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath != "/tmp/bridge.sock" || cfg.ListenAddr != "127.0.0.1:8900" || cfg.DBPath != "/tmp/bridge.db" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
	if cfg.CheckpointDebounce != 250*time.Millisecond || cfg.TeardownGrace != 2*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.DynamicToolTimeout != 30*time.Second || cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg)
	}
}

func TestLoadFileClampsNonPositiveDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
checkpoint_debounce: -1s
teardown_grace: 0s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig()
	if cfg.CheckpointDebounce != def.CheckpointDebounce || cfg.TeardownGrace != def.TeardownGrace {
		t.Fatalf("expected clamped defaults, got %+v", cfg)
	}
}

func TestLoadFileRejectsUnparsableValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("checkpoint_debounce: not-a-duration\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}
