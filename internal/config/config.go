package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SocketPath string `yaml:"socket_path"`
	// ListenAddr is an optional TCP listen address (host:port) served in
	// addition to the unix socket. Empty disables TCP.
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	CheckpointDebounce time.Duration `yaml:"checkpoint_debounce"`
	// TeardownGrace is how long a spawned backend process gets between
	// SIGTERM and SIGKILL.
	TeardownGrace      time.Duration `yaml:"teardown_grace"`
	DynamicToolTimeout time.Duration `yaml:"dynamic_tool_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:         defaultSocketPath(),
		DBPath:             defaultDBPath(),
		CheckpointDebounce: 500 * time.Millisecond,
		TeardownGrace:      5 * time.Second,
		DynamicToolTimeout: 60 * time.Second,
		ShutdownTimeout:    10 * time.Second,
	}
}

// LoadFile reads a YAML config file over the defaults. A missing file
// is not an error; the defaults stand.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.CheckpointDebounce <= 0 {
		cfg.CheckpointDebounce = 500 * time.Millisecond
	}
	if cfg.TeardownGrace <= 0 {
		cfg.TeardownGrace = 5 * time.Second
	}
	if cfg.DynamicToolTimeout <= 0 {
		cfg.DynamicToolTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return cfg, nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "agentbridge", "agentbridged.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentbridged.sock"
	}
	return filepath.Join(home, ".local", "state", "agentbridge", "agentbridged.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentbridge.db"
	}
	return filepath.Join(home, ".local", "state", "agentbridge", "sessions.db")
}
