package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Orchestrator OrchestratorRuntimeConfig `toml:"orchestrator"`
	Auth         AuthConfig                `toml:"auth"`
	Raw          map[string]any            `toml:"-"`
	Path         string                    `toml:"-"`
}

type OrchestratorRuntimeConfig struct {
	Addr            string `toml:"addr"`
	DBPath          string `toml:"db_path"`
	SweepIntervalMS int    `toml:"sweep_interval_ms"`
	ReadyTTLMS      int    `toml:"ready_ttl_ms"`
	PollWindow      int    `toml:"poll_window"`
}

type AuthConfig struct {
	// Tokens maps bearer token -> "chatroomID:role". An empty chatroom id
	// makes the token valid for every chatroom.
	Tokens map[string]string `toml:"tokens"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && path == "" {
			return Config{Path: resolved}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewroom/config.toml"
	}
	return filepath.Join(home, ".crewroom", "config.toml")
}
