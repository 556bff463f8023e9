package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a server configuration from the given YAML file path,
// applying defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config found.
// Search order: ./conveyor.yaml, ~/.conveyor/config.yaml. A missing config is
// not an error; the defaults stand on their own.
func LoadDefault() (*Config, error) {
	candidates := []string{"conveyor.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".conveyor", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Engine.ApprovalPoll == "" {
		cfg.Engine.ApprovalPoll = "5s"
	}
	if cfg.Engine.ApprovalTimeout == "" {
		cfg.Engine.ApprovalTimeout = "1h"
	}
	if cfg.Engine.AgentPoll == "" {
		cfg.Engine.AgentPoll = "2s"
	}
	if cfg.Engine.AgentTimeout == "" {
		cfg.Engine.AgentTimeout = "1h"
	}
	if cfg.Cluster.Image == "" {
		cfg.Cluster.Image = "alpine:latest"
	}
}
