package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".loomclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file. LOOMCLAW_CONFIG overrides
// the default ~/.loomclaw/config.json.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("LOOMCLAW_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the config file (if present), overlays environment variables
// and applies defaults. A missing file is not an error.
func Load() (*Config, error) {
	cfg := &Config{}

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	envconfig.Process("LOOMCLAW_PATHS", &cfg.Paths)
	envconfig.Process("LOOMCLAW_MODEL", &cfg.Model)
	envconfig.Process("LOOMCLAW_AGENT", &cfg.Agent)
	envconfig.Process("LOOMCLAW_SUBAGENTS", &cfg.Subagents)
	envconfig.Process("LOOMCLAW", &cfg.Scheduler)
	envconfig.Process("LOOMCLAW_PROVIDER", &cfg.Providers)
	envconfig.Process("LOOMCLAW_CHANNELS", &cfg.Channels.Slack)
	envconfig.Process("LOOMCLAW_CHANNELS", &cfg.Channels.Web)

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Paths.Workspace == "" {
		home, _ := os.UserHomeDir()
		c.Paths.Workspace = filepath.Join(home, ConfigDir, "workspace")
	}
	if c.Paths.Database == "" {
		home, _ := os.UserHomeDir()
		c.Paths.Database = filepath.Join(home, ConfigDir, "loomclaw.db")
	}
	if c.Paths.SkillsDir == "" {
		home, _ := os.UserHomeDir()
		c.Paths.SkillsDir = filepath.Join(home, ConfigDir, "skills")
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Model.Temperature <= 0 {
		c.Model.Temperature = 0.7
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Agent.MaxConcurrentMessages <= 0 {
		c.Agent.MaxConcurrentMessages = 5
	}
	if c.Agent.MemoryWindow <= 0 {
		c.Agent.MemoryWindow = 50
	}
	if c.Subagents.MaxConcurrent <= 0 {
		c.Subagents.MaxConcurrent = 8
	}
	if c.Subagents.MaxIterations <= 0 {
		c.Subagents.MaxIterations = c.Agent.MaxIterations / 2
	}
	if c.Subagents.MaxIterations >= c.Agent.MaxIterations {
		c.Subagents.MaxIterations = c.Agent.MaxIterations - 1
	}
	if c.Subagents.MaxIterations <= 0 {
		c.Subagents.MaxIterations = 1
	}
	if c.Subagents.Timeout <= 0 {
		c.Subagents.Timeout = 3 * time.Minute
	}
	if c.Scheduler.MaxTasksPerSession <= 0 {
		c.Scheduler.MaxTasksPerSession = 10
	}
	if c.Providers.Timeout <= 0 {
		c.Providers.Timeout = 120 * time.Second
	}
	if c.Channels.Web.Listen == "" {
		c.Channels.Web.Listen = "127.0.0.1:8790"
	}
}
