package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func loadWithFile(t *testing.T, content string) *Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("LOOMCLAW_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadWithFile(t, "")
	if cfg.Agent.MaxConcurrentMessages != 5 {
		t.Errorf("max concurrent = %d, want 5", cfg.Agent.MaxConcurrentMessages)
	}
	if cfg.Agent.MemoryWindow != 50 || cfg.Agent.MaxIterations != 20 {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Subagents.MaxIterations >= cfg.Agent.MaxIterations {
		t.Error("subagent iteration ceiling must stay below the main loop's")
	}
	if cfg.Subagents.Timeout != 3*time.Minute {
		t.Errorf("subagent timeout = %v", cfg.Subagents.Timeout)
	}
	if cfg.Scheduler.MaxTasksPerSession != 10 {
		t.Errorf("task quota = %d", cfg.Scheduler.MaxTasksPerSession)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	cfg := loadWithFile(t, `{"model":{"name":"file-model","maxTokens":2048},"agent":{"maxIterations":7}}`)
	if cfg.Model.Name != "file-model" || cfg.Model.MaxTokens != 2048 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Agent.MaxIterations != 7 {
		t.Errorf("iterations = %d, want 7", cfg.Agent.MaxIterations)
	}

	t.Setenv("LOOMCLAW_MODEL_MODEL", "env-model")
	cfg2, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg2.Model.Name != "env-model" {
		t.Errorf("env overlay lost: %q", cfg2.Model.Name)
	}
}

func TestBrokenConfigFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte("{not json"), 0o644)
	t.Setenv("LOOMCLAW_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed config")
	}
}
