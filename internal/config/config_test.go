package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path == "" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: memory
queue:
  lease_duration: 2m
  max_attempts: 7
executor:
  workers: 3
  max_iterations: 4
  default_provider: anthropic-main
logging:
  level: debug
  format: text
agents:
  helper:
    system_prompt: Be brief.
    provider: anthropic-main
    allowed_tools: [calc/add/v1]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Queue.LeaseDuration != 2*time.Minute || cfg.Queue.MaxAttempts != 7 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Executor.Workers != 3 || cfg.Executor.DefaultProvider != "anthropic-main" {
		t.Errorf("executor = %+v", cfg.Executor)
	}
	agent, ok := cfg.Agents["helper"]
	if !ok || agent.SystemPrompt != "Be brief." || len(agent.AllowedTools) != 1 {
		t.Errorf("agent = %+v", agent)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_LOG_LEVEL", "warn")
	t.Setenv("CONDUCTOR_STORE_DRIVER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: exotic\n")
	if _, err := Load(path); err == nil {
		t.Error("unknown driver accepted")
	}

	path = writeConfig(t, "tools:\n  - router_key: bad-key\n    runtime: native\n")
	if _, err := Load(path); err == nil {
		t.Error("bad router key accepted")
	}
}
