package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_YAMLDefaults(t *testing.T) {
	cfg, err := Parse([]byte("sandbox:\n  enabled: true\n"), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Sandbox.Enabled {
		t.Error("sandbox.enabled should be true")
	}
	if cfg.Sandbox.Mode != ModePersistent {
		t.Errorf("Mode = %q, want %q", cfg.Sandbox.Mode, ModePersistent)
	}
	if cfg.Sandbox.PIDsLimit != 256 {
		t.Errorf("PIDsLimit = %d, want 256", cfg.Sandbox.PIDsLimit)
	}
	if cfg.DefaultTimeout() != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", cfg.DefaultTimeout())
	}
	if cfg.PullTimeout() != 10*time.Minute {
		t.Errorf("PullTimeout = %v, want 10m", cfg.PullTimeout())
	}
	if cfg.Execution.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Execution.MaxRetries)
	}
	if cfg.Confirmation.Mode != ConfirmPrompt {
		t.Errorf("Confirmation.Mode = %q, want prompt", cfg.Confirmation.Mode)
	}
	if cfg.Confirmation.AutoMaxDirectRisk != "medium" {
		t.Errorf("AutoMaxDirectRisk = %q, want medium", cfg.Confirmation.AutoMaxDirectRisk)
	}
}

func TestParse_JSON(t *testing.T) {
	data := `{"sandbox":{"enabled":true,"mode":"oneshot","memory_mb":256},"execution":{"self_healing":true,"max_retries":5}}`
	cfg, err := Parse([]byte(data), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Sandbox.Mode != ModeOneShot {
		t.Errorf("Mode = %q, want oneshot", cfg.Sandbox.Mode)
	}
	if cfg.Sandbox.MemoryMB != 256 {
		t.Errorf("MemoryMB = %d, want 256", cfg.Sandbox.MemoryMB)
	}
	if !cfg.Execution.SelfHealing || cfg.Execution.MaxRetries != 5 {
		t.Errorf("execution = %+v", cfg.Execution)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad mode", "sandbox:\n  mode: vm\n", "sandbox.mode"},
		{"negative memory", "sandbox:\n  memory_mb: -1\n", "memory_mb"},
		{"bad fix rule", "execution:\n  fix_rules:\n    - match: \"(\"\n      fix: x\n", "fix_rules[0]"},
		{"empty fix", "execution:\n  fix_rules:\n    - match: foo\n", "fix_rules[0]"},
		{"bad confirmation", "confirmation:\n  mode: maybe\n", "confirmation.mode"},
		{"bad auto risk", "confirmation:\n  auto_max_direct_risk: critical\n", "auto_max_direct_risk"},
		{"postgres without dsn", "audit:\n  storage:\n    driver: postgres\n", "dsn"},
		{"unknown driver", "audit:\n  storage:\n    driver: mysql\n", "not supported"},
		{"bad pattern", "validation:\n  extra_blocked_patterns: [\"[\"]\n", "extra_blocked_patterns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CMDGUARD_DB_DSN", "")
			_, err := Parse([]byte(tt.yaml), ".yaml")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("CMDGUARD_SANDBOX_ENABLED", "false")
	t.Setenv("CMDGUARD_SELF_HEALING", "true")
	t.Setenv("CMDGUARD_SANDBOX_IMAGE", "debian:stable-slim")

	cfg, err := Parse([]byte("sandbox:\n  enabled: true\n"), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Sandbox.Enabled {
		t.Error("env should disable sandbox")
	}
	if !cfg.Execution.SelfHealing {
		t.Error("env should enable self-healing")
	}
	if cfg.Sandbox.Image != "debian:stable-slim" {
		t.Errorf("Image = %q", cfg.Sandbox.Image)
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if !cfg.Sandbox.Enabled {
		t.Error("default config should enable sandboxing")
	}
	if !cfg.Checkpoint.Enabled {
		t.Error("default config should enable checkpoints")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cmdguard.yml")
	data := "data_dir: " + dir + "\naudit:\n  storage:\n    driver: sqlite\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.DatabasePath(), filepath.Join(dir, "cmdguard.db"); got != want {
		t.Errorf("DatabasePath = %q, want %q", got, want)
	}
	if got, want := cfg.AuditLogPath(), filepath.Join(dir, "audit.jsonl"); got != want {
		t.Errorf("AuditLogPath = %q, want %q", got, want)
	}
	if got, want := cfg.CheckpointDir(), filepath.Join(dir, "checkpoints"); got != want {
		t.Errorf("CheckpointDir = %q, want %q", got, want)
	}
}
