package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HIVE_WORKSPACE_ROOT", "")
	t.Setenv("HIVE_TEMPLATE_SETUP_COMMAND_TIMEOUT_MS", "")
	t.Setenv("SHELL", "")
	t.Setenv("SERVICE_HOST", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DefaultShell != "/bin/bash" {
		t.Fatalf("DefaultShell=%q, want /bin/bash", cfg.DefaultShell)
	}
	if cfg.ServiceHost != "localhost" {
		t.Fatalf("ServiceHost=%q, want localhost", cfg.ServiceHost)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel=%q, want info", cfg.LogLevel)
	}
	if cfg.TemplateSetupCommandTimeout != 300*time.Second {
		t.Fatalf("TemplateSetupCommandTimeout=%v, want 300s", cfg.TemplateSetupCommandTimeout)
	}
	if cfg.TerminalBufferCapacity != 2*1024*1024 {
		t.Fatalf("TerminalBufferCapacity=%d, want 2MiB", cfg.TerminalBufferCapacity)
	}
	if cfg.TerminalRetainBytes != 1638400 {
		t.Fatalf("TerminalRetainBytes=%d, want 1638400", cfg.TerminalRetainBytes)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HIVE_WORKSPACE_ROOT", "/srv/hive/workspaces")
	t.Setenv("HIVE_HOME", "/srv/hive/home")
	t.Setenv("SHELL", "/bin/zsh")
	t.Setenv("SERVICE_HOST", "0.0.0.0")
	t.Setenv("SERVICE_PROTOCOL", "https")
	t.Setenv("CORS_ORIGIN", "https://example.com")
	t.Setenv("PORT", "4100")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.WorkspaceRoot != "/srv/hive/workspaces" {
		t.Fatalf("WorkspaceRoot=%q", cfg.WorkspaceRoot)
	}
	if cfg.HiveHome != "/srv/hive/home" {
		t.Fatalf("HiveHome=%q", cfg.HiveHome)
	}
	if cfg.DefaultShell != "/bin/zsh" {
		t.Fatalf("DefaultShell=%q", cfg.DefaultShell)
	}
	if cfg.ServiceHost != "0.0.0.0" {
		t.Fatalf("ServiceHost=%q", cfg.ServiceHost)
	}
	if cfg.Protocol != "https" {
		t.Fatalf("Protocol=%q", cfg.Protocol)
	}
	if cfg.CORSOrigin != "https://example.com" {
		t.Fatalf("CORSOrigin=%q", cfg.CORSOrigin)
	}
	if cfg.Port != 4100 {
		t.Fatalf("Port=%d, want 4100", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel=%q", cfg.LogLevel)
	}
}

func TestTemplateSetupCommandTimeoutCoercesNonPositive(t *testing.T) {
	t.Setenv("HIVE_TEMPLATE_SETUP_COMMAND_TIMEOUT_MS", "-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.TemplateSetupCommandTimeout != 300*time.Second {
		t.Fatalf("expected fallback to default on non-positive override, got %v", cfg.TemplateSetupCommandTimeout)
	}
}

func TestTemplateSetupCommandTimeoutCoercesMalformed(t *testing.T) {
	t.Setenv("HIVE_TEMPLATE_SETUP_COMMAND_TIMEOUT_MS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.TemplateSetupCommandTimeout != 300*time.Second {
		t.Fatalf("expected fallback to default on malformed override, got %v", cfg.TemplateSetupCommandTimeout)
	}
}

func TestTemplateSetupCommandTimeoutOverride(t *testing.T) {
	t.Setenv("HIVE_TEMPLATE_SETUP_COMMAND_TIMEOUT_MS", "60000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.TemplateSetupCommandTimeout != 60*time.Second {
		t.Fatalf("TemplateSetupCommandTimeout=%v, want 60s", cfg.TemplateSetupCommandTimeout)
	}
}
