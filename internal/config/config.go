// Package config loads Hive's process-level configuration from the
// environment, following the teacher's getEnv/getEnvInt/getEnvDuration idiom.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process-level configuration values for Hive.
type Config struct {
	// Workspace root settings.
	WorkspaceRoot string
	HiveHome      string
	MigrationsDir string

	// Service process defaults.
	DefaultShell string
	ServiceHost  string
	Protocol     string
	CORSOrigin   string
	Port         int

	// Supervisor tunables.
	TemplateSetupCommandTimeout time.Duration
	TemplateSetupKillGrace      time.Duration
	ServiceStopGrace            time.Duration
	PortProbeRestartGrace       time.Duration

	// Terminal runtime tunables.
	TerminalBufferCapacity int
	TerminalRetainBytes    int

	// Agent runtime tunables.
	AgentCredentialsPath string
	AgentCommand         string
	AgentArgs            []string
	AgentCatalogURL      string

	LogLevel string
}

// Load reads configuration from environment variables, applying the
// defaults spec §6 and §4.3 describe.
func Load() (*Config, error) {
	cfg := &Config{
		WorkspaceRoot: getEnv("HIVE_WORKSPACE_ROOT", ""),
		HiveHome:      getEnv("HIVE_HOME", ""),
		MigrationsDir: getEnv("HIVE_MIGRATIONS_DIR", ""),

		DefaultShell: getEnv("SHELL", "/bin/bash"),
		ServiceHost:  getEnv("SERVICE_HOST", "localhost"),
		Protocol:     getEnv("SERVICE_PROTOCOL", "http"),
		CORSOrigin:   getEnv("CORS_ORIGIN", ""),
		Port:         getEnvInt("PORT", 0),

		TemplateSetupCommandTimeout: getEnvDurationMs("HIVE_TEMPLATE_SETUP_COMMAND_TIMEOUT_MS", 300*time.Second),
		TemplateSetupKillGrace:      2 * time.Second,
		ServiceStopGrace:            2 * time.Second,
		PortProbeRestartGrace:       250 * time.Millisecond,

		TerminalBufferCapacity: 2 * 1024 * 1024,
		TerminalRetainBytes:    1638400, // 1.6 MB retained on overflow

		AgentCredentialsPath: getEnv("HIVE_CREDENTIALS_PATH", defaultCredentialsPath()),
		AgentCommand:         getEnv("HIVE_AGENT_COMMAND", "opencode"),
		AgentArgs:            strings.Fields(getEnv("HIVE_AGENT_ARGS", "acp")),
		AgentCatalogURL:      getEnv("HIVE_AGENT_CATALOG_URL", "http://127.0.0.1:4096"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func defaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.local/share/opencode/auth.json"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// getEnvDurationMs reads a positive-integer millisecond duration from the
// environment, coercing non-positive or malformed values to def, matching
// spec §4.3.2's "coerced to a positive integer" rule.
func getEnvDurationMs(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
