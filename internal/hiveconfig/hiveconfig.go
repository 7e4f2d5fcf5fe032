// Package hiveconfig loads and caches workspace-scoped Hive configuration
// (hive.config.{ts,json,jsonc}), per spec §3/§6.
package hiveconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Template is the external, non-persisted description of a cell's setup
// commands, services, and agent defaults, per spec §3.
type Template struct {
	ID       string                     `yaml:"id" json:"id"`
	Label    string                     `yaml:"label" json:"label"`
	Type     string                     `yaml:"type" json:"type"`
	Setup    []string                   `yaml:"setup,omitempty" json:"setup,omitempty"`
	Services map[string]ServiceTemplate `yaml:"services,omitempty" json:"services,omitempty"`
	Env      map[string]string          `yaml:"env,omitempty" json:"env,omitempty"`
	Agent    *AgentConfig               `yaml:"agent,omitempty" json:"agent,omitempty"`
}

// ServiceTemplate is a single process definition inside a Template.
type ServiceTemplate struct {
	Run            string            `yaml:"run" json:"run"`
	Cwd            string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Stop           string            `yaml:"stop,omitempty" json:"stop,omitempty"`
	Setup          []string          `yaml:"setup,omitempty" json:"setup,omitempty"`
	ReadyTimeoutMs int               `yaml:"readyTimeoutMs,omitempty" json:"readyTimeoutMs,omitempty"`
	Ports          []PortBinding     `yaml:"ports,omitempty" json:"ports,omitempty"`
}

// PortBinding declares a named port a service exposes.
type PortBinding struct {
	Name string `yaml:"name" json:"name"`
}

// AgentConfig is a template's agent defaults block.
type AgentConfig struct {
	ProviderID string `yaml:"providerId,omitempty" json:"providerId,omitempty"`
	ModelID    string `yaml:"modelId,omitempty" json:"modelId,omitempty"`
}

// OpencodeConfig is the workspace-level opencode defaults block.
type OpencodeConfig struct {
	DefaultProvider string `yaml:"defaultProvider,omitempty" json:"defaultProvider,omitempty"`
	DefaultModel    string `yaml:"defaultModel,omitempty" json:"defaultModel,omitempty"`
	DefaultMode     string `yaml:"defaultMode,omitempty" json:"defaultMode,omitempty"`
}

// Defaults is the workspace-level fallback provider/model pair.
type Defaults struct {
	DefaultProvider string `yaml:"defaultProvider,omitempty" json:"defaultProvider,omitempty"`
	DefaultModel    string `yaml:"defaultModel,omitempty" json:"defaultModel,omitempty"`
	DefaultAgent    string `yaml:"defaultAgent,omitempty" json:"defaultAgent,omitempty"`
}

// HiveConfig is the deserialized form of hive.config.{ts,json,jsonc},
// per spec §6.
type HiveConfig struct {
	Opencode      *OpencodeConfig     `yaml:"opencode,omitempty" json:"opencode,omitempty"`
	PromptSources []string            `yaml:"promptSources,omitempty" json:"promptSources,omitempty"`
	Templates     map[string]Template `yaml:"templates" json:"templates"`
	Defaults      *Defaults           `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// candidateFiles are searched in order at both the workspace root and its
// nested hive/ directory.
var candidateFiles = []string{
	"hive.config.json",
	"hive.config.jsonc",
	"hive.config.ts",
}

var candidateDirs = []string{"", "hive"}

type cacheEntry struct {
	path    string
	modTime time.Time
	config  *HiveConfig
}

// Cache loads and caches HiveConfig per workspace root, invalidating on
// file modification time, per spec §5's "Template cache is keyed by
// (workspaceRoot, templateId)... invalidates on workspace config change."
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Load returns the HiveConfig for workspaceRoot, reloading it if the
// backing file's modification time has changed since the last load.
func (c *Cache) Load(workspaceRoot string) (*HiveConfig, error) {
	path, info, err := locate(workspaceRoot)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[workspaceRoot]; ok && entry.path == path && entry.modTime.Equal(info.ModTime()) {
		return entry.config, nil
	}

	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	c.entries[workspaceRoot] = cacheEntry{path: path, modTime: info.ModTime(), config: cfg}
	return cfg, nil
}

// Invalidate drops the cached entry for workspaceRoot, if any.
func (c *Cache) Invalidate(workspaceRoot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, workspaceRoot)
}

func locate(workspaceRoot string) (string, os.FileInfo, error) {
	for _, dir := range candidateDirs {
		for _, name := range candidateFiles {
			path := filepath.Join(workspaceRoot, dir, name)
			info, err := os.Stat(path)
			if err == nil {
				return path, info, nil
			}
		}
	}
	return "", nil, fmt.Errorf("no hive.config file found under %q", workspaceRoot)
}

var jsoncLineComment = regexp.MustCompile(`//.*$`)

func parseFile(path string) (*HiveConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg HiveConfig
	switch filepath.Ext(path) {
	case ".json", ".jsonc":
		normalized := stripJSONCComments(raw)
		if err := json.Unmarshal(normalized, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		// .ts and anything else: decode the exported config object as YAML,
		// which is a practical superset of the JSON subset these files
		// typically contain once the `export default` wrapper is stripped.
		if err := yaml.Unmarshal(normalizeTS(raw), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if cfg.Templates == nil {
		cfg.Templates = map[string]Template{}
	}
	return &cfg, nil
}

func stripJSONCComments(raw []byte) []byte {
	lines := splitLines(raw)
	for i, line := range lines {
		lines[i] = jsoncLineComment.ReplaceAll(line, nil)
	}
	return joinLines(lines)
}

// normalizeTS strips a leading `export default` / `module.exports =`
// wrapper and a trailing semicolon so the remaining object literal can be
// decoded with the YAML parser (a practical superset of JSON).
func normalizeTS(raw []byte) []byte {
	s := trimLeadingSpace(string(raw))
	for _, prefix := range []string{"export default", "module.exports ="} {
		if idx := indexOf(s, prefix); idx == 0 {
			s = s[len(prefix):]
			break
		}
	}
	return []byte(trimTrailingSemicolon(s))
}

func indexOf(s, sub string) int {
	trimmed := trimLeadingSpace(s)
	if len(trimmed) >= len(sub) && trimmed[:len(sub)] == sub {
		return 0
	}
	return -1
}

func trimLeadingSpace(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return s[i:]
}

func trimTrailingSemicolon(s string) string {
	for len(s) > 0 && (s[len(s)-1] == ';' || s[len(s)-1] == '\n' || s[len(s)-1] == ' ' || s[len(s)-1] == '\t' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, raw[start:i])
			start = i + 1
		}
	}
	lines = append(lines, raw[start:])
	return lines
}

func joinLines(lines [][]byte) []byte {
	var out []byte
	for i, l := range lines {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, l...)
	}
	return out
}
