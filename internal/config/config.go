// Package config loads and validates mcp-compact configuration.
// Source priority (highest to lowest):
//  1. CLI flags (applied in cmd after Load)
//  2. Environment variables (MCP_UPSTREAM_URL, BASE_URL, API_KEY, ...)
//  3. Config file (--config flag or ~/.config/mcp-compact/config.yaml)
//  4. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banyan-god/mcp-compact/internal/rules"
)

// Duration wraps time.Duration so YAML values can be written as "30s", "2m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Or returns the duration, or fallback when unset.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// UpstreamConfig describes the single upstream MCP server.
// Exactly one of URL (Streamable HTTP, SSE fallback) or Command (child
// process over stdio) must be set.
type UpstreamConfig struct {
	URL     string            `yaml:"url"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Headers map[string]string `yaml:"headers"`

	// Timeout bounds each upstream operation. Default 30s.
	Timeout Duration `yaml:"timeout"`
}

// LLMConfig configures the summarization backend.
type LLMConfig struct {
	// Provider: "openai" (any OpenAI-compatible endpoint) or "anthropic".
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	// APIKey defaults to "EMPTY"; local inference servers ignore it.
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	Temperature float64  `yaml:"temperature"`
	Timeout     Duration `yaml:"timeout"`
}

// ListenConfig configures the inbound MCP server.
type ListenConfig struct {
	Mode string `yaml:"mode"` // "http" | "stdio"
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
	// Format: "json", "console", or "auto" (console when stderr is a
	// terminal, json otherwise).
	Format string `yaml:"format"`
}

// Config is the complete mcp-compact configuration.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	LLM      LLMConfig      `yaml:"llm"`
	Listen   ListenConfig   `yaml:"listen"`

	// Rules holds inline per-tool compaction rules.
	Rules map[string]rules.Rule `yaml:"rules"`

	// RulesFile points at a JSON tool_rules file; its entries override
	// inline rules with the same tool name.
	RulesFile string `yaml:"rules_file"`

	Log LogConfig `yaml:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			Timeout: Duration(30 * time.Second),
		},
		LLM: LLMConfig{
			Provider:    "openai",
			APIKey:      "EMPTY",
			Model:       "openai/gpt-oss-120b",
			Temperature: 0.1,
			Timeout:     Duration(30 * time.Second),
		},
		Listen: ListenConfig{
			Mode: "http",
			Host: "localhost",
			Port: 8009,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the config file (missing file is not an error) and applies
// environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configPath = filepath.Join(home, ".config", "mcp-compact", "config.yaml")
		}
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.Upstream = expandUpstream(cfg.Upstream)

	return cfg, nil
}

// Validate checks the configuration before anything connects. Failures here
// are fatal at startup.
func (c *Config) Validate() error {
	if c.Upstream.URL == "" && c.Upstream.Command == "" {
		return fmt.Errorf("upstream: either url or command is required")
	}
	if c.Upstream.URL != "" && c.Upstream.Command != "" {
		return fmt.Errorf("upstream: url and command are mutually exclusive")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm: unknown provider %q (expected openai or anthropic)", c.LLM.Provider)
	}
	switch c.Listen.Mode {
	case "stdio":
	case "http":
		if c.Listen.Port < 1 || c.Listen.Port > 65535 {
			return fmt.Errorf("listen: port %d out of range", c.Listen.Port)
		}
	default:
		return fmt.Errorf("listen: unknown mode %q (expected http or stdio)", c.Listen.Mode)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. The original
// variable names (MCP_UPSTREAM_URL, BASE_URL, API_KEY, MODEL_NAME,
// MCP_PROXY_CONFIG_FILE) are kept for drop-in compatibility; the generic
// LLM_* aliases are honored when the specific name is absent.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCP_UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = v
	}
	if v := envFirst("BASE_URL", "LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := envFirst("API_KEY", "LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := envFirst("MODEL_NAME", "LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MCP_PROXY_CONFIG_FILE"); v != "" {
		cfg.RulesFile = v
	}
}

// envFirst returns the first non-empty value among the named variables.
func envFirst(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// expandUpstream expands ${VAR} references in upstream settings so secrets
// can live in the environment instead of the config file.
func expandUpstream(u UpstreamConfig) UpstreamConfig {
	expand := func(s string) string {
		return os.Expand(s, os.Getenv)
	}

	u.URL = expand(u.URL)
	u.Command = expand(u.Command)
	for i, a := range u.Args {
		u.Args[i] = expand(a)
	}
	if len(u.Env) > 0 {
		env := make(map[string]string, len(u.Env))
		for k, v := range u.Env {
			env[k] = expand(v)
		}
		u.Env = env
	}
	if len(u.Headers) > 0 {
		headers := make(map[string]string, len(u.Headers))
		for k, v := range u.Headers {
			headers[k] = expand(v)
		}
		u.Headers = headers
	}
	return u
}
