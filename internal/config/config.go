// Package config loads Synapse configuration from YAML with environment
// overrides. Environment variables win over the file; defaults fill the
// rest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variable names recognized by the core.
const (
	EnvMaxToolIterations      = "SYNAPSE_MAX_TOOL_ITERATIONS"
	EnvMaxConsecutiveFailures = "SYNAPSE_MAX_CONSECUTIVE_TOOL_FAILURES"
	EnvFailureWindowSize      = "SYNAPSE_FAILURE_WINDOW_SIZE"
	EnvMaxSessions            = "SYNAPSE_MAX_SESSIONS"
	EnvSessionsDir            = "SYNAPSE_SESSIONS_DIR"
	EnvSkillSubagentTimeout   = "SYNAPSE_SKILL_SUBAGENT_TIMEOUT"
	EnvMaxEnhanceContextChars = "SYNAPSE_MAX_ENHANCE_CONTEXT_CHARS"

	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
)

// Config is the root configuration document.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	Sessions SessionsConfig `yaml:"sessions"`
	Context  ContextConfig  `yaml:"context"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	// Name is "anthropic" or "openai".
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AgentConfig tunes the loop.
type AgentConfig struct {
	SystemPrompt       string  `yaml:"system_prompt"`
	MaxTokens          int     `yaml:"max_tokens"`
	Temperature        float64 `yaml:"temperature"`
	Thinking           bool    `yaml:"thinking"`
	MaxIterations      int     `yaml:"max_iterations"`
	FailureWindowSize  int     `yaml:"failure_window_size"`
	FailureThreshold   int     `yaml:"failure_threshold"`
	TodoStaleThreshold int     `yaml:"todo_stale_threshold"`
	ToolTimeoutSeconds int     `yaml:"tool_timeout_seconds"`
}

// SessionsConfig tunes persistence.
type SessionsConfig struct {
	Dir         string `yaml:"dir"`
	MaxSessions int    `yaml:"max_sessions"`
	PricingFile string `yaml:"pricing_file"`
}

// ContextConfig tunes offload and compact.
type ContextConfig struct {
	OffloadThreshold     int     `yaml:"offload_threshold"`
	OffloadRatio         float64 `yaml:"offload_ratio"`
	MinOffloadChars      int     `yaml:"min_offload_chars"`
	CompactPreserveCount int     `yaml:"compact_preserve_count"`
}

// HooksConfig tunes the stop-hook pipeline.
type HooksConfig struct {
	// SubagentTimeoutMs bounds hook-spawned sub-agents; also settable
	// via SYNAPSE_SKILL_SUBAGENT_TIMEOUT.
	SubagentTimeoutMs int `yaml:"subagent_timeout_ms"`

	// MaxEnhanceContextChars caps conversation text fed to the enhance
	// hook.
	MaxEnhanceContextChars int `yaml:"max_enhance_context_chars"`
}

// LoggingConfig tunes slog output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// MetricsConfig tunes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig tunes OTLP trace export. An empty endpoint disables
// tracing entirely.
type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
	// SamplingRate is the recorded fraction in (0, 1].
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the stock configuration.
func Default() Config {
	sessionsDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		sessionsDir = filepath.Join(home, ".synapse", "sessions")
	}
	return Config{
		Provider: ProviderConfig{Name: "anthropic"},
		Agent: AgentConfig{
			MaxTokens:          8192,
			MaxIterations:      50,
			FailureWindowSize:  10,
			FailureThreshold:   3,
			TodoStaleThreshold: 2,
		},
		Sessions: SessionsConfig{
			Dir:         sessionsDir,
			MaxSessions: 100,
		},
		Context: ContextConfig{
			OffloadThreshold:     50000,
			OffloadRatio:         0.5,
			MinOffloadChars:      2000,
			CompactPreserveCount: 10,
		},
		Hooks: HooksConfig{
			SubagentTimeoutMs:      300000,
			MaxEnhanceContextChars: 50000,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9464"},
		Tracing: TracingConfig{SamplingRate: 1},
	}
}

// SubagentTimeout returns the hook sub-agent timeout as a duration.
func (h HooksConfig) SubagentTimeout() time.Duration {
	return time.Duration(h.SubagentTimeoutMs) * time.Millisecond
}

// ToolTimeout returns the per-tool deadline, zero when disabled.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSeconds) * time.Second
}

// applyEnv overlays recognized environment variables onto cfg.
func applyEnv(cfg *Config) error {
	if err := envInt(EnvMaxToolIterations, &cfg.Agent.MaxIterations); err != nil {
		return err
	}
	if err := envInt(EnvMaxConsecutiveFailures, &cfg.Agent.FailureThreshold); err != nil {
		return err
	}
	if err := envInt(EnvFailureWindowSize, &cfg.Agent.FailureWindowSize); err != nil {
		return err
	}
	if err := envInt(EnvMaxSessions, &cfg.Sessions.MaxSessions); err != nil {
		return err
	}
	if dir := os.Getenv(EnvSessionsDir); dir != "" {
		cfg.Sessions.Dir = dir
	}
	if err := envInt(EnvSkillSubagentTimeout, &cfg.Hooks.SubagentTimeoutMs); err != nil {
		return err
	}
	if err := envInt(EnvMaxEnhanceContextChars, &cfg.Hooks.MaxEnhanceContextChars); err != nil {
		return err
	}

	if cfg.Provider.APIKey == "" {
		switch cfg.Provider.Name {
		case "openai":
			cfg.Provider.APIKey = os.Getenv(EnvOpenAIAPIKey)
		default:
			cfg.Provider.APIKey = os.Getenv(EnvAnthropicAPIKey)
		}
	}
	return nil
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = v
	return nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider.Name)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("config: max_iterations must be positive")
	}
	if c.Agent.FailureWindowSize <= 0 || c.Agent.FailureThreshold <= 0 {
		return fmt.Errorf("config: failure window and threshold must be positive")
	}
	if c.Agent.FailureThreshold > c.Agent.FailureWindowSize {
		return fmt.Errorf("config: failure_threshold cannot exceed failure_window_size")
	}
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("config: max_sessions must be positive")
	}
	if c.Context.OffloadRatio <= 0 || c.Context.OffloadRatio > 1 {
		return fmt.Errorf("config: offload_ratio must be in (0, 1]")
	}
	if c.Tracing.SamplingRate <= 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("config: sampling_rate must be in (0, 1]")
	}
	return nil
}
