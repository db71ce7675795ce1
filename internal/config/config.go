// Package config loads and validates Nexus's YAML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a Nexus deployment.
type Config struct {
	// Version is the config file format version; zero is treated as
	// CurrentVersion for back-compat with files written before this field
	// existed.
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Session   SessionConfig   `yaml:"session"`
	LLM       LLMConfig       `yaml:"llm"`
	Tools     ToolsConfig     `yaml:"tools"`
	Subagent  SubagentConfig  `yaml:"subagent"`
	Cron      CronConfig      `yaml:"cron"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Observability configures Prometheus metrics and OTel tracing for the
	// turn runner, orchestrator, and consolidation engine.
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the health/debug HTTP endpoint.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

// WorkspaceConfig locates the on-disk memory/session state.
type WorkspaceConfig struct {
	Path           string `yaml:"path"`
	MemoryDir      string `yaml:"memory_dir"`
	SessionDir     string `yaml:"session_dir"`
	LegacySession  string `yaml:"legacy_session_dir"`
}

// SessionConfig tunes the Message Orchestrator's session lifecycle.
type SessionConfig struct {
	// MemoryWindow is the message-count threshold past which a background
	// consolidation is scheduled for the session.
	MemoryWindow int `yaml:"memory_window"`

	// RecentDailyDays bounds how many days of daily notes the context
	// builder pulls into the prompt.
	RecentDailyDays int `yaml:"recent_daily_days"`

	// ContextWindow and ReserveForReply feed the context builder's budget.
	ContextWindow   int `yaml:"context_window"`
	ReserveForReply int `yaml:"reserve_for_reply"`
}

// LLMConfig selects and configures the LLM provider backend.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	DefaultModel    string                       `yaml:"default_model"`
	MaxTokens       int                          `yaml:"max_tokens"`

	// RequestTimeout bounds a single provider call; the hard wrapper timeout
	// the orchestrator applies is RequestTimeout+30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// BreakerFailureThreshold/BreakerCooldown configure the circuit breaker
	// guarding the provider.
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `yaml:"breaker_cooldown"`

	// Fallbacks lists additional "provider/model" candidates to try, in
	// order, when the primary provider returns a failover-eligible error
	// (rate limit, billing, auth, timeout, server error, model
	// unavailable). Empty means no fallback: a primary failure is final.
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMProviderConfig holds one named provider's credentials/endpoint.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	Region       string `yaml:"region"`
}

// ToolsConfig configures leaf tools shared by the main agent and subagents.
type ToolsConfig struct {
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig bounds filesystem tool access to a workspace root.
type SandboxConfig struct {
	WorkspaceRoot string `yaml:"workspace_root"`
}

// SubagentConfig bounds the Subagent Manager.
type SubagentConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxIterations int           `yaml:"max_iterations"`
}

// CronConfig seeds the cron scheduler with jobs known at startup;
// jobs registered at runtime via the `cron` tool are not persisted here.
type CronConfig struct {
	Enabled bool            `yaml:"enabled"`
	Jobs    []CronJobConfig `yaml:"jobs"`
}

// CronJobConfig defines one scheduled job seeded at startup.
type CronJobConfig struct {
	ID            string `yaml:"id"`
	Schedule      string `yaml:"schedule"`
	Prompt        string `yaml:"prompt"`
	SessionKey    string `yaml:"session_key"`
	OriginChannel string `yaml:"origin_channel"`
	OriginChatID  string `yaml:"origin_chat_id"`
}

// ChannelsConfig configures the channel adapters that bridge the bus to the
// outside world.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Loopback LoopbackConfig `yaml:"loopback"`

	// OutboundRateLimit bounds how fast the Registry's outbound pump may
	// deliver messages to any single channel adapter, so a burst of turn
	// replies (e.g. several subagents completing at once) cannot overrun a
	// platform's own per-bot rate limits.
	OutboundRateLimit RateLimitConfig `yaml:"outbound_rate_limit"`
}

// RateLimitConfig configures a token-bucket limiter. A zero RequestsPerSecond
// after defaulting disables limiting.
type RateLimitConfig struct {
	Disabled          bool    `yaml:"disabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// TelegramConfig configures the Telegram bot adapter.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// LoopbackConfig configures the stdin/stdout adapter used for local testing.
type LoopbackConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures Prometheus metrics and OTel tracing.
// Metrics are always registered (cheap, in-process); tracing stays a no-op
// exporter until TracingEndpoint is set.
type ObservabilityConfig struct {
	ServiceName      string            `yaml:"service_name"`
	ServiceVersion   string            `yaml:"service_version"`
	Environment      string            `yaml:"environment"`
	TracingEndpoint  string            `yaml:"tracing_endpoint"`
	TracingSampling  float64           `yaml:"tracing_sampling_rate"`
	TracingInsecure  bool              `yaml:"tracing_insecure"`
	ResourceAttrs    map[string]string `yaml:"resource_attributes"`
}

// Load reads, expands environment variables in, decodes, and validates a
// config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}

	if cfg.Workspace.Path == "" {
		cfg.Workspace.Path = "."
	}
	if cfg.Workspace.MemoryDir == "" {
		cfg.Workspace.MemoryDir = "memory"
	}
	if cfg.Workspace.SessionDir == "" {
		cfg.Workspace.SessionDir = "sessions"
	}

	if cfg.Session.MemoryWindow == 0 {
		cfg.Session.MemoryWindow = 40
	}
	if cfg.Session.RecentDailyDays == 0 {
		cfg.Session.RecentDailyDays = 3
	}
	if cfg.Session.ContextWindow == 0 {
		cfg.Session.ContextWindow = 128000
	}
	if cfg.Session.ReserveForReply == 0 {
		cfg.Session.ReserveForReply = 4096
	}

	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.RequestTimeout == 0 {
		cfg.LLM.RequestTimeout = 60 * time.Second
	}
	if cfg.LLM.BreakerFailureThreshold == 0 {
		cfg.LLM.BreakerFailureThreshold = 5
	}
	if cfg.LLM.BreakerCooldown == 0 {
		cfg.LLM.BreakerCooldown = 60 * time.Second
	}

	if cfg.Tools.Sandbox.WorkspaceRoot == "" {
		cfg.Tools.Sandbox.WorkspaceRoot = cfg.Workspace.Path
	}

	if cfg.Channels.OutboundRateLimit.RequestsPerSecond == 0 {
		cfg.Channels.OutboundRateLimit.RequestsPerSecond = 10.0
	}
	if cfg.Channels.OutboundRateLimit.BurstSize == 0 {
		cfg.Channels.OutboundRateLimit.BurstSize = 20
	}

	if cfg.Subagent.MaxConcurrent == 0 {
		cfg.Subagent.MaxConcurrent = 3
	}
	if cfg.Subagent.Timeout == 0 {
		cfg.Subagent.Timeout = 5 * time.Minute
	}
	if cfg.Subagent.MaxIterations == 0 {
		cfg.Subagent.MaxIterations = 15
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "nexus"
	}
	if cfg.Observability.TracingSampling == 0 {
		cfg.Observability.TracingSampling = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if value := strings.TrimSpace(os.Getenv("NEXUS_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("NEXUS_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("NEXUS_TELEGRAM_BOT_TOKEN")); value != "" {
		cfg.Channels.Telegram.BotToken = value
		cfg.Channels.Telegram.Enabled = true
	}
	if value := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); value != "" {
		if cfg.LLM.Providers == nil {
			cfg.LLM.Providers = map[string]LLMProviderConfig{}
		}
		entry := cfg.LLM.Providers["anthropic"]
		entry.APIKey = value
		cfg.LLM.Providers["anthropic"] = entry
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); value != "" {
		if cfg.LLM.Providers == nil {
			cfg.LLM.Providers = map[string]LLMProviderConfig{}
		}
		entry := cfg.LLM.Providers["openai"]
		entry.APIKey = value
		cfg.LLM.Providers["openai"] = entry
	}
	if value := strings.TrimSpace(os.Getenv("NEXUS_OTEL_ENDPOINT")); value != "" {
		cfg.Observability.TracingEndpoint = value
	}
}

// ConfigValidationError collects one or more configuration problems.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if cfg.Session.MemoryWindow < 0 {
		issues = append(issues, "session.memory_window must be >= 0")
	}
	if cfg.Session.RecentDailyDays < 0 {
		issues = append(issues, "session.recent_daily_days must be >= 0")
	}
	if cfg.Session.ContextWindow < 0 {
		issues = append(issues, "session.context_window must be >= 0")
	}
	if cfg.Session.ReserveForReply < 0 {
		issues = append(issues, "session.reserve_for_reply must be >= 0")
	}

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	if cfg.Subagent.MaxConcurrent < 0 {
		issues = append(issues, "subagent.max_concurrent must be >= 0")
	}
	if cfg.Subagent.Timeout < 0 {
		issues = append(issues, "subagent.timeout must be >= 0")
	}
	if cfg.Subagent.MaxIterations < 0 {
		issues = append(issues, "subagent.max_iterations must be >= 0")
	}

	if cfg.Cron.Enabled {
		for i, job := range cfg.Cron.Jobs {
			if strings.TrimSpace(job.ID) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].id is required", i))
			}
			if strings.TrimSpace(job.Schedule) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].schedule is required", i))
			}
		}
	}

	if cfg.Channels.Telegram.Enabled && strings.TrimSpace(cfg.Channels.Telegram.BotToken) == "" {
		issues = append(issues, "channels.telegram.bot_token is required when telegram is enabled")
	}

	if level := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); level != "" {
		switch level {
		case "debug", "info", "warn", "error":
		default:
			issues = append(issues, "logging.level must be \"debug\", \"info\", \"warn\", or \"error\"")
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
