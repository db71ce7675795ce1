package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/internal/channels/loopback"
	"github.com/haasonsaas/nexus/internal/channels/telegram"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/consolidation"
	"github.com/haasonsaas/nexus/internal/contextbuilder"
	croncore "github.com/haasonsaas/nexus/internal/cron"
	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/memory"
	llmmodels "github.com/haasonsaas/nexus/internal/models"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	bedrockdiscovery "github.com/haasonsaas/nexus/internal/providers/bedrock"
	"github.com/haasonsaas/nexus/internal/providers/venice"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/subagentmgr"
	"github.com/haasonsaas/nexus/internal/toolregistry"
	execcore "github.com/haasonsaas/nexus/internal/tools/exec"
	"github.com/haasonsaas/nexus/internal/tools/files"
	jobstools "github.com/haasonsaas/nexus/internal/tools/jobs"
	"github.com/haasonsaas/nexus/internal/tools/message"
	"github.com/haasonsaas/nexus/internal/tools/subagent"
	crontool "github.com/haasonsaas/nexus/internal/tools/cron"
	"github.com/haasonsaas/nexus/internal/tools/websearch"
)

// app holds every long-lived component the serve command starts and stops.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	bus          *bus.Bus
	sessions     *sessions.JSONLStore
	memory       *memory.Store
	ctxBuilder   *contextbuilder.Builder
	registry     *toolregistry.Registry
	provider     agent.LLMProvider
	coordinator  *consolidation.Coordinator
	engine       *consolidation.Engine
	subagents    *subagentmgr.Manager
	cronSched    *croncore.Scheduler
	channels     *channels.Registry
	orchestrator   *orchestrator.Orchestrator
	auditLogger    *audit.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	tracerShutdown func(context.Context) error
}

// newLogger builds the process's *slog.Logger via the observability
// package's redacting handler, so every subsystem that takes a plain
// *slog.Logger gets the same secret-scrubbing behavior as components that
// hold an *observability.Logger directly.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: os.Stderr,
	}).Slog()
}

// buildApp wires every component named in the config into a runnable app,
// without starting anything (that's serve's job).
func buildApp(cfg *config.Config) (*app, error) {
	logger := newLogger(cfg.Logging)

	auditLogger, err := audit.NewLogger(audit.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	metrics := observability.NewMetrics()
	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:     cfg.Observability.ServiceName,
		ServiceVersion:  cfg.Observability.ServiceVersion,
		Environment:     cfg.Observability.Environment,
		Endpoint:        cfg.Observability.TracingEndpoint,
		SamplingRate:    cfg.Observability.TracingSampling,
		Attributes:      cfg.Observability.ResourceAttrs,
		EnableInsecure:  cfg.Observability.TracingInsecure,
	})

	b := bus.New()

	memStore := memory.NewStore(cfg.Workspace.MemoryDir, logger)
	sessionStore := sessions.NewJSONLStore(cfg.Workspace.SessionDir, cfg.Workspace.LegacySession, logger)

	budget := contextbuilder.DefaultBudget()
	budget.ContextWindow = modelContextWindow(cfg.LLM, cfg.Session.ContextWindow)
	budget.ReserveForReply = cfg.Session.ReserveForReply
	budget.RecentDailyDays = cfg.Session.RecentDailyDays
	ctxBuilder := contextbuilder.New(memStore, nil, budget, logger)

	rawProvider, err := buildProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	// Every call site (turn runner, subagents, consolidation) shares one
	// breaker instance so a string of failures against any of them trips
	// the same short-circuit.
	provider := agent.LLMProvider(agent.NewCircuitBreaker(rawProvider, cfg.LLM.BreakerFailureThreshold, cfg.LLM.BreakerCooldown))

	registry := toolregistry.New(auditLogger, nil)

	sandboxRoot := cfg.Tools.Sandbox.WorkspaceRoot
	execMgr := execcore.NewManager(sandboxRoot)
	filesCfg := files.Config{Workspace: sandboxRoot, MaxReadBytes: 1 << 20}
	jobStore := jobs.NewMemoryStore()
	cronSched := croncore.New(b, logger)

	// leafTools is every tool except message/spawn, built up front so both
	// the main registry and the subagent pool's restricted registry share
	// the same instances.
	leafTools := []agent.Tool{
		execcore.NewExecTool("exec", execMgr),
		execcore.NewProcessTool(execMgr),
		files.NewReadTool(filesCfg),
		files.NewWriteTool(filesCfg),
		files.NewEditTool(filesCfg),
		files.NewApplyPatchTool(filesCfg),
		websearch.NewWebSearchTool(&websearch.Config{}),
		websearch.NewWebFetchTool(&websearch.FetchConfig{MaxChars: 8000}),
		jobstools.NewStatusTool(jobStore),
		jobstools.NewListTool(jobStore),
		jobstools.NewCancelTool(jobStore),
		crontool.NewTool(cronSched),
	}

	for _, t := range leafTools {
		registerTool(registry, t, logger)
	}

	subagentCfg := subagentmgr.Config{
		MaxConcurrent:  cfg.Subagent.MaxConcurrent,
		Timeout:        cfg.Subagent.Timeout,
		MaxIterations:  cfg.Subagent.MaxIterations,
		RequestTimeout: cfg.LLM.RequestTimeout,
	}
	subagentToolMap := make(map[string]agent.Tool, len(leafTools))
	for _, t := range leafTools {
		subagentToolMap[t.Name()] = t
	}
	subagents := subagentmgr.New(provider, subagentToolMap, b, subagentCfg, logger)
	registerTool(registry, subagent.NewTool(subagents), logger)

	catalog := []contextbuilder.ToolCatalogEntry{
		{Name: "message", Description: "Send a message directly to the current channel.", Category: "messaging", RequiredParams: []string{"content"}, RiskNote: "delivers to the user immediately"},
		{Name: "exec", Description: "Run a shell command in the workspace.", Category: "system", RequiredParams: []string{"command"}, RiskNote: "executes arbitrary shell commands"},
		{Name: "process", Description: "Inspect or stop a background process started via exec.", Category: "system", RequiredParams: []string{"action"}},
		{Name: "read_file", Description: "Read a file from the workspace.", Category: "files", RequiredParams: []string{"path"}},
		{Name: "write_file", Description: "Write a file in the workspace.", Category: "files", RequiredParams: []string{"path", "content"}, RiskNote: "overwrites existing files"},
		{Name: "edit_file", Description: "Edit a file in the workspace.", Category: "files", RequiredParams: []string{"path", "old_text", "new_text"}, RiskNote: "modifies files in place"},
		{Name: "apply_patch", Description: "Apply a unified diff patch in the workspace.", Category: "files", RequiredParams: []string{"patch"}, RiskNote: "modifies files in place"},
		{Name: "web_search", Description: "Search the web.", Category: "web", RequiredParams: []string{"query"}},
		{Name: "web_fetch", Description: "Fetch and extract a URL's content.", Category: "web", RequiredParams: []string{"url"}},
		{Name: "job_status", Description: "Check the status of an async tool job.", Category: "jobs", RequiredParams: []string{"job_id"}},
		{Name: "job_list", Description: "List async tool jobs.", Category: "jobs"},
		{Name: "job_cancel", Description: "Cancel an async tool job.", Category: "jobs", RequiredParams: []string{"job_id"}},
		{Name: "cron", Description: "Inspect and manage cron jobs.", Category: "scheduling", RequiredParams: []string{"action"}},
		{Name: "spawn", Description: "Spawn a background subagent.", Category: "subagent", RequiredParams: []string{"task"}, RiskNote: "starts autonomous background work"},
	}

	model := cfg.LLM.DefaultModel
	processor := consolidation.NewProcessor(provider, model)
	engine := consolidation.NewEngine(memStore, processor, cfg.Workspace.MemoryDir, logger)
	engine.MemoryWindow = cfg.Session.MemoryWindow
	coordinator := consolidation.NewCoordinator(logger)

	channelRegistry := channels.NewRegistry(b, logger, ratelimit.Config{
		Enabled:           !cfg.Channels.OutboundRateLimit.Disabled,
		RequestsPerSecond: cfg.Channels.OutboundRateLimit.RequestsPerSecond,
		BurstSize:         cfg.Channels.OutboundRateLimit.BurstSize,
	})
	if cfg.Channels.Loopback.Enabled {
		channelRegistry.Add(loopback.New(b, os.Stdin, os.Stdout, logger))
	}
	if cfg.Channels.Telegram.Enabled {
		channelRegistry.Add(telegram.New(cfg.Channels.Telegram.BotToken, b, logger))
	}

	orch := orchestrator.New(orchestrator.Deps{
		Bus:                b,
		Sessions:           sessionStore,
		ContextBuilder:     ctxBuilder,
		Provider:           provider,
		Registry:           registry,
		ToolCatalog:        catalog,
		Coordinator:        coordinator,
		Engine:             engine,
		Subagents:          subagents,
		StaticInstructions: defaultStaticInstructions,
		MaxIterations:      20,
		MemoryWindow:       cfg.Session.MemoryWindow,
		RecentDailyDays:    cfg.Session.RecentDailyDays,
		ContextBudget:      budget.ContextWindow,
		RequestTimeout:     cfg.LLM.RequestTimeout,
		Logger:             logger,
		Metrics:            metrics,
		Tracer:             tracer,
	})

	// The message tool reports back to the orchestrator whenever it fires,
	// so the orchestrator can suppress its own default reply. It can only be constructed once the orchestrator exists;
	// registering it now simply overwrites the registry's "message" slot.
	registerTool(registry, message.NewTool(b, orch), logger)

	for _, jobCfg := range cfg.Cron.Jobs {
		_, _ = cronSched.RegisterJob(croncore.Job{
			ID:            jobCfg.ID,
			Schedule:      jobCfg.Schedule,
			Prompt:        jobCfg.Prompt,
			SessionKey:    jobCfg.SessionKey,
			OriginChannel: jobCfg.OriginChannel,
			OriginChatID:  jobCfg.OriginChatID,
		})
	}

	return &app{
		cfg:            cfg,
		logger:         logger,
		bus:            b,
		sessions:       sessionStore,
		memory:         memStore,
		ctxBuilder:     ctxBuilder,
		registry:       registry,
		provider:       provider,
		coordinator:    coordinator,
		engine:         engine,
		subagents:      subagents,
		cronSched:      cronSched,
		channels:       channelRegistry,
		orchestrator:   orch,
		auditLogger:    auditLogger,
		metrics:        metrics,
		tracer:         tracer,
		tracerShutdown: tracerShutdown,
	}, nil
}

func registerTool(r *toolregistry.Registry, t agent.Tool, logger *slog.Logger) {
	if err := r.Register(t); err != nil {
		logger.Error("failed to register tool", "tool", t.Name(), "error", err)
	}
}

// buildProvider constructs the configured default provider and, when
// cfg.Fallbacks names additional "provider/model" candidates, wraps it in a
// FallbackProvider that walks the chain on failover-eligible errors.
func buildProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	primary, err := buildNamedProvider(cfg, cfg.DefaultProvider)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	providerName := cfg.DefaultProvider
	if providerName == "" {
		providerName = "anthropic"
	}
	byName := map[string]agent.LLMProvider{providerName: primary}
	for _, ref := range cfg.Fallbacks {
		candidate := llmmodels.ParseModelRef(ref, providerName)
		if candidate == nil {
			continue
		}
		if _, exists := byName[candidate.Provider]; exists {
			continue
		}
		p, err := buildNamedProvider(cfg, candidate.Provider)
		if err != nil {
			return nil, fmt.Errorf("llm fallback provider %q: %w", candidate.Provider, err)
		}
		byName[candidate.Provider] = p
	}

	return agent.NewFallbackProvider(byName, &llmmodels.FallbackConfig{
		PrimaryProvider: providerName,
		PrimaryModel:    cfg.DefaultModel,
		Fallbacks:       cfg.Fallbacks,
	}, slog.Default()), nil
}

func buildNamedProvider(cfg config.LLMConfig, providerName string) (agent.LLMProvider, error) {
	providerCfg := cfg.Providers[providerName]
	switch providerName {
	case "anthropic", "":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  providerCfg.APIKey,
			BaseURL: providerCfg.BaseURL,
		})
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	case "azure":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     providerCfg.BaseURL,
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
		})
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{APIKey: providerCfg.APIKey})
	case "bedrock":
		prov, err := providers.NewBedrockProvider(providers.BedrockConfig{Region: providerCfg.Region, DefaultModel: providerCfg.DefaultModel})
		if err == nil {
			logBedrockCatalog(providerCfg.Region)
		}
		return prov, err
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		}), nil
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
		})
	case "venice":
		return venice.NewVeniceProvider(venice.VeniceConfig{
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
			BaseURL:      providerCfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", providerName)
	}
}

// logBedrockCatalog discovers the foundation models available to the
// configured AWS account in the background and logs the count, so operators
// can see what Bedrock actually offers without a separate CLI round-trip.
// Discovery is best-effort: a failure (e.g. missing IAM permissions) is
// logged and otherwise ignored, since the configured default model is all
// BedrockProvider itself needs to serve turns.
func logBedrockCatalog(region string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		models, err := bedrockdiscovery.DiscoverModels(ctx, &bedrockdiscovery.DiscoveryConfig{Region: region})
		if err != nil {
			slog.Default().Debug("bedrock model discovery failed", "error", err)
			return
		}
		slog.Default().Info("bedrock foundation models discovered", "count", len(models))
	}()
}

// modelContextWindow resolves the configured default model's context window
// from the shared model catalog, falling back to cfg's own value when the
// model isn't catalogued (e.g. a custom Ollama/OpenRouter model id). The
// context builder and consolidation engine both size their token budgets off
// of this.
func modelContextWindow(cfg config.LLMConfig, fallback int) int {
	if cfg.DefaultModel == "" {
		return fallback
	}
	if m, ok := llmmodels.Get(cfg.DefaultModel); ok && m.ContextWindow > 0 {
		return m.ContextWindow
	}
	return fallback
}

const defaultStaticInstructions = "You are a helpful assistant operating inside a single-workspace messaging agent. Use the available tools when they help complete the user's request, and reply concisely."
