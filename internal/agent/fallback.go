package agent

import (
	"context"
	"fmt"
	"log/slog"

	llmmodels "github.com/haasonsaas/nexus/internal/models"
)

// FallbackProvider tries a primary provider/model pair and, on a
// failover-eligible error (rate limit, server error, timeout, billing, auth,
// model unavailable — see llmmodels.IsFailoverError), walks a configured list
// of provider/model candidates until one succeeds or the list is
// exhausted.
// Only errors returned synchronously from Complete are eligible for
// fallback; once a stream has started, a mid-stream error is the concern of
// the turn runner's own retry loop, not this provider.
type FallbackProvider struct {
	providers map[string]LLMProvider
	config    *llmmodels.FallbackConfig
	logger    *slog.Logger
}

// NewFallbackProvider builds a FallbackProvider. providers maps provider
// name (as used in config.LLMConfig.Providers) to its constructed
// LLMProvider. config.PrimaryProvider/PrimaryModel is tried first, then each
// entry of config.Fallbacks in order.
func NewFallbackProvider(providers map[string]LLMProvider, config *llmmodels.FallbackConfig, logger *slog.Logger) *FallbackProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackProvider{providers: providers, config: config, logger: logger.With("component", "agent.fallback")}
}

// Name implements LLMProvider, reporting the primary provider's name.
func (f *FallbackProvider) Name() string { return f.config.PrimaryProvider }

// Models implements LLMProvider using the primary provider's catalog.
func (f *FallbackProvider) Models() []Model {
	if p, ok := f.providers[f.config.PrimaryProvider]; ok {
		return p.Models()
	}
	return nil
}

// SupportsTools implements LLMProvider using the primary provider.
func (f *FallbackProvider) SupportsTools() bool {
	if p, ok := f.providers[f.config.PrimaryProvider]; ok {
		return p.SupportsTools()
	}
	return false
}

// Complete implements LLMProvider, walking the fallback chain on a
// failover-eligible synchronous error.
func (f *FallbackProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	run := func(ctx context.Context, provider, model string) (<-chan *CompletionChunk, error) {
		p, ok := f.providers[provider]
		if !ok {
			return nil, fmt.Errorf("fallback: provider %q not configured", provider)
		}
		sub := *req
		sub.Model = model
		return p.Complete(ctx, &sub)
	}

	result, err := llmmodels.RunWithModelFallback(ctx, f.config, run, f.onAttemptFailed)
	if err != nil {
		return nil, err
	}
	if result.Provider != f.config.PrimaryProvider || result.Model != f.config.PrimaryModel {
		f.logger.Warn("llm fallback engaged",
			"provider", result.Provider, "model", result.Model, "attempts", len(result.Attempts))
	}
	return result.Result, nil
}

func (f *FallbackProvider) onAttemptFailed(provider, model string, err error, attempt, total int) {
	f.logger.Warn("llm provider attempt failed",
		"provider", provider, "model", model, "attempt", attempt, "total", total, "error", err)
}
