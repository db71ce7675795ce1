package turnrunner

import (
	"errors"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// usage carries the token accounting from a completed stream's final chunk.
type usage struct {
	InputTokens  int
	OutputTokens int
}

// drainChunks consumes a provider's chunk stream to completion, concatenating
// text (and the collected tool call, if any) into a single result. Only one
// tool call per turn is modeled here, matching the providers this runner
// targets; a chunk carrying ToolCall ends the text portion of the response.
func drainChunks(chunks <-chan *agent.CompletionChunk) (string, []models.ToolCall, usage, error) {
	var text strings.Builder
	var toolCalls []models.ToolCall
	var u usage

	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return text.String(), toolCalls, u, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			u.InputTokens = chunk.InputTokens
			u.OutputTokens = chunk.OutputTokens
		}
	}
	return text.String(), toolCalls, u, nil
}

// providerErrorClass categorizes a completion error for the retry loop.
type providerErrorClass int

const (
	classFatal providerErrorClass = iota
	classTransient
	classContextOverflow
)

var contextOverflowMarkers = []string{
	"context length", "context_length", "maximum context", "too many tokens",
	"context window", "prompt is too long", "input is too long",
}

var transientMarkers = []string{
	"timeout", "deadline exceeded", "connection reset", "temporarily unavailable",
	"rate limit", "rate_limit", "too many requests", "429", "503", "502", "overloaded",
}

// classifyProviderError decides whether a provider failure is a context
// overflow (compact and retry), transient (retry as-is up to a cap), or
// fatal (abort the turn). Sentinel errors take priority over string
// heuristics; everything else falls back to substring matching against the
// provider's error text.
func classifyProviderError(err error) providerErrorClass {
	if err == nil {
		return classFatal
	}
	if errors.Is(err, agent.ErrContextCancelled) {
		return classFatal
	}
	if errors.Is(err, agent.ErrCircuitOpen) {
		// The breaker already absorbed N consecutive failures; retrying
		// inline would just re-trip it, so surface the error as final
		// content immediately.
		return classFatal
	}

	lower := strings.ToLower(err.Error())
	for _, marker := range contextOverflowMarkers {
		if strings.Contains(lower, marker) {
			return classContextOverflow
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return classTransient
		}
	}
	return classFatal
}
