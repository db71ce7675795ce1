package contextbuilder

import (
	"log/slog"

	"github.com/haasonsaas/nexus/internal/memory"
)

// Builder is the Context Builder's entry point: a thin wrapper over Build
// that carries the dependencies (memory store, encoder, logger) a call site
// would otherwise have to thread through on every turn.
type Builder struct {
	memoryStore *memory.Store
	encoder     Encoder
	budget      Budget
	logger      *slog.Logger
}

// New creates a Builder. encoder may be nil, in which case every call falls
// back to the length/4 token estimate.
func New(memoryStore *memory.Store, encoder Encoder, budget Budget, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if budget.ContextWindow <= 0 {
		budget = DefaultBudget()
	}
	return &Builder{memoryStore: memoryStore, encoder: encoder, budget: budget, logger: logger.With("component", "contextbuilder")}
}

// BuildTurn assembles one turn's prompt for session against staticInstructions
// and tools, logging a summary of what was dropped (if anything) so silent
// truncation is always visible in the logs.
func (b *Builder) BuildTurn(in Input) (Output, error) {
	in.MemoryStore = b.memoryStore
	if in.Encoder == nil {
		in.Encoder = b.encoder
	}
	if in.Budget.ContextWindow <= 0 {
		in.Budget = b.budget
	}

	out, err := Build(in)
	if err != nil {
		return Output{}, err
	}

	if out.DroppedMessages > 0 || out.DroppedImages > 0 {
		b.logger.Info("context trimmed to fit budget",
			"dropped_messages", out.DroppedMessages,
			"dropped_images", out.DroppedImages,
			"estimated_tokens", out.EstimatedTokens,
		)
	}
	return out, nil
}
