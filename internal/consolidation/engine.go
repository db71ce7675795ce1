package consolidation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

// MaxChunkTokens bounds how much of a session's unconsolidated history is
// sent to the consolidation model in a single save_memory round. Larger
// spans are split and processed chunk by chunk; a chunk the provider still
// rejects for length is halved and retried (see runChunk).
const MaxChunkTokens = 20000

// DefaultMemoryWindow mirrors the orchestrator's consolidation trigger
// threshold; half of it is the "keep" tail an incremental run leaves
// unconsolidated so recent context stays verbatim in the session.
const DefaultMemoryWindow = 40

// contextOverflowPatterns classify a provider failure as a context-length
// error. Matching is substring, case-insensitive, and the set is data-driven
// rather than a closed enum so new provider phrasings can be added.
var contextOverflowPatterns = []string{
	"maximum context length",
	"context length",
	"context_length",
	"input tokens exceeds",
	"too many tokens",
}

func isContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range contextOverflowPatterns {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}

// ChunkProcessor turns one chunk of a session's unconsolidated messages into
// a save_memory call. Implementations drive the actual LLM round-trip and
// parse its tool call into a memory.SaveMemoryCall; the engine only handles
// scope selection, chunking, progress, and applying the result.
type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, sessionKey string, chunk []models.Message, currentMemory string) (memory.SaveMemoryCall, error)
}

// Engine runs the Consolidation Engine's scope-selection, chunking, and
// apply pipeline against a Memory Store, using a ChunkProcessor
// to produce each chunk's save_memory call.
type Engine struct {
	memoryStore *memory.Store
	processor   ChunkProcessor
	progressDir string
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer

	// MemoryWindow is the orchestrator's consolidation threshold; an
	// incremental run keeps the most recent MemoryWindow/2 messages
	// unconsolidated. Zero falls back to DefaultMemoryWindow.
	MemoryWindow int
}

// NewEngine creates an Engine. progressDir is where the crash-resumable
// progress marker lives, typically the workspace memory directory.
func NewEngine(memoryStore *memory.Store, processor ChunkProcessor, progressDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{memoryStore: memoryStore, processor: processor, progressDir: progressDir, logger: logger}
}

// WithObservability attaches metrics/tracing to an already-constructed
// Engine. Either argument may be nil to leave that instrumentation off.
func (e *Engine) WithObservability(metrics *observability.Metrics, tracer *observability.Tracer) *Engine {
	e.metrics = metrics
	e.tracer = tracer
	return e
}

// Result summarizes one Consolidate call.
type Result struct {
	ChunksProcessed int
	MessagesCovered int
	Resumed         bool
}

// Consolidate runs one incremental consolidation step: it selects the scope
// messages[last_consolidated : len-keep] where keep = MemoryWindow/2,
// processes at most one chunk, and advances session.LastConsolidated to
// min(target_last, start+processed). Repeated calls walk the scope forward a
// chunk at a time. The caller persists the session afterward (the engine
// never touches the Session Store).
func (e *Engine) Consolidate(ctx context.Context, session *models.Session) (Result, error) {
	return e.run(ctx, session, false)
}

// ConsolidateAll archives every unconsolidated message regardless of the
// keep window, looping until the scope is drained, then resets
// session.LastConsolidated to 0. Used by /new, where the session is about
// to be cleared and its whole tail must land in long-term memory.
func (e *Engine) ConsolidateAll(ctx context.Context, session *models.Session) (Result, error) {
	return e.run(ctx, session, true)
}

func (e *Engine) run(ctx context.Context, session *models.Session, archiveAll bool) (Result, error) {
	var result Result
	key := session.Key
	snapshotLen := len(session.Messages)

	start := session.LastConsolidated
	keep := 0
	targetLast := 0
	if archiveAll {
		if start > snapshotLen {
			start = snapshotLen
		}
	} else {
		window := e.MemoryWindow
		if window <= 0 {
			window = DefaultMemoryWindow
		}
		keep = window / 2
		if snapshotLen <= keep || snapshotLen-session.LastConsolidated == 0 {
			return result, nil
		}
		targetLast = snapshotLen - keep
		if targetLast <= start {
			return result, nil
		}
	}

	processed := 0
	prior, err := LoadProgress(e.progressDir)
	if err != nil {
		return result, fmt.Errorf("consolidation: load progress: %w", err)
	}
	if prior != nil {
		if prior.SessionKey == key && prior.ArchiveAll == archiveAll {
			start = prior.Start
			processed = prior.Processed
			keep = prior.Keep
			if !archiveAll {
				targetLast = prior.TargetLast
				if targetLast > snapshotLen {
					targetLast = snapshotLen
				}
			}
			result.Resumed = processed > 0
			if result.Resumed {
				e.logger.Info("consolidation: resuming", "session_key", key, "start", start, "processed", processed)
			}
		} else {
			if cerr := ClearProgress(e.progressDir); cerr != nil {
				e.logger.Warn("consolidation: clear stale progress failed", "error", cerr)
			}
		}
	}

	end := targetLast
	if archiveAll {
		end = snapshotLen
	}

	for {
		from := start + processed
		if from > end {
			from = end
		}
		pending := session.Messages[from:end]
		if len(pending) == 0 {
			break
		}

		chunk := firstChunk(pending, MaxChunkTokens)
		n, err := e.runChunk(ctx, key, chunk)
		if err != nil {
			// The partial chunks already applied stay recorded in the
			// progress marker; a later call resumes past them.
			return result, err
		}

		processed += n
		result.ChunksProcessed++
		result.MessagesCovered += n

		if err := SaveProgress(e.progressDir, &Progress{
			SessionKey:  key,
			StartedAt:   time.Now(),
			Start:       start,
			Processed:   processed,
			TargetLast:  targetLast,
			Keep:        keep,
			SnapshotLen: snapshotLen,
			ArchiveAll:  archiveAll,
		}); err != nil {
			e.logger.Warn("consolidation: save progress failed", "session_key", key, "error", err)
		}

		if !archiveAll {
			// Incremental mode processes one chunk per call; the next turn's
			// scheduling (or the next explicit call) continues the walk.
			break
		}
	}

	if archiveAll {
		session.LastConsolidated = 0
	} else {
		last := start + processed
		if last > targetLast {
			last = targetLast
		}
		session.LastConsolidated = last
	}
	session.UpdatedAt = time.Now()

	if err := ClearProgress(e.progressDir); err != nil {
		e.logger.Warn("consolidation: clear progress failed", "session_key", key, "error", err)
	}
	return result, nil
}

// runChunk drives one chunk through the processor and the memory store,
// halving the chunk on a context-length failure. It returns how many
// messages the applied chunk covered. A single-message chunk the provider
// still cannot fit, a non-tool-call response, or an apply failure is fatal
// for the whole run: progress is not advanced past it.
func (e *Engine) runChunk(ctx context.Context, sessionKey string, chunk []models.Message) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		chunkCtx := ctx
		var chunkSpan trace.Span
		if e.tracer != nil {
			chunkCtx, chunkSpan = e.tracer.Start(ctx, "consolidate_chunk")
		}

		currentMemory, err := e.memoryStore.ReadMemoryText()
		if err != nil {
			e.recordChunkError(chunkSpan, "read_memory")
			return 0, fmt.Errorf("consolidation: read current memory: %w", err)
		}
		call, err := e.processor.ProcessChunk(chunkCtx, sessionKey, chunk, currentMemory)
		if err != nil {
			if isContextOverflow(err) && len(chunk) > 1 {
				if chunkSpan != nil {
					chunkSpan.End()
				}
				chunk = chunk[:(len(chunk)+1)/2]
				e.logger.Info("consolidation: chunk overflowed context, halving", "session_key", sessionKey, "new_size", len(chunk))
				continue
			}
			e.recordChunkError(chunkSpan, "process_chunk")
			return 0, fmt.Errorf("consolidation: process chunk: %w", err)
		}

		if _, err := e.memoryStore.ApplySaveMemory(chunkDay(chunk), call); err != nil {
			e.recordChunkError(chunkSpan, "apply_save_memory")
			return 0, fmt.Errorf("consolidation: apply chunk: %w", err)
		}
		if chunkSpan != nil {
			chunkSpan.End()
		}
		return len(chunk), nil
	}
}

// firstChunk greedily takes the longest prefix of pending that fits the
// token budget; at least one message is always taken so progress is
// possible even when a single message overshoots (the provider-side halving
// then decides whether it truly cannot fit).
func firstChunk(pending []models.Message, maxTokens int) []models.Message {
	tokens := 0
	n := 0
	for _, m := range pending {
		t := estimateTextTokens(m.PlainText())
		if n > 0 && tokens+t > maxTokens {
			break
		}
		tokens += t
		n++
	}
	if n == 0 {
		n = 1
	}
	return pending[:n]
}

// recordChunkError marks the chunk span failed and bumps the consolidation
// error counter, tolerating whichever instrumentation is absent.
func (e *Engine) recordChunkError(span trace.Span, stage string) {
	if e.metrics != nil {
		e.metrics.RecordError("consolidation", stage)
	}
	if span != nil {
		if e.tracer != nil {
			e.tracer.RecordError(span, fmt.Errorf("consolidation %s failed", stage))
		}
		span.End()
	}
}

// estimateTextTokens approximates a message's token footprint at
// charsPerToken characters per token, rounding up.
func estimateTextTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// chunkDay is the UTC calendar day a chunk's daily-file content should be
// routed to: the timestamp of its last message.
func chunkDay(chunk []models.Message) time.Time {
	if len(chunk) == 0 {
		return time.Now().UTC()
	}
	return chunk[len(chunk)-1].Timestamp.UTC()
}
