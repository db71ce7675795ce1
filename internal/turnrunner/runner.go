// Package turnrunner implements the Turn Runner: the iterative
// LLM <-> tool loop that drives one turn of a session, emitting the typed
// turn-event stream and classifying provider failures into fatal, transient,
// and context-overflow outcomes.
package turnrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/backoff"
	"github.com/haasonsaas/nexus/internal/contextbuilder"
	"github.com/haasonsaas/nexus/internal/toolregistry"
	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultMaxIterations bounds how many LLM round-trips a single turn may
// take before it is cut off rather than looping forever on a confused model.
const DefaultMaxIterations = 25

// maxOverflowCompactionRetries bounds how many times a single turn will
// force aggressive compaction and retry after a context-overflow signal
// before giving up and surfacing the error as the turn's final content.
const maxOverflowCompactionRetries = 1

// maxIterationsMessage is the fixed final content appended to the session
// when a turn is cut off by MaxIterations without the model producing a
// plain response.
const maxIterationsMessage = "I reached the maximum number of tool call iterations for this turn without finishing. Let me know if you'd like me to continue."

// SteerDecision is what a SteeringFunc returns each time it is polled.
type SteerDecision struct {
	// Interrupt stops the loop from issuing further tool calls this turn.
	Interrupt bool
	// PendingFollowupCount is how many follow-up messages are queued behind
	// this turn.
	PendingFollowupCount int
	// NextFollowupPreview previews the next queued follow-up's text so the
	// turn's final content can name it.
	NextFollowupPreview string
}

// SteeringFunc is polled once per iteration; when it returns Interrupt=true,
// the loop stops producing further tool calls and ends the turn early.
type SteeringFunc func() SteerDecision

// ToolInvoker executes one named tool call. *toolregistry.Registry satisfies
// this; MapInvoker adapts a bare tool map for callers that don't need the
// registry's validation/policy/audit plumbing (tests, restricted subagent
// pools that build their own registry already do, via toolregistry.New).
type ToolInvoker interface {
	Invoke(ctx context.Context, toolCallID, sessionKey, name string, params json.RawMessage) (*agent.ToolResult, error)
}

// MapInvoker adapts a plain name -> agent.Tool map into a ToolInvoker with
// no schema validation, policy, or audit logging.
type MapInvoker map[string]agent.Tool

// Invoke implements ToolInvoker.
func (m MapInvoker) Invoke(ctx context.Context, toolCallID, sessionKey, name string, params json.RawMessage) (*agent.ToolResult, error) {
	tool, ok := m[name]
	if !ok {
		msg := fmt.Sprintf("unknown tool %q", name) + toolregistry.ErrorHintSuffix
		return &agent.ToolResult{Content: msg, IsError: true}, fmt.Errorf("turnrunner: unknown tool %q", name)
	}
	result, err := tool.Execute(ctx, params)
	if err != nil {
		toolErr := agent.NewToolError(name, err).WithToolCallID(toolCallID)
		return &agent.ToolResult{Content: toolErr.Error() + toolregistry.ErrorHintSuffix, IsError: true}, err
	}
	if result != nil && result.IsError && !strings.HasSuffix(result.Content, toolregistry.ErrorHintSuffix) {
		result.Content += toolregistry.ErrorHintSuffix
	}
	return result, nil
}

// Runner drives one turn's LLM<->tool loop for a session.
type Runner struct {
	provider agent.LLMProvider
	invoker  ToolInvoker
	logger   *slog.Logger

	MaxIterations int

	// SystemPrompt is sent as the request's system prompt on every iteration
	// of the turn, as assembled by the context builder.
	SystemPrompt string

	// RetryPolicy paces the exponential backoff applied before each
	// transient-error or context-overflow retry.
	RetryPolicy backoff.BackoffPolicy

	// RequestTimeout bounds a single provider call. The runner wraps each
	// call in RequestTimeout+30s so a hung provider request can't block a
	// turn forever; the extra 30s gives the provider's own internal timeout
	// a chance to fire first and return a proper error to classify.
	RequestTimeout time.Duration

	// ContextBudget is the whole-prompt token budget GuardLoop refits the
	// working message list into before every provider call. Zero falls back
	// to defaultGuardContextTokens.
	ContextBudget int
}

// defaultRequestTimeout matches config.LLMConfig's own default so a Runner
// built without an explicit RequestTimeout still has a hard ceiling.
const defaultRequestTimeout = 60 * time.Second

// requestTimeoutWrapper is added on top of RequestTimeout for the hard
// per-call wrapper.
const requestTimeoutWrapper = 30 * time.Second

// NewRunner creates a Runner backed by provider and invoker (typically a
// *toolregistry.Registry, or a MapInvoker for a bare tool set).
func NewRunner(provider agent.LLMProvider, invoker ToolInvoker, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		provider:       provider,
		invoker:        invoker,
		logger:         logger,
		MaxIterations:  DefaultMaxIterations,
		RetryPolicy:    backoff.DefaultPolicy(),
		RequestTimeout: defaultRequestTimeout,
	}
}

// Outcome summarizes how a turn ended.
type Outcome struct {
	Iterations             int
	ToolCount              int
	Completed              bool
	MaxIterationsReached   bool
	InterruptedForFollowup bool
	PendingFollowupCount   int
	NextFollowupPreview    string

	// TurnStartIndex is the index of this turn's user message in the
	// session's (possibly guard-trimmed) message list; everything from it
	// onward is the turn's output. Callers persist from here rather than
	// from a pre-Run length, since GuardLoop may shrink the prefix while
	// the turn runs.
	TurnStartIndex int
}

// requestTimeout returns r.RequestTimeout, falling back to the package
// default for a Runner constructed without NewRunner (e.g. in tests).
func (r *Runner) requestTimeout() time.Duration {
	if r.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return r.RequestTimeout
}

func (r *Runner) contextBudget() int {
	if r.ContextBudget <= 0 {
		return defaultGuardContextTokens
	}
	return r.ContextBudget
}

type seqCounter struct{ n int }

func (c *seqCounter) next() int { c.n++; return c.n }

// Run executes one turn: it appends userMessage to session.Messages, then
// loops calling the provider and executing any requested tools until the
// model returns a plain response, the turn is steered away mid-loop, or
// MaxIterations is reached. emit receives every typed event in order; it may
// be nil. session.Messages is mutated in place; callers persist it via the
// Session Store themselves.
func (r *Runner) Run(ctx context.Context, session *models.Session, userMessage models.Message, emit models.TurnEventCallback, steer SteeringFunc) (Outcome, error) {
	turnID := uuid.NewString()
	seq := &seqCounter{}
	maxIter := r.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	GuardLoopMessages(session)
	session.Messages = append(session.Messages, userMessage)
	currentTurnStart := len(session.Messages) - 1

	r.emit(emit, models.TurnEvent{
		Namespace:           models.TurnEventNamespace,
		Version:             models.TurnEventVersion,
		Type:                models.TurnEventTurnStart,
		TurnID:              turnID,
		Sequence:            seq.next(),
		TimestampMs:         nowMs(),
		Source:              "turn_runner",
		InitialMessageCount: len(session.Messages),
		MaxIterations:       maxIter,
	})

	var outcome Outcome
	outcome.TurnStartIndex = currentTurnStart
	var retryCounts retrySummary

	for iteration := 1; iteration <= maxIter; iteration++ {
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		default:
		}

		if steer != nil {
			if d := steer(); d.Interrupt {
				outcome.InterruptedForFollowup = true
				outcome.PendingFollowupCount = d.PendingFollowupCount
				outcome.NextFollowupPreview = previewText(d.NextFollowupPreview, 120)
				session.Messages = append(session.Messages, models.NewTextMessage(models.RoleAssistant, pauseMessage(outcome)))
				break
			}
		}

		historyBudget := r.contextBudget() - guardReplyReserve - contextbuilder.EstimateTokens(nil, r.SystemPrompt)
		session.Messages, currentTurnStart = GuardLoop(session.Messages, currentTurnStart, historyBudget)
		outcome.TurnStartIndex = currentTurnStart

		req := r.buildRequest(session)
		callCtx, cancelCall := context.WithTimeout(ctx, r.requestTimeout()+requestTimeoutWrapper)
		chunks, err := r.provider.Complete(callCtx, req)
		if err != nil {
			cancelCall()
			class := classifyProviderError(err)
			switch class {
			case classContextOverflow:
				retryCounts.overflowCompactions++
				if retryCounts.overflowCompactions > maxOverflowCompactionRetries {
					return outcome, &agent.LoopError{Phase: agent.PhaseStream, Iteration: iteration, Cause: err}
				}
				CompactForOverflow(session)
				if sleepErr := backoff.SleepWithBackoff(ctx, r.RetryPolicy, retryCounts.overflowCompactions); sleepErr != nil {
					return outcome, sleepErr
				}
				continue
			case classTransient:
				retryCounts.exceptionRetries++
				if retryCounts.exceptionRetries > 3 {
					return outcome, &agent.LoopError{Phase: agent.PhaseStream, Iteration: iteration, Cause: err}
				}
				if sleepErr := backoff.SleepWithBackoff(ctx, r.RetryPolicy, retryCounts.exceptionRetries); sleepErr != nil {
					return outcome, sleepErr
				}
				continue
			default:
				return outcome, &agent.LoopError{Phase: agent.PhaseStream, Iteration: iteration, Cause: err}
			}
		}

		assistantText, toolCalls, usage, chunkErr := drainChunks(chunks)
		cancelCall()
		if chunkErr != nil {
			class := classifyProviderError(chunkErr)
			if class != classFatal {
				retryCounts.errorFinishRetries++
			}
			if class == classContextOverflow {
				retryCounts.errorFinishOverflowCount++
				if retryCounts.errorFinishOverflowCount > maxOverflowCompactionRetries {
					return outcome, &agent.LoopError{Phase: agent.PhaseStream, Iteration: iteration, Cause: chunkErr}
				}
				CompactForOverflow(session)
				if sleepErr := backoff.SleepWithBackoff(ctx, r.RetryPolicy, retryCounts.errorFinishOverflowCount); sleepErr != nil {
					return outcome, sleepErr
				}
				continue
			}
			if class == classFatal {
				// Fatal error finishes are not retried: the provider's own
				// error text becomes the turn's final content so the user
				// sees what actually went wrong (e.g. an invalid API key).
				retryCounts.errorFinishFatalCount++
				session.Messages = append(session.Messages, models.NewTextMessage(models.RoleAssistant, chunkErr.Error()))
				outcome.Completed = true
				outcome.Iterations = iteration
				break
			}
			retryCounts.errorFinishRetryableCount++
			if sleepErr := backoff.SleepWithBackoff(ctx, r.RetryPolicy, retryCounts.errorFinishRetryableCount); sleepErr != nil {
				return outcome, sleepErr
			}
			continue
		}

		assistantText = stripThinking(assistantText)

		assistantMsg := models.NewTextMessage(models.RoleAssistant, assistantText)
		assistantMsg.ToolCalls = toolCalls
		session.Messages = append(session.Messages, assistantMsg)

		if len(toolCalls) == 0 {
			outcome.Completed = true
			outcome.Iterations = iteration
			_ = usage
			break
		}

		for _, call := range toolCalls {
			r.emit(emit, models.TurnEvent{
				Namespace:   models.TurnEventNamespace,
				Version:     models.TurnEventVersion,
				Type:        models.TurnEventToolStart,
				TurnID:      turnID,
				Sequence:    seq.next(),
				TimestampMs: nowMs(),
				Source:      "turn_runner",
				Iteration:   iteration,
				Tool:        call.Function.Name,
				ToolCallID:  call.ID,
				Arguments:   decodeArguments(call.Function.Arguments),
			})

			result := r.executeTool(ctx, session.Key, call)
			outcome.ToolCount++

			toolMsg := models.NewTextMessage(models.RoleTool, result.Content)
			toolMsg.ToolCallID = call.ID
			toolMsg.Name = call.Function.Name
			var detailOp string
			if result.Details != nil {
				toolMsg.ToolDetails = models.SessionToolDetails(result.Details)
				detailOp = result.Details.Op
			}
			session.Messages = append(session.Messages, toolMsg)

			r.emit(emit, models.TurnEvent{
				Namespace:   models.TurnEventNamespace,
				Version:     models.TurnEventVersion,
				Type:        models.TurnEventToolEnd,
				TurnID:      turnID,
				Sequence:    seq.next(),
				TimestampMs: nowMs(),
				Source:      "turn_runner",
				Iteration:   iteration,
				Tool:        call.Function.Name,
				ToolCallID:  call.ID,
				IsError:     result.IsError,
				HasDetails:  result.Details != nil,
				DetailOp:    detailOp,
			})
		}

		outcome.Iterations = iteration
		if iteration == maxIter {
			outcome.MaxIterationsReached = true
		}
	}

	if !outcome.Completed && !outcome.InterruptedForFollowup {
		session.Messages = append(session.Messages, models.NewTextMessage(models.RoleAssistant, maxIterationsMessage))
	}

	r.emit(emit, models.TurnEvent{
		Namespace:                    models.TurnEventNamespace,
		Version:                      models.TurnEventVersion,
		Type:                         models.TurnEventTurnEnd,
		TurnID:                       turnID,
		Sequence:                     seq.next(),
		TimestampMs:                  nowMs(),
		Source:                       "turn_runner",
		Iterations:                   outcome.Iterations,
		ToolCount:                    outcome.ToolCount,
		Completed:                    outcome.Completed,
		MaxIterationsReached:         outcome.MaxIterationsReached,
		InterruptedForFollowup:       outcome.InterruptedForFollowup,
		PendingFollowupCount:         outcome.PendingFollowupCount,
		NextFollowupPreview:          outcome.NextFollowupPreview,
		LLMExceptionRetryCount:       retryCounts.exceptionRetries,
		LLMErrorFinishRetryCount:     retryCounts.errorFinishRetries,
		LLMOverflowCompactionRetries: retryCounts.overflowCompactions,
		LLMErrorFinishOverflowCount:  retryCounts.errorFinishOverflowCount,
		LLMErrorFinishRetryableCount: retryCounts.errorFinishRetryableCount,
		LLMErrorFinishFatalCount:     retryCounts.errorFinishFatalCount,
	})

	return outcome, nil
}

type retrySummary struct {
	exceptionRetries          int
	errorFinishRetries        int
	overflowCompactions       int
	errorFinishOverflowCount  int
	errorFinishRetryableCount int
	errorFinishFatalCount     int
}

func (r *Runner) emit(cb models.TurnEventCallback, ev models.TurnEvent) {
	if cb == nil {
		return
	}
	cb(ev)
}

func (r *Runner) buildRequest(session *models.Session) *agent.CompletionRequest {
	messages := make([]agent.CompletionMessage, 0, len(session.Messages))
	for _, m := range session.Messages {
		messages = append(messages, agent.CompletionMessage{
			Role:      string(m.Role),
			Content:   m.PlainText(),
			ToolCalls: m.ToolCalls,
		})
	}
	return &agent.CompletionRequest{System: r.SystemPrompt, Messages: messages}
}

func (r *Runner) executeTool(ctx context.Context, sessionKey string, call models.ToolCall) *agent.ToolResult {
	if r.invoker == nil {
		return &agent.ToolResult{Content: fmt.Sprintf("no tool invoker configured for %q", call.Function.Name) + toolregistry.ErrorHintSuffix, IsError: true}
	}
	result, _ := r.invoker.Invoke(ctx, call.ID, sessionKey, call.Function.Name, json.RawMessage(call.Function.Arguments))
	if result == nil {
		result = &agent.ToolResult{Content: fmt.Sprintf("tool %q produced no result", call.Function.Name) + toolregistry.ErrorHintSuffix, IsError: true}
	}
	return result
}

// pauseMessage builds the fixed-shape final content a turn leaves behind
// when it is interrupted for a queued follow-up.
func pauseMessage(outcome Outcome) string {
	if outcome.NextFollowupPreview == "" {
		return "I've paused this task to handle a new message. I'll pick it back up afterward."
	}
	if outcome.PendingFollowupCount > 1 {
		return fmt.Sprintf("I've paused this task to handle %d queued messages, starting with %q. I'll pick it back up afterward.", outcome.PendingFollowupCount, outcome.NextFollowupPreview)
	}
	return fmt.Sprintf("I've paused this task to handle a new message (%q). I'll pick it back up afterward.", outcome.NextFollowupPreview)
}

func decodeArguments(raw string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func previewText(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func nowMs() int64 { return time.Now().UnixMilli() }

var thinkBlockPattern = regexp.MustCompile(`(?is)<think>.*?</think>`)

// stripThinking removes <think>...</think> reasoning blocks from assistant
// text before it is persisted or shown.
func stripThinking(text string) string {
	return strings.TrimSpace(thinkBlockPattern.ReplaceAllString(text, ""))
}
