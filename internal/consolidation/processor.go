package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultSystemPrompt is sent as the consolidation-agent-prompt system
// message on every chunk.
const DefaultSystemPrompt = `You are the memory-consolidation assistant for a long-running conversational agent.
You will be shown a span of prior conversation messages plus the agent's current long-term memory.
Call the save_memory tool exactly once to record what happened: a one-paragraph history_entry
prefixed with "[YYYY-MM-DD HH:MM]", an updated memory_update document (markdown with "## " section
headings and "- " bullets) containing only durable facts worth keeping forever, and, when possible,
daily_sections classifying notable items under topics/decisions/tool_activity/open_questions.
Do not invent facts that are not supported by the conversation shown.`

// memoryPromptTokenBudget bounds how much of the current MEMORY.md is shown
// to the consolidation model per chunk. A document that does not fit is
// truncated to a head+tail slice around a notice rather than dropped
// entirely, so the model still sees the most recently read and most
// recently written sections.
const memoryPromptTokenBudget = 1500

const memoryTruncationNotice = "\n\n...[memory truncated for length]...\n\n"

// charsPerToken is the crude character-to-token ratio used wherever this
// package needs a size estimate without a real tokenizer.
const charsPerToken = 4

// strictSystemPromptSuffix is appended on the retry after a chunk's first
// response came back without a tool call.
const strictSystemPromptSuffix = "\n\nYou MUST respond by calling save_memory. Do not respond with plain text."

var saveMemorySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"history_entry": {"type": "string"},
		"memory_update": {"type": "string"},
		"daily_sections": {
			"type": "object",
			"properties": {
				"topics": {"type": "array", "items": {"type": "string"}},
				"decisions": {"type": "array", "items": {"type": "string"}},
				"tool_activity": {"type": "array", "items": {"type": "string"}},
				"open_questions": {"type": "array", "items": {"type": "string"}}
			}
		}
	},
	"required": ["history_entry", "memory_update"]
}`)

// saveMemoryTool is the fixed tool definition offered to the consolidation
// model on every chunk. Execute is never called: the processor parses the
// tool call's arguments directly out of the provider response.
type saveMemoryTool struct{}

func (saveMemoryTool) Name() string        { return "save_memory" }
func (saveMemoryTool) Description() string { return "Record durable memory for this span of conversation." }
func (saveMemoryTool) Schema() json.RawMessage {
	return saveMemorySchema
}
func (saveMemoryTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return nil, fmt.Errorf("consolidation: save_memory is a virtual tool and cannot be executed")
}

// dailySectionHeadings maps the save_memory wire field name to the daily
// file's fixed H2 heading.
var dailySectionHeadings = map[string]string{
	"topics":         "Topics",
	"decisions":      "Decisions",
	"tool_activity":  "Tool Activity",
	"open_questions": "Open Questions",
}

// Processor is the default ChunkProcessor: it drives one provider round-trip
// per chunk with the save_memory tool, retrying once with a stricter prompt
// if the model replies without a tool call.
type Processor struct {
	provider  agent.LLMProvider
	model     string
	maxTokens int
}

// NewProcessor creates a Processor backed by provider. model selects which
// model the consolidation agent runs on; it may differ from the main agent's
// model (e.g. a cheaper/faster one), per deployment config.
func NewProcessor(provider agent.LLMProvider, model string) *Processor {
	return &Processor{provider: provider, model: model, maxTokens: 4096}
}

var historyPrefixPattern = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2})(?: (\d{2}:\d{2}))?\]\s*`)

// ProcessChunk implements consolidation.ChunkProcessor. currentMemory is the
// store's MEMORY.md as of just before this chunk; it is shown to the model
// (soft-budgeted to memoryPromptTokenBudget) so the proposed memory_update
// can be merged against what is actually on disk.
func (p *Processor) ProcessChunk(ctx context.Context, sessionKey string, chunk []models.Message, currentMemory string) (memory.SaveMemoryCall, error) {
	var zero memory.SaveMemoryCall

	memoryForPrompt, truncated := fitMemoryToBudget(currentMemory, memoryPromptTokenBudget)

	req := p.buildRequest(chunk, memoryForPrompt, DefaultSystemPrompt)
	args, err := p.roundTrip(ctx, req)
	if err != nil {
		return zero, err
	}
	if args == nil {
		req = p.buildRequest(chunk, memoryForPrompt, DefaultSystemPrompt+strictSystemPromptSuffix)
		args, err = p.roundTrip(ctx, req)
		if err != nil {
			return zero, err
		}
	}
	if args == nil {
		return zero, fmt.Errorf("consolidation: chunk produced no save_memory tool call after retry")
	}

	entry := normalizeHistoryEntry(sessionKey, args.HistoryEntry, len(chunk))

	call := memory.SaveMemoryCall{
		History:         entry,
		MemoryUpdate:    args.MemoryUpdate,
		MemoryTruncated: truncated,
	}
	call.Daily = buildDailyCandidate(args.DailySections, entry.Summary)
	return call, nil
}

// fitMemoryToBudget soft-budgets text to roughly budgetTokens tokens
// (estimated at charsPerToken chars/token). A document that
// overshoots keeps a head+tail character slice around a truncation notice
// rather than being cut off mid-document (grounded on the reference
// consolidation pipeline's soft memory-context budgeting).
func fitMemoryToBudget(text string, budgetTokens int) (string, bool) {
	budgetChars := budgetTokens * charsPerToken
	if len(text) <= budgetChars {
		return text, false
	}

	noticeLen := len(memoryTruncationNotice)
	remaining := budgetChars - noticeLen
	if remaining < 0 {
		remaining = 0
	}
	head := remaining / 2
	tail := remaining - head

	if head+tail >= len(text) {
		return text, false
	}
	return text[:head] + memoryTruncationNotice + text[len(text)-tail:], true
}

// saveMemoryArgs is the decoded shape of a save_memory tool call's JSON
// arguments.
type saveMemoryArgs struct {
	HistoryEntry  string              `json:"history_entry"`
	MemoryUpdate  string              `json:"memory_update"`
	DailySections map[string][]string `json:"daily_sections"`
}

func (p *Processor) buildRequest(chunk []models.Message, currentMemory, system string) *agent.CompletionRequest {
	var body strings.Builder
	fmt.Fprintf(&body, "Current memory:\n%s\n\nConversation span:\n", currentMemory)
	for _, m := range chunk {
		text := m.PlainText()
		if text == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Function.Name)
			}
			text = "(called tools: " + strings.Join(names, ", ") + ")"
		}
		fmt.Fprintf(&body, "[%s] %s\n", m.Role, text)
	}
	return &agent.CompletionRequest{
		Model:     p.model,
		System:    system,
		MaxTokens: p.maxTokens,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: body.String()},
		},
		Tools: []agent.Tool{saveMemoryTool{}},
	}
}

// roundTrip drains one completion and returns the parsed save_memory
// arguments, or nil (no error) if the model replied without a tool call.
func (p *Processor) roundTrip(ctx context.Context, req *agent.CompletionRequest) (*saveMemoryArgs, error) {
	chunks, err := p.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("consolidation: provider call failed: %w", err)
	}

	var toolCall *models.ToolCall
	for c := range chunks {
		if c == nil {
			continue
		}
		if c.Error != nil {
			return nil, fmt.Errorf("consolidation: provider stream error: %w", c.Error)
		}
		if c.ToolCall != nil && c.ToolCall.Function.Name == "save_memory" {
			toolCall = c.ToolCall
		}
	}
	if toolCall == nil {
		return nil, nil
	}

	var args saveMemoryArgs
	if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &args); err != nil {
		return nil, fmt.Errorf("consolidation: malformed save_memory arguments: %w", err)
	}
	if strings.TrimSpace(args.HistoryEntry) == "" || strings.TrimSpace(args.MemoryUpdate) == "" {
		return nil, fmt.Errorf("consolidation: save_memory call missing required fields")
	}
	return &args, nil
}

// normalizeHistoryEntry applies the history-entry
// normalization: collapse whitespace, reject code fences, and require (or
// synthesize) a leading "[YYYY-MM-DD HH:MM]" timestamp prefix.
func normalizeHistoryEntry(sessionKey, raw string, span int) memory.HistoryEntry {
	text := strings.Join(strings.Fields(raw), " ")
	if len(text) > 600 {
		text = text[:600]
	}
	now := time.Now().UTC()

	if strings.Contains(text, "```") {
		return memory.HistoryEntry{Timestamp: now, SessionKey: sessionKey, Summary: "(entry rejected: contained a code fence)", MessageSpan: span}
	}

	if m := historyPrefixPattern.FindStringSubmatch(text); m != nil {
		day, err := time.Parse("2006-01-02", m[1])
		if err == nil {
			ts := day
			if m[2] != "" {
				if parsedTime, terr := time.Parse("2006-01-02 15:04", m[1]+" "+m[2]); terr == nil {
					ts = parsedTime
				}
			}
			summary := strings.TrimSpace(text[len(m[0]):])
			return memory.HistoryEntry{Timestamp: ts, SessionKey: sessionKey, Summary: summary, MessageSpan: span}
		}
	}

	return memory.HistoryEntry{Timestamp: now, SessionKey: sessionKey, Summary: text, MessageSpan: span}
}

func buildDailyCandidate(sections map[string][]string, fallback string) memory.DailyCandidate {
	candidate := memory.DailyCandidate{FallbackNote: fallback}
	if len(sections) == 0 {
		return candidate
	}
	model := make(map[string][]string, len(sections))
	for key, bullets := range sections {
		heading, ok := dailySectionHeadings[key]
		if !ok {
			continue
		}
		clean := make([]string, 0, len(bullets))
		for _, b := range bullets {
			b = strings.TrimSpace(b)
			if b != "" {
				clean = append(clean, b)
			}
		}
		if len(clean) > 0 {
			model[heading] = clean
		}
	}
	candidate.ModelSections = model
	return candidate
}
