package models

// TurnEventType discriminates the four typed turn events the Turn Runner
// emits over the lifetime of a single turn.
type TurnEventType string

const (
	TurnEventTurnStart TurnEventType = "turn_start"
	TurnEventToolStart TurnEventType = "tool_start"
	TurnEventToolEnd   TurnEventType = "tool_end"
	TurnEventTurnEnd   TurnEventType = "turn_end"
)

// TurnEventNamespace and TurnEventVersion identify the event schema exposed
// by the debug capabilities manifest.
const (
	TurnEventNamespace = "nanobot.turn"
	TurnEventVersion   = 1
)

// TurnEvent is the typed record emitted by the Turn Runner for every turn.
// Exactly one of the type-specific fields is populated per Type.
type TurnEvent struct {
	Namespace   string        `json:"namespace"`
	Version     int           `json:"version"`
	Type        TurnEventType `json:"type"`
	TurnID      string        `json:"turn_id"`
	Sequence    int           `json:"sequence"`
	TimestampMs int64         `json:"timestamp_ms"`
	Source      string        `json:"source"`

	// turn_start
	InitialMessageCount int `json:"initial_message_count,omitempty"`
	MaxIterations       int `json:"max_iterations,omitempty"`

	// tool_start / tool_end
	Iteration  int            `json:"iteration,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	HasDetails bool           `json:"has_details,omitempty"`
	DetailOp   string         `json:"detail_op,omitempty"`

	// turn_end
	Iterations             int    `json:"iterations,omitempty"`
	ToolCount              int    `json:"tool_count,omitempty"`
	Completed              bool   `json:"completed,omitempty"`
	MaxIterationsReached   bool   `json:"max_iterations_reached,omitempty"`
	InterruptedForFollowup bool   `json:"interrupted_for_followup,omitempty"`
	NextFollowupPreview    string `json:"next_followup_preview,omitempty"`
	PendingFollowupCount   int    `json:"pending_followup_count,omitempty"`

	LLMRetryCount                int `json:"llm_retry_count,omitempty"`
	LLMExceptionRetryCount       int `json:"llm_exception_retry_count,omitempty"`
	LLMErrorFinishRetryCount     int `json:"llm_error_finish_retry_count,omitempty"`
	LLMOverflowCompactionRetries int `json:"llm_overflow_compaction_retries,omitempty"`
	LLMErrorFinishOverflowCount  int `json:"llm_error_finish_overflow_count,omitempty"`
	LLMErrorFinishRetryableCount int `json:"llm_error_finish_retryable_count,omitempty"`
	LLMErrorFinishFatalCount     int `json:"llm_error_finish_fatal_count,omitempty"`
}

// TurnEventKind is the dotted variant of a TurnEventType used in the
// capabilities manifest (e.g. "turn.start").
func (t TurnEventType) Kind() string {
	switch t {
	case TurnEventTurnStart:
		return "turn.start"
	case TurnEventToolStart:
		return "tool.start"
	case TurnEventToolEnd:
		return "tool.end"
	case TurnEventTurnEnd:
		return "turn.end"
	default:
		return string(t)
	}
}

// TurnEventCallback receives every event emitted during a turn, in order.
type TurnEventCallback func(TurnEvent)

// CapabilityEntry is one row of the capabilities manifest.
type CapabilityEntry struct {
	Type TurnEventType `json:"type"`
	Kind string        `json:"kind"`
}

// TurnEventCapabilities returns the fixed capabilities manifest payload.
func TurnEventCapabilities() []CapabilityEntry {
	types := []TurnEventType{TurnEventTurnStart, TurnEventToolStart, TurnEventToolEnd, TurnEventTurnEnd}
	out := make([]CapabilityEntry, 0, len(types))
	for _, t := range types {
		out = append(out, CapabilityEntry{Type: t, Kind: t.Kind()})
	}
	return out
}
