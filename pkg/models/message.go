// Package models defines the core data types shared across the agent core.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies a messaging platform a channel adapter connects to.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelLoopback ChannelType = "loopback"
)

// Role identifies a message's author type in the provider wire protocol.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentBlockType discriminates entries of a multi-part message content.
type ContentBlockType string

const (
	ContentText     ContentBlockType = "text"
	ContentImageURL ContentBlockType = "image_url"
)

// ContentBlock is one part of a multi-part message content list.
type ContentBlock struct {
	Type     ContentBlockType `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL string           `json:"image_url,omitempty"`
}

// ToolCallFunction carries the name and JSON-string-encoded arguments of a
// single tool invocation requested by the model.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded, per the provider wire contract.
}

// ToolCall represents one entry of an assistant message's tool_calls list.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // always "function" on the wire
	Function ToolCallFunction `json:"function"`
}

// Message is the role-tagged record described in the data model: content is
// either a plain string or an ordered list of ContentBlock, so Content is
// kept as json.RawMessage at the wire boundary and decoded lazily via
// StringContent/Blocks. Role-specific fields are left zero for roles that
// don't use them: one struct rather than a per-role interface keeps the
// wire encoding trivial.
type Message struct {
	Role             Role            `json:"role"`
	Content          json.RawMessage `json:"content"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Name             string          `json:"name,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`

	// ToolDetails is the whitelisted, compact metadata attached to role=tool
	// messages per the session tool details schema. It is never
	// sent back to the provider; only persisted in session history.
	ToolDetails *ToolDetails `json:"_tool_details,omitempty"`
}

// ToolDetails is the compact, whitelisted subset of a tool result's details
// that is persisted into session history (not transmitted to the LLM).
type ToolDetails struct {
	SchemaVersion int            `json:"schema_version"`
	Tool          string         `json:"tool"`
	Data          map[string]any `json:"data,omitempty"`
}

// NewTextMessage builds a Message whose content is a plain string.
func NewTextMessage(role Role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw, Timestamp: time.Now()}
}

// NewBlocksMessage builds a Message whose content is an ordered block list.
func NewBlocksMessage(role Role, blocks []ContentBlock) Message {
	raw, _ := json.Marshal(blocks)
	return Message{Role: role, Content: raw, Timestamp: time.Now()}
}

// StringContent returns the message's content as plain text when it is a
// JSON string; ok is false when content is a block list or empty.
func (m Message) StringContent() (string, bool) {
	if len(m.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// Blocks returns the message's content as a block list when it is one;
// ok is false when content is a plain string or empty.
func (m Message) Blocks() ([]ContentBlock, bool) {
	if len(m.Content) == 0 {
		return nil, false
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// IsToolProtocol reports whether m participates in the tool-call protocol:
// role=tool, or a non-empty tool_calls, or a tool_call_id is set. Such
// messages must never be merged or deduped during history compaction.
func (m Message) IsToolProtocol() bool {
	return m.Role == RoleTool || len(m.ToolCalls) > 0 || m.ToolCallID != ""
}

// PlainText returns the message text for plain (non-block) content, or ""
// when the message carries block content.
func (m Message) PlainText() string {
	text, ok := m.StringContent()
	if !ok {
		return ""
	}
	return text
}
