// Package message implements the "message" tool: the model's only direct
// channel to reply outside the default turn response, publishing an
// outbound message onto the bus addressed to the turn's routing context.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/routing"
	"github.com/haasonsaas/nexus/pkg/models"
)

// SentTracker records whether the message tool fired at least once during
// the current turn.
type SentTracker interface {
	MarkSent(sessionKey string)
}

// Tool publishes outbound messages onto the bus, addressed to whatever
// routing.Info is attached to the call's context.
type Tool struct {
	bus     *bus.Bus
	tracker SentTracker
}

// NewTool creates a message tool. tracker may be nil when the caller does
// not need default-outbound suppression (e.g. in the subagent manager's
// restricted registry, which never includes this tool at all).
func NewTool(b *bus.Bus, tracker SentTracker) *Tool {
	return &Tool{bus: b, tracker: tracker}
}

func (t *Tool) Name() string { return "message" }

func (t *Tool) Description() string {
	return "Send a message back to the user on the channel/chat this turn originated from."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Message text to send."}
		},
		"required": ["content"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.bus == nil {
		return toolError("message bus unavailable"), nil
	}
	var input struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return toolError("content is required"), nil
	}

	info := routing.FromContext(ctx)
	if info.Channel == "" || info.ChatID == "" {
		return toolError("no routing context available for this turn"), nil
	}

	msg := models.OutboundMessage{
		Channel: models.ChannelType(info.Channel),
		ChatID:  info.ChatID,
		Content: content,
	}
	if info.MessageID != "" {
		msg.Metadata = map[string]any{models.MetaMessageID: info.MessageID}
	}

	if err := t.bus.PublishOutbound(ctx, msg); err != nil {
		return toolError(fmt.Sprintf("publish outbound message: %v", err)), nil
	}

	if t.tracker != nil {
		t.tracker.MarkSent(info.SessionKey)
	}

	payload, _ := json.Marshal(map[string]string{"status": "sent", "channel": info.Channel, "chat_id": info.ChatID})
	return &agent.ToolResult{
		Content: string(payload),
		Details: &models.ToolResultDetails{
			Op: "message",
			Data: map[string]any{
				"channel": info.Channel,
				"chat_id": info.ChatID,
				"sent":    true,
			},
		},
	}, nil
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
