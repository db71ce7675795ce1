// Package subagent implements the "spawn" tool: the model's handle on the
// Subagent Manager's bounded background task pool.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/routing"
	"github.com/haasonsaas/nexus/internal/subagentmgr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Tool spawns a bounded background subagent task via a subagentmgr.Manager.
type Tool struct {
	manager *subagentmgr.Manager
}

// NewTool creates a spawn tool backed by manager.
func NewTool(manager *subagentmgr.Manager) *Tool {
	return &Tool{manager: manager}
}

func (t *Tool) Name() string { return "spawn" }

func (t *Tool) Description() string {
	return "Spawn a background subagent to work on a focused task and report back when done."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "The task for the subagent to complete."},
			"system_prompt": {"type": "string", "description": "Optional focused system prompt for the subagent."}
		},
		"required": ["task"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.manager == nil {
		return toolError("subagent manager unavailable"), nil
	}
	var input struct {
		Task         string `json:"task"`
		SystemPrompt string `json:"system_prompt"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	task := strings.TrimSpace(input.Task)
	if task == "" {
		return toolError("task is required"), nil
	}

	info := routing.FromContext(ctx)
	id, ok := t.manager.Spawn(ctx, subagentmgr.Task{
		SessionKey:    info.SessionKey,
		OriginChannel: models.ChannelType(info.Channel),
		OriginChatID:  info.ChatID,
		Prompt:        task,
		SystemPrompt:  input.SystemPrompt,
	})
	if !ok {
		result := toolError(subagentmgr.RefusalMessage())
		result.Details = &models.ToolResultDetails{
			Op: "spawn",
			Data: map[string]any{
				"origin_channel": info.Channel,
				"origin_chat_id": info.ChatID,
				"task_len":       len(task),
				"blocked":        true,
			},
		}
		return result, nil
	}

	payload, _ := json.Marshal(map[string]string{"status": "spawned", "task_id": id})
	return &agent.ToolResult{
		Content: string(payload),
		Details: &models.ToolResultDetails{
			Op: "spawn",
			Data: map[string]any{
				"origin_channel": info.Channel,
				"origin_chat_id": info.ChatID,
				"task_len":       len(task),
				"accepted":       true,
				"label":          id,
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
