// Package cron exposes the "cron" tool: inspect and manage scheduled jobs
// that publish a synthetic inbound message back onto the bus when they
// fire.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	croncore "github.com/haasonsaas/nexus/internal/cron"
	"github.com/haasonsaas/nexus/internal/routing"
)

// Tool exposes cron scheduler actions.
type Tool struct {
	scheduler *croncore.Scheduler
}

// NewTool creates a cron tool backed by scheduler.
func NewTool(scheduler *croncore.Scheduler) *Tool {
	return &Tool{scheduler: scheduler}
}

func (t *Tool) Name() string { return "cron" }

func (t *Tool) Description() string {
	return "Inspect and manage cron jobs (list/status/run/register/unregister/executions/prune)."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "description": "list, status, run, register, unregister, executions, prune."},
			"id": {"type": "string", "description": "Job id for run/unregister actions."},
			"schedule": {"type": "string", "description": "Standard 6-field cron expression for register."},
			"prompt": {"type": "string", "description": "Message content to publish back when the job fires."},
			"job_id": {"type": "string", "description": "Job id filter for the executions action."},
			"limit": {"type": "integer", "description": "Limit for the executions action."},
			"offset": {"type": "integer", "description": "Offset for the executions action."},
			"older_than": {"type": "string", "description": "Duration (e.g. 24h) for pruning execution history."}
		},
		"required": ["action"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.scheduler == nil {
		return toolError("cron scheduler unavailable"), nil
	}
	var input struct {
		Action    string `json:"action"`
		ID        string `json:"id"`
		Schedule  string `json:"schedule"`
		Prompt    string `json:"prompt"`
		JobID     string `json:"job_id"`
		Limit     int    `json:"limit"`
		Offset    int    `json:"offset"`
		OlderThan string `json:"older_than"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if action == "" {
		return toolError("action is required"), nil
	}

	switch action {
	case "list", "status":
		return jsonResult(map[string]any{"jobs": t.scheduler.Jobs()}), nil

	case "run":
		id := strings.TrimSpace(input.ID)
		if id == "" {
			return toolError("id is required"), nil
		}
		if err := t.scheduler.RunJob(ctx, id); err != nil {
			return toolError(fmt.Sprintf("run job: %v", err)), nil
		}
		return jsonResult(map[string]any{"status": "ran", "id": id}), nil

	case "register":
		id := strings.TrimSpace(input.ID)
		if id == "" {
			return toolError("id is required"), nil
		}
		if strings.TrimSpace(input.Schedule) == "" {
			return toolError("schedule is required"), nil
		}
		info := routing.FromContext(ctx)
		job, err := t.scheduler.RegisterJob(croncore.Job{
			ID:            id,
			Schedule:      input.Schedule,
			Prompt:        input.Prompt,
			SessionKey:    info.SessionKey,
			OriginChannel: info.Channel,
			OriginChatID:  info.ChatID,
		})
		if err != nil {
			return toolError(fmt.Sprintf("register job: %v", err)), nil
		}
		return jsonResult(map[string]any{"status": "registered", "job": job}), nil

	case "unregister":
		id := strings.TrimSpace(input.ID)
		if id == "" {
			return toolError("id is required"), nil
		}
		if !t.scheduler.UnregisterJob(id) {
			return toolError("job not found"), nil
		}
		return jsonResult(map[string]any{"status": "removed", "id": id}), nil

	case "executions":
		jobID := strings.TrimSpace(input.JobID)
		execs := t.scheduler.Executions(jobID, input.Limit, input.Offset)
		return jsonResult(map[string]any{"job_id": jobID, "executions": execs}), nil

	case "prune":
		olderThan := strings.TrimSpace(input.OlderThan)
		if olderThan == "" {
			return toolError("older_than is required"), nil
		}
		duration, err := time.ParseDuration(olderThan)
		if err != nil {
			return toolError(fmt.Sprintf("invalid older_than: %v", err)), nil
		}
		count := t.scheduler.Prune(duration)
		return jsonResult(map[string]any{"status": "pruned", "count": count}), nil

	default:
		return toolError("unsupported action"), nil
	}
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

func jsonResult(payload any) *agent.ToolResult {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return &agent.ToolResult{Content: string(encoded)}
}
