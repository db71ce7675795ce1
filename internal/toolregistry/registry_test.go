package toolregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
)

type stubTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error)
}

func (t *stubTool) Name() string            { return t.name }
func (t *stubTool) Description() string     { return "stub" }
func (t *stubTool) Schema() json.RawMessage { return json.RawMessage(t.schema) }
func (t *stubTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return t.execute(ctx, params)
}

func TestInvokeUnknownToolIsDenied(t *testing.T) {
	reg := New(nil, nil)
	result, err := reg.Invoke(context.Background(), "call1", "sess1", "missing", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if result == nil || !result.IsError {
		t.Fatalf("expected error result, got %+v", result)
	}
}

func TestInvokeValidatesSchema(t *testing.T) {
	reg := New(nil, nil)
	tool := &stubTool{
		name:   "search",
		schema: `{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`,
		execute: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			return &agent.ToolResult{Content: "ok"}, nil
		},
	}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := reg.Invoke(context.Background(), "call1", "sess1", "search", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected validation error for missing required field")
	}

	result, err := reg.Invoke(context.Background(), "call2", "sess1", "search", json.RawMessage(`{"query":"go"}`))
	if err != nil {
		t.Fatalf("expected valid params to succeed: %v", err)
	}
	if result.Content != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestInvokeAppliesPolicyDenial(t *testing.T) {
	reg := New(nil, func(toolName, sessionKey string, params json.RawMessage) string {
		if toolName == "danger" {
			return "not allowed in this session"
		}
		return ""
	})
	tool := &stubTool{name: "danger", execute: func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
		t.Fatal("tool should not execute when policy denies it")
		return nil, nil
	}}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := reg.Invoke(context.Background(), "call1", "sess1", "danger", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected policy denial error")
	}
}

func TestSanitizeInputForAuditRedactsNewContent(t *testing.T) {
	raw := json.RawMessage(`{"new_content":"0123456789","path":"a.go"}`)
	out := sanitizeInputForAudit("edit_file", raw)
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal sanitized: %v", err)
	}
	if decoded["new_content"] != "<10 chars>" {
		t.Fatalf("expected redacted new_content, got %v", decoded["new_content"])
	}
	if decoded["path"] != "a.go" {
		t.Fatalf("expected path untouched, got %v", decoded["path"])
	}
}
