// Package toolregistry implements the Tool Registry: name-based
// tool lookup, JSON-schema parameter validation, structured ToolResult
// wrapping, and audit logging of every invocation, denial, and completion.
package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/audit"
)

// ErrorHintSuffix is appended to every error result's text so the model is
// nudged to analyze the failure before blindly retrying the same call.
const ErrorHintSuffix = "\n\n(Review this error before retrying: adjust the parameters or approach rather than repeating the same call.)"

// PolicyFunc decides whether a tool call is allowed before it runs. A
// non-empty reason denies the call (and is logged via LogToolDenied); an
// empty reason allows it.
type PolicyFunc func(toolName string, sessionKey string, params json.RawMessage) (denyReason string)

// Registry is the Tool Registry: a lookup of name -> agent.Tool plus the
// validation, policy, and audit plumbing every invocation passes through.
type Registry struct {
	tools    map[string]agent.Tool
	schemas  map[string]*jsonschema.Schema
	policy   PolicyFunc
	auditLog *audit.Logger
}

// New creates an empty Registry. auditLog may be nil (invocations simply
// won't be logged); policy may be nil (every call is allowed).
func New(auditLog *audit.Logger, policy PolicyFunc) *Registry {
	return &Registry{
		tools:    make(map[string]agent.Tool),
		schemas:  make(map[string]*jsonschema.Schema),
		policy:   policy,
		auditLog: auditLog,
	}
}

// Register adds a tool, compiling its declared JSON schema up front so a
// malformed schema fails at startup rather than on first call.
func (r *Registry) Register(tool agent.Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("toolregistry: tool has empty name")
	}
	schemaBytes := tool.Schema()
	if len(schemaBytes) > 0 {
		compiler := jsonschema.NewCompiler()
		resourceName := name + ".json"
		if err := compiler.AddResource(resourceName, bytes.NewReader(schemaBytes)); err != nil {
			return fmt.Errorf("toolregistry: add schema for %s: %w", name, err)
		}
		schema, err := compiler.Compile(resourceName)
		if err != nil {
			return fmt.Errorf("toolregistry: compile schema for %s: %w", name, err)
		}
		r.schemas[name] = schema
	}
	r.tools[name] = tool
	return nil
}

// Lookup returns a registered tool by name.
func (r *Registry) Lookup(name string) (agent.Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name, for building the LLM's tool
// catalog and the debug capabilities manifest.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Tools returns every registered agent.Tool, for building a provider's
// CompletionRequest.Tools list.
func (r *Registry) Tools() []agent.Tool {
	out := make([]agent.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Invoke validates params against the tool's schema, applies policy, runs
// the tool, and audits every step. It never returns a Go error for a tool
// that ran (even if IsError is set); a returned error means the call never
// reached the tool at all (not found, denied, or invalid params), in which
// case the returned *agent.ToolResult already carries a user-presentable
// message too.
func (r *Registry) Invoke(ctx context.Context, toolCallID, sessionKey, name string, params json.RawMessage) (*agent.ToolResult, error) {
	tool, ok := r.tools[name]
	if !ok {
		r.logDenied(ctx, name, toolCallID, "not_registered", sessionKey)
		msg := fmt.Sprintf("tool %q is not registered; available tools: %s", name, strings.Join(r.Names(), ", ")) + ErrorHintSuffix
		return &agent.ToolResult{Content: msg, IsError: true}, fmt.Errorf("toolregistry: tool %q not found", name)
	}

	if schema, ok := r.schemas[name]; ok {
		if err := validateAgainst(schema, params); err != nil {
			r.logDenied(ctx, name, toolCallID, "schema_validation_failed", sessionKey)
			msg := fmt.Sprintf("invalid parameters for %s: %v", name, err) + ErrorHintSuffix
			return &agent.ToolResult{Content: msg, IsError: true}, err
		}
	}

	if r.policy != nil {
		if reason := r.policy(name, sessionKey, params); reason != "" {
			r.logDenied(ctx, name, toolCallID, reason, sessionKey)
			msg := fmt.Sprintf("tool %s denied: %s", name, reason) + ErrorHintSuffix
			return &agent.ToolResult{Content: msg, IsError: true}, fmt.Errorf("toolregistry: %s denied: %s", name, reason)
		}
	}

	if r.auditLog != nil {
		r.auditLog.LogToolInvocation(ctx, name, toolCallID, sanitizeInputForAudit(name, params), sessionKey)
	}

	start := time.Now()
	result, err := tool.Execute(ctx, params)
	duration := time.Since(start)

	detailOp := ""
	if result != nil && result.Details != nil {
		detailOp = result.Details.Op
	}
	if r.auditLog != nil {
		success := err == nil && (result == nil || !result.IsError)
		output := ""
		if result != nil {
			output = sanitizeText(result.Content)
		}
		r.auditLog.LogToolCompletion(ctx, name, toolCallID, success, output, duration, detailOp, sessionKey)
	}

	if err != nil {
		toolErr := agent.NewToolError(name, err).WithToolCallID(toolCallID)
		msg := toolErr.Error() + ErrorHintSuffix
		return &agent.ToolResult{Content: msg, IsError: true}, err
	}
	if result != nil && result.IsError && !strings.HasSuffix(result.Content, ErrorHintSuffix) {
		result.Content += ErrorHintSuffix
	}
	return result, nil
}

func (r *Registry) logDenied(ctx context.Context, name, toolCallID, reason, sessionKey string) {
	if r.auditLog != nil {
		r.auditLog.LogToolDenied(ctx, name, toolCallID, reason, "", sessionKey)
	}
}

func validateAgainst(schema *jsonschema.Schema, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(v)
}

// maxAuditFieldLen truncates long free-text fields before they are logged,
// matching the audit sanitization rule applied to tool content.
const maxAuditFieldLen = 200

func sanitizeText(s string) string {
	if len(s) <= maxAuditFieldLen {
		return s
	}
	return s[:maxAuditFieldLen] + fmt.Sprintf("... (%d chars total)", len(s))
}

// sensitiveInputFields are never logged verbatim; their presence is recorded
// but the value is redacted to a length marker instead.
var sensitiveInputFields = map[string]struct{}{
	"new_content": {},
	"content":     {},
	"task":        {},
	"message":     {},
	"command":     {},
}

// sanitizeInputForAudit redacts known large/sensitive fields before the raw tool input is written to the audit log.
func sanitizeInputForAudit(toolName string, params json.RawMessage) json.RawMessage {
	var generic map[string]any
	if err := json.Unmarshal(params, &generic); err != nil {
		return params
	}
	changed := false
	for field := range sensitiveInputFields {
		v, ok := generic[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if field == "new_content" {
			generic[field] = fmt.Sprintf("<%d chars>", len(s))
			changed = true
			continue
		}
		if len(s) > maxAuditFieldLen {
			generic[field] = strings.TrimSpace(s[:maxAuditFieldLen]) + "..."
			changed = true
		}
	}
	if !changed {
		return params
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return params
	}
	return out
}
