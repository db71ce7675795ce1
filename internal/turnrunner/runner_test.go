package turnrunner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

type scriptedProvider struct {
	responses []func() []*agent.CompletionChunk
	call      int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.call >= len(p.responses) {
		p.call++
		ch := make(chan *agent.CompletionChunk, 1)
		ch <- &agent.CompletionChunk{Text: "done", Done: true}
		close(ch)
		return ch, nil
	}
	chunks := p.responses[p.call]()
	p.call++
	ch := make(chan *agent.CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return true }

type echoTool struct{ calls int }

func (t *echoTool) Name() string               { return "echo" }
func (t *echoTool) Description() string        { return "echoes input" }
func (t *echoTool) Schema() json.RawMessage    { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	t.calls++
	return &agent.ToolResult{Content: "echoed"}, nil
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	provider := &scriptedProvider{
		responses: []func() []*agent.CompletionChunk{
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{Text: "hello there", Done: true}}
			},
		},
	}
	runner := NewRunner(provider, nil, nil)
	session := &models.Session{Key: "loopback:1"}

	outcome, err := runner.Run(context.Background(), session, models.NewTextMessage(models.RoleUser, "hi"), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Completed {
		t.Fatal("expected turn to complete")
	}
	if outcome.ToolCount != 0 {
		t.Fatalf("expected no tool calls, got %d", outcome.ToolCount)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected 2 messages (user+assistant), got %d", len(session.Messages))
	}
}

func TestRunExecutesToolCallThenCompletes(t *testing.T) {
	tool := &echoTool{}
	provider := &scriptedProvider{
		responses: []func() []*agent.CompletionChunk{
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{
					ToolCall: &models.ToolCall{ID: "call_1", Type: "function", Function: models.ToolCallFunction{Name: "echo", Arguments: "{}"}},
					Done:     true,
				}}
			},
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{Text: "all done", Done: true}}
			},
		},
	}
	runner := NewRunner(provider, MapInvoker{"echo": tool}, nil)
	session := &models.Session{Key: "loopback:2"}

	var events []models.TurnEvent
	outcome, err := runner.Run(context.Background(), session, models.NewTextMessage(models.RoleUser, "use the tool"), func(e models.TurnEvent) {
		events = append(events, e)
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ToolCount != 1 || tool.calls != 1 {
		t.Fatalf("expected exactly 1 tool call, got outcome=%d tool=%d", outcome.ToolCount, tool.calls)
	}
	if !outcome.Completed {
		t.Fatal("expected turn to complete after tool result")
	}

	var sawStart, sawEnd bool
	for _, e := range events {
		if e.Type == models.TurnEventToolStart {
			sawStart = true
		}
		if e.Type == models.TurnEventToolEnd {
			sawEnd = true
		}
	}
	if !sawStart || !sawEnd {
		t.Fatalf("expected tool_start and tool_end events, got %+v", events)
	}
}

func TestRunInterruptedForFollowupAppendsPauseMessage(t *testing.T) {
	provider := &scriptedProvider{
		responses: []func() []*agent.CompletionChunk{
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{Text: "should not be reached", Done: true}}
			},
		},
	}
	runner := NewRunner(provider, nil, nil)
	session := &models.Session{Key: "loopback:3"}

	calls := 0
	steer := func() SteerDecision {
		calls++
		return SteerDecision{Interrupt: true, PendingFollowupCount: 2, NextFollowupPreview: "second message"}
	}

	outcome, err := runner.Run(context.Background(), session, models.NewTextMessage(models.RoleUser, "hi"), nil, steer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.InterruptedForFollowup {
		t.Fatal("expected turn to be interrupted for followup")
	}
	if outcome.PendingFollowupCount != 2 {
		t.Fatalf("expected pending followup count 2, got %d", outcome.PendingFollowupCount)
	}
	if calls != 1 {
		t.Fatalf("expected steer to be polled exactly once, got %d", calls)
	}
	last := session.Messages[len(session.Messages)-1]
	if last.Role != models.RoleAssistant {
		t.Fatalf("expected final message to be from assistant, got %s", last.Role)
	}
	if !strings.Contains(last.PlainText(), "paused this task") || !strings.Contains(last.PlainText(), "second message") {
		t.Fatalf("expected pause message naming the followup, got %q", last.PlainText())
	}
}

func TestRunMaxIterationsAppendsFixedMessage(t *testing.T) {
	provider := &scriptedProvider{
		responses: []func() []*agent.CompletionChunk{
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{
					ToolCall: &models.ToolCall{ID: "call_1", Type: "function", Function: models.ToolCallFunction{Name: "echo", Arguments: "{}"}},
					Done:     true,
				}}
			},
		},
	}
	runner := NewRunner(provider, MapInvoker{"echo": &echoTool{}}, nil)
	runner.MaxIterations = 1
	session := &models.Session{Key: "loopback:4"}

	outcome, err := runner.Run(context.Background(), session, models.NewTextMessage(models.RoleUser, "loop forever"), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.MaxIterationsReached {
		t.Fatal("expected MaxIterationsReached")
	}
	last := session.Messages[len(session.Messages)-1]
	if last.PlainText() != maxIterationsMessage {
		t.Fatalf("expected fixed max-iterations message, got %q", last.PlainText())
	}
}

func TestRunAttachesToolDetailsFromRegistry(t *testing.T) {
	provider := &scriptedProvider{
		responses: []func() []*agent.CompletionChunk{
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{
					ToolCall: &models.ToolCall{ID: "call_1", Type: "function", Function: models.ToolCallFunction{Name: "detailed", Arguments: "{}"}},
					Done:     true,
				}}
			},
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{Text: "all done", Done: true}}
			},
		},
	}
	runner := NewRunner(provider, detailedInvoker{}, nil)
	session := &models.Session{Key: "loopback:5"}

	var events []models.TurnEvent
	_, err := runner.Run(context.Background(), session, models.NewTextMessage(models.RoleUser, "go"), func(e models.TurnEvent) {
		events = append(events, e)
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var toolMsg *models.Message
	for i := range session.Messages {
		if session.Messages[i].Role == models.RoleTool {
			toolMsg = &session.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolDetails == nil {
		t.Fatalf("expected tool message with _tool_details, got %+v", toolMsg)
	}
	if toolMsg.ToolDetails.Data["path"] != "foo.go" {
		t.Fatalf("expected whitelisted path to survive, got %+v", toolMsg.ToolDetails.Data)
	}

	var sawDetail bool
	for _, e := range events {
		if e.Type == models.TurnEventToolEnd && e.HasDetails {
			sawDetail = true
			if e.DetailOp != "write" {
				t.Fatalf("expected detail_op write, got %s", e.DetailOp)
			}
		}
	}
	if !sawDetail {
		t.Fatal("expected tool_end event with HasDetails set")
	}
}

type detailedInvoker struct{}

func (detailedInvoker) Invoke(ctx context.Context, toolCallID, sessionKey, name string, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{
		Content: "ok",
		Details: &models.ToolResultDetails{
			Op:   "write",
			Data: map[string]any{"path": "foo.go", "secret_internal_field": "dropped"},
		},
	}, nil
}

func TestGuardLoopMessagesStripsDanglingToolCalls(t *testing.T) {
	session := &models.Session{
		Messages: []models.Message{
			models.NewTextMessage(models.RoleUser, "hi"),
			{
				Role:      models.RoleAssistant,
				ToolCalls: []models.ToolCall{{ID: "orphan", Function: models.ToolCallFunction{Name: "echo"}}},
			},
		},
	}
	GuardLoopMessages(session)
	if len(session.Messages[1].ToolCalls) != 0 {
		t.Fatalf("expected dangling tool call to be stripped, got %+v", session.Messages[1].ToolCalls)
	}
}

func TestStripThinkingRemovesBlock(t *testing.T) {
	out := stripThinking("<think>internal reasoning</think>the actual answer")
	if out != "the actual answer" {
		t.Fatalf("expected thinking block stripped, got %q", out)
	}
}

// errorFinishProvider yields a stream whose only chunk carries a provider
// error, modeling an error finish reason.
type errorFinishProvider struct {
	err   error
	calls int
}

func (p *errorFinishProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.calls++
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Error: p.err}
	close(ch)
	return ch, nil
}

func (p *errorFinishProvider) Name() string          { return "error-finish" }
func (p *errorFinishProvider) Models() []agent.Model { return nil }
func (p *errorFinishProvider) SupportsTools() bool   { return true }

func TestFatalErrorFinishSurfacesTextWithoutRetry(t *testing.T) {
	provider := &errorFinishProvider{err: errors.New("Authentication failed: invalid api key")}
	runner := NewRunner(provider, nil, nil)
	session := &models.Session{Key: "loopback:9"}

	var end models.TurnEvent
	outcome, err := runner.Run(context.Background(), session, models.NewTextMessage(models.RoleUser, "hi"), func(e models.TurnEvent) {
		if e.Type == models.TurnEventTurnEnd {
			end = e
		}
	}, nil)
	if err != nil {
		t.Fatalf("a fatal error finish must not surface as a Go error: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("fatal error finish retried: %d provider calls", provider.calls)
	}
	if !outcome.Completed {
		t.Fatal("turn should complete with the error text as final content")
	}

	last := session.Messages[len(session.Messages)-1]
	text, _ := last.StringContent()
	if last.Role != models.RoleAssistant || text != "Authentication failed: invalid api key" {
		t.Fatalf("final message = %s %q", last.Role, text)
	}
	if end.LLMErrorFinishRetryCount != 0 {
		t.Errorf("llm_error_finish_retry_count = %d, want 0", end.LLMErrorFinishRetryCount)
	}
	if end.LLMErrorFinishFatalCount != 1 {
		t.Errorf("llm_error_finish_fatal_count = %d, want 1", end.LLMErrorFinishFatalCount)
	}
}
