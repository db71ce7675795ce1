package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/consolidation"
	"github.com/haasonsaas/nexus/internal/contextbuilder"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/toolregistry"
	"github.com/haasonsaas/nexus/pkg/models"
)

// scriptedProvider replays canned chunk streams, one per Complete call, and
// can block a call until released so a test can enqueue a follow-up while a
// turn is mid-flight.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []func() []*agent.CompletionChunk
	call      int

	// holdFirst, when non-nil, blocks the first Complete call until closed.
	holdFirst chan struct{}
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	idx := p.call
	p.call++
	hold := p.holdFirst
	p.mu.Unlock()

	if idx == 0 && hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var chunks []*agent.CompletionChunk
	if idx < len(p.responses) {
		chunks = p.responses[idx]()
	} else {
		chunks = []*agent.CompletionChunk{{Text: "done", Done: true}}
	}
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

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.call
}

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes input" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "echoed"}, nil
}

type fixture struct {
	orch  *Orchestrator
	bus   *bus.Bus
	store *sessions.JSONLStore
}

func newFixture(t *testing.T, provider agent.LLMProvider) *fixture {
	t.Helper()

	b := bus.NewWithDepth(16)
	store := sessions.NewJSONLStore(t.TempDir(), "", nil)
	memStore := memory.NewStore(t.TempDir(), nil)
	t.Cleanup(func() { memStore.Close() })
	builder := contextbuilder.New(memStore, nil, contextbuilder.Budget{}, nil)

	registry := toolregistry.New(nil, nil)
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}

	orch := New(Deps{
		Bus:            b,
		Sessions:       store,
		ContextBuilder: builder,
		Provider:       provider,
		Registry:       registry,
		MaxIterations:  5,
		MemoryWindow:   40,
	})
	return &fixture{orch: orch, bus: b, store: store}
}

func (f *fixture) consumeOutbound(t *testing.T, timeout time.Duration) models.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out, err := f.bus.ConsumeOutbound(ctx)
	if err != nil {
		t.Fatalf("no outbound message within %v: %v", timeout, err)
	}
	return out
}

func inbound(content string) models.InboundMessage {
	return models.InboundMessage{Channel: models.ChannelLoopback, ChatID: "chat-1", SenderID: "u1", Content: content}
}

func TestSimpleTurn(t *testing.T) {
	provider := &scriptedProvider{
		responses: []func() []*agent.CompletionChunk{
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{Text: "hello", Done: true}}
			},
		},
	}
	f := newFixture(t, provider)
	ctx := context.Background()

	f.orch.dispatch(ctx, inbound("hi"))

	out := f.consumeOutbound(t, 5*time.Second)
	if out.Content != "hello" {
		t.Fatalf("outbound content = %q, want %q", out.Content, "hello")
	}

	session, err := f.store.Load(ctx, "loopback:chat-1")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("session has %d messages, want user+assistant", len(session.Messages))
	}
	if session.Messages[0].Role != models.RoleUser || session.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("roles = %s, %s", session.Messages[0].Role, session.Messages[1].Role)
	}
	if text, _ := session.Messages[1].StringContent(); text != "hello" {
		t.Fatalf("assistant content = %q", text)
	}
}

func TestHelpCommandListsCommands(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	f.orch.dispatch(context.Background(), inbound("/help"))

	out := f.consumeOutbound(t, 2*time.Second)
	for _, want := range []string{"/help", "/stop", "/new"} {
		if !strings.Contains(out.Content, want) {
			t.Errorf("help output missing %q: %s", want, out.Content)
		}
	}
}

func TestCommandDoesNotInvokeProvider(t *testing.T) {
	provider := &scriptedProvider{}
	f := newFixture(t, provider)
	f.orch.dispatch(context.Background(), inbound("/help"))
	f.consumeOutbound(t, 2*time.Second)
	if provider.calls() != 0 {
		t.Fatalf("slash command reached the provider (%d calls)", provider.calls())
	}
}

func TestNewCommandResetsSession(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	ctx := context.Background()

	session, err := f.store.Load(ctx, "loopback:chat-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	session.Messages = append(session.Messages,
		models.NewTextMessage(models.RoleUser, "remember this"),
		models.NewTextMessage(models.RoleAssistant, "noted"),
	)
	if err := f.store.Save(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}

	f.orch.dispatch(ctx, inbound("/new"))
	out := f.consumeOutbound(t, 2*time.Second)
	if !strings.Contains(out.Content, "new session") {
		t.Fatalf("reply = %q", out.Content)
	}
	if strings.Contains(out.Content, "(forced)") {
		t.Fatalf("plain /new must not report (forced): %q", out.Content)
	}

	reloaded, err := f.store.Load(ctx, "loopback:chat-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Messages) != 0 || reloaded.LastConsolidated != 0 {
		t.Fatalf("session not reset: %d messages, last_consolidated=%d", len(reloaded.Messages), reloaded.LastConsolidated)
	}
}

func TestForcedNewVariants(t *testing.T) {
	for _, form := range []string{"/new!", "/new --force", "/new -f"} {
		f := newFixture(t, &scriptedProvider{})
		f.orch.dispatch(context.Background(), inbound(form))
		out := f.consumeOutbound(t, 2*time.Second)
		if !strings.Contains(out.Content, "(forced)") {
			t.Errorf("%s reply = %q, want forced variant", form, out.Content)
		}
	}
}

func TestStopWithNothingRunning(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	f.orch.dispatch(context.Background(), inbound("/stop"))
	out := f.consumeOutbound(t, 2*time.Second)
	if !strings.Contains(out.Content, "Nothing is currently running") {
		t.Fatalf("reply = %q", out.Content)
	}
}

func TestFollowUpInterruptsRunningTurn(t *testing.T) {
	hold := make(chan struct{})
	provider := &scriptedProvider{
		holdFirst: hold,
		responses: []func() []*agent.CompletionChunk{
			// Turn 1, iteration 1: a tool call, so the steering callback
			// fires after the tool result.
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{
					ToolCall: &models.ToolCall{ID: "call_1", Type: "function", Function: models.ToolCallFunction{Name: "echo", Arguments: "{}"}},
					Done:     true,
				}}
			},
			// Turn 2 (the follow-up) completes normally.
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{Text: "answer two", Done: true}}
			},
		},
	}
	f := newFixture(t, provider)
	ctx := context.Background()

	f.orch.dispatch(ctx, inbound("first message"))
	// The first provider call is now blocked; this second inbound lands in
	// the follow-up queue for the same session.
	f.orch.dispatch(ctx, inbound("second message"))
	close(hold)

	first := f.consumeOutbound(t, 5*time.Second)
	if !strings.Contains(first.Content, "paused this task") || !strings.Contains(first.Content, "second message") {
		t.Fatalf("interrupted turn reply = %q, want pause notice naming the follow-up", first.Content)
	}

	second := f.consumeOutbound(t, 5*time.Second)
	if second.Content != "answer two" {
		t.Fatalf("follow-up reply = %q, want %q", second.Content, "answer two")
	}

	session, err := f.store.Load(ctx, "loopback:chat-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var userTexts []string
	for _, m := range session.Messages {
		if m.Role == models.RoleUser {
			if text, ok := m.StringContent(); ok {
				userTexts = append(userTexts, text)
			}
		}
	}
	if len(userTexts) != 2 || userTexts[0] != "first message" || userTexts[1] != "second message" {
		t.Fatalf("user messages out of order: %v", userTexts)
	}
}

// markSentTool stands in for the message tool: executing it marks the
// session's reply as already delivered.
type markSentTool struct {
	orch *Orchestrator
	key  string
}

func (t *markSentTool) Name() string            { return "send_direct" }
func (t *markSentTool) Description() string     { return "sends a reply directly" }
func (t *markSentTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *markSentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	t.orch.MarkSent(t.key)
	return &agent.ToolResult{Content: "sent"}, nil
}

func TestMarkSentSuppressesDefaultOutbound(t *testing.T) {
	provider := &scriptedProvider{
		responses: []func() []*agent.CompletionChunk{
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{
					ToolCall: &models.ToolCall{ID: "call_1", Type: "function", Function: models.ToolCallFunction{Name: "send_direct", Arguments: "{}"}},
					Done:     true,
				}}
			},
			func() []*agent.CompletionChunk {
				return []*agent.CompletionChunk{{Text: "already delivered via the message tool", Done: true}}
			},
		},
	}
	f := newFixture(t, provider)
	ctx := context.Background()

	if err := f.orch.registry.Register(&markSentTool{orch: f.orch, key: "loopback:chat-1"}); err != nil {
		t.Fatalf("register send_direct: %v", err)
	}
	f.orch.dispatch(ctx, inbound("hi"))

	// The turn persists, but no default outbound is emitted.
	deadline := time.After(2 * time.Second)
	for {
		session, err := f.store.Load(ctx, "loopback:chat-1")
		if err == nil && len(session.Messages) >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("turn never persisted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if f.bus.OutboundDepth() != 0 {
		out := f.consumeOutbound(t, time.Second)
		t.Fatalf("expected suppressed outbound, got %q", out.Content)
	}
}

func TestNewCommandArchivesTailInBackground(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	ctx := context.Background()

	memDir := t.TempDir()
	memStore := memory.NewStore(memDir, nil)
	defer memStore.Close()
	engine := consolidation.NewEngine(memStore, stubChunkProcessor{}, memDir, nil)
	coordinator := consolidation.NewCoordinator(nil)
	f.orch.engine = engine
	f.orch.coordinator = coordinator

	session, err := f.store.Load(ctx, "loopback:chat-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	session.Messages = append(session.Messages,
		models.NewTextMessage(models.RoleUser, "we decided to use postgres"),
		models.NewTextMessage(models.RoleAssistant, "noted, postgres it is"),
	)
	if err := f.store.Save(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}

	f.orch.dispatch(ctx, inbound("/new"))
	f.consumeOutbound(t, 2*time.Second)

	deadline := time.After(5 * time.Second)
	for {
		history, err := memStore.ReadHistoryText()
		if err != nil {
			t.Fatalf("read history: %v", err)
		}
		if strings.Contains(history, "archived a chunk") {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("archive-all consolidation never reached the memory store; history = %q", history)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type stubChunkProcessor struct{}

func (stubChunkProcessor) ProcessChunk(ctx context.Context, sessionKey string, chunk []models.Message, currentMemory string) (memory.SaveMemoryCall, error) {
	return memory.SaveMemoryCall{
		History: memory.HistoryEntry{
			Timestamp:   time.Now().UTC(),
			SessionKey:  sessionKey,
			Summary:     "archived a chunk",
			MessageSpan: len(chunk),
		},
	}, nil
}
