package turnrunner

import (
	"errors"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

func TestClassifyProviderError(t *testing.T) {
	cases := []struct {
		err  error
		want providerErrorClass
	}{
		{errors.New("maximum context length exceeded"), classContextOverflow},
		{errors.New("rate limit exceeded, try again"), classTransient},
		{errors.New("connection reset by peer"), classTransient},
		{errors.New("invalid api key"), classFatal},
		{agent.ErrContextCancelled, classFatal},
	}
	for _, c := range cases {
		if got := classifyProviderError(c.err); got != c.want {
			t.Errorf("classifyProviderError(%q) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestDrainChunksAssemblesSplitStream(t *testing.T) {
	ch := make(chan *agent.CompletionChunk, 4)
	ch <- &agent.CompletionChunk{Text: "Hello "}
	ch <- &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "c1", Type: "function", Function: models.ToolCallFunction{Name: "exec", Arguments: "{}"}}}
	ch <- &agent.CompletionChunk{Text: "world"}
	ch <- &agent.CompletionChunk{Done: true, InputTokens: 12, OutputTokens: 7}
	close(ch)

	text, toolCalls, u, err := drainChunks(ch)
	if err != nil {
		t.Fatalf("drainChunks: %v", err)
	}
	if text != "Hello world" {
		t.Errorf("text = %q, want %q", text, "Hello world")
	}
	if len(toolCalls) != 1 || toolCalls[0].ID != "c1" {
		t.Errorf("toolCalls = %+v, want one call c1", toolCalls)
	}
	if u.InputTokens != 12 || u.OutputTokens != 7 {
		t.Errorf("usage = %+v", u)
	}
}
