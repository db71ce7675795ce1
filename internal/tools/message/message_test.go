package message

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/routing"
)

type fakeTracker struct {
	mu      sync.Mutex
	marked  []string
}

func (f *fakeTracker) MarkSent(sessionKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, sessionKey)
}

func TestMessageToolPublishesToRoutedChannel(t *testing.T) {
	b := bus.New()
	tracker := &fakeTracker{}
	tool := NewTool(b, tracker)

	ctx := routing.With(context.Background(), routing.Info{Channel: "telegram", ChatID: "123", SessionKey: "telegram:123"})
	params, _ := json.Marshal(map[string]string{"content": "hello"})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success: %s", result.Content)
	}
	if !strings.Contains(result.Content, "sent") {
		t.Fatalf("expected status sent: %s", result.Content)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outbound, err := b.ConsumeOutbound(drainCtx)
	if err != nil {
		t.Fatalf("expected an outbound message: %v", err)
	}
	if outbound.ChatID != "123" || outbound.Content != "hello" {
		t.Fatalf("unexpected outbound message: %+v", outbound)
	}

	if len(tracker.marked) != 1 || tracker.marked[0] != "telegram:123" {
		t.Fatalf("expected tracker to be marked for telegram:123, got %+v", tracker.marked)
	}
}

func TestMessageToolRequiresRoutingContext(t *testing.T) {
	tool := NewTool(bus.New(), nil)
	params, _ := json.Marshal(map[string]string{"content": "hello"})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error without routing context")
	}
}

func TestMessageToolRejectsEmptyContent(t *testing.T) {
	ctx := routing.With(context.Background(), routing.Info{Channel: "loopback", ChatID: "1"})
	tool := NewTool(bus.New(), nil)
	params, _ := json.Marshal(map[string]string{"content": "   "})
	result, _ := tool.Execute(ctx, params)
	if !result.IsError {
		t.Fatal("expected an error for empty content")
	}
}
