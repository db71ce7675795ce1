package bus

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestPublishInboundDerivesSessionKey(t *testing.T) {
	b := New()
	ctx := context.Background()
	if err := b.PublishInbound(ctx, models.InboundMessage{Channel: models.ChannelLoopback, ChatID: "42", Content: "hi"}); err != nil {
		t.Fatalf("PublishInbound: %v", err)
	}
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("ConsumeInbound: %v", err)
	}
	if msg.SessionKey != "loopback:42" {
		t.Fatalf("got session key %q, want loopback:42", msg.SessionKey)
	}
}

func TestPublishInboundKeepsExplicitSessionKey(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.PublishInbound(ctx, models.InboundMessage{Channel: models.ChannelLoopback, ChatID: "1", SessionKey: "custom:key"})
	msg, _ := b.ConsumeInbound(ctx)
	if msg.SessionKey != "custom:key" {
		t.Fatalf("got %q, want custom:key", msg.SessionKey)
	}
}

func TestFIFOOrderingPerQueue(t *testing.T) {
	b := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.PublishInbound(ctx, models.InboundMessage{Channel: models.ChannelLoopback, ChatID: "1", Content: string(rune('a' + i))})
	}
	for i := 0; i < 5; i++ {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			t.Fatalf("ConsumeInbound: %v", err)
		}
		if msg.Content != string(rune('a'+i)) {
			t.Fatalf("message %d: got %q, want %q", i, msg.Content, string(rune('a'+i)))
		}
	}
}

func TestDepthsReflectQueuedMessages(t *testing.T) {
	b := NewWithDepth(4)
	ctx := context.Background()
	b.PublishInbound(ctx, models.InboundMessage{Channel: models.ChannelLoopback, ChatID: "1"})
	b.PublishOutbound(ctx, models.OutboundMessage{Channel: models.ChannelLoopback, ChatID: "1"})
	if b.InboundDepth() != 1 {
		t.Fatalf("InboundDepth() = %d, want 1", b.InboundDepth())
	}
	if b.OutboundDepth() != 1 {
		t.Fatalf("OutboundDepth() = %d, want 1", b.OutboundDepth())
	}
	b.ConsumeInbound(ctx)
	if b.InboundDepth() != 0 {
		t.Fatalf("InboundDepth() after consume = %d, want 0", b.InboundDepth())
	}
}

func TestConsumeInboundRespectsContextCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.ConsumeInbound(ctx); err == nil {
		t.Fatal("expected context deadline error on empty queue")
	}
}
