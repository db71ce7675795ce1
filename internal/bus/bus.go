// Package bus implements the in-process message bus: two logical
// queues, inbound (channel adapter -> orchestrator) and outbound
// (orchestrator -> channel adapter), delivering FIFO per consumer.
package bus

import (
	"context"
	"fmt"

	"github.com/haasonsaas/nexus/pkg/models"
)

// defaultQueueDepth bounds each logical queue so a stalled consumer applies
// backpressure to publishers instead of growing memory without limit.
const defaultQueueDepth = 256

// Bus is the two-queue message bus. It is safe for concurrent publishers and
// a single consumer per queue (fan-out across multiple consumers of the same
// queue has no cross-process delivery contract).
type Bus struct {
	inbound  chan models.InboundMessage
	outbound chan models.OutboundMessage
}

// New creates a Bus with the default queue depth.
func New() *Bus {
	return NewWithDepth(defaultQueueDepth)
}

// NewWithDepth creates a Bus whose queues each hold up to depth messages
// before Publish blocks.
func NewWithDepth(depth int) *Bus {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Bus{
		inbound:  make(chan models.InboundMessage, depth),
		outbound: make(chan models.OutboundMessage, depth),
	}
}

// PublishInbound enqueues an inbound message, deriving SessionKey from
// Channel:ChatID when the caller left it empty. It blocks until the queue
// has room or ctx is done.
func (b *Bus) PublishInbound(ctx context.Context, msg models.InboundMessage) error {
	if msg.SessionKey == "" {
		msg.SessionKey = fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID)
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound enqueues an outbound message for a channel adapter to
// deliver. It blocks until the queue has room or ctx is done.
func (b *Bus) PublishOutbound(ctx context.Context, msg models.OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until an inbound message is available or ctx is
// done. This is the orchestrator's main consumer loop's single read point.
func (b *Bus) ConsumeInbound(ctx context.Context) (models.InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return models.InboundMessage{}, ctx.Err()
	}
}

// ConsumeOutbound blocks until an outbound message is available or ctx is
// done. A channel adapter calls this in its own delivery loop.
func (b *Bus) ConsumeOutbound(ctx context.Context) (models.OutboundMessage, error) {
	select {
	case msg := <-b.outbound:
		return msg, nil
	case <-ctx.Done():
		return models.OutboundMessage{}, ctx.Err()
	}
}

// InboundDepth and OutboundDepth report the number of queued-but-unconsumed
// messages, for the health endpoint's queue.{inbound_depth,outbound_depth}.
func (b *Bus) InboundDepth() int  { return len(b.inbound) }
func (b *Bus) OutboundDepth() int { return len(b.outbound) }
