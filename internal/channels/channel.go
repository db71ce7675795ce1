// Package channels implements channel adapters: the boundary between an
// external messaging platform and the bus. An adapter publishes every
// inbound user message via bus.PublishInbound and runs its own delivery
// loop consuming bus.ConsumeOutbound, addressed by its ChannelType.
package channels

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Adapter is the full contract a channel connector implements: a lifecycle
// (Start/Stop), a channel identity, and a health check the debug endpoint
// can poll.
type Adapter interface {
	Type() models.ChannelType
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() HealthStatus

	// Send delivers one outbound message. The bus has a single consumer
	// per queue, so the Registry runs the one outbound pump and
	// routes each message to the owning adapter's Send rather than every
	// adapter polling the queue itself.
	Send(ctx context.Context, msg models.OutboundMessage) error
}

// HealthStatus is one adapter's self-reported health.
type HealthStatus struct {
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	LastEvent time.Time `json:"last_event,omitempty"`
}

// BaseHealth is embeddable by adapters: it tracks connected/error state
// behind a mutex so Health() is safe to call concurrently with the
// adapter's own delivery loop.
type BaseHealth struct {
	mu        sync.Mutex
	connected bool
	lastErr   string
	lastEvent time.Time
}

func (h *BaseHealth) SetConnected(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = ok
	h.lastEvent = time.Now()
}

func (h *BaseHealth) SetError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.lastErr = ""
		return
	}
	h.lastErr = err.Error()
	h.lastEvent = time.Now()
}

// Health implements part of Adapter for embedders.
func (h *BaseHealth) Health() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthStatus{Connected: h.connected, Error: h.lastErr, LastEvent: h.lastEvent}
}
