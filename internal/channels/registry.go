package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Registry starts, stops, and reports health for every configured channel
// adapter, and owns the bus's single outbound consumer.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[models.ChannelType]Adapter
	bus         *bus.Bus
	logger      *slog.Logger
	limitConfig ratelimit.Config
	limiters    map[models.ChannelType]*ratelimit.Bucket
}

// NewRegistry creates an empty Registry bound to b's outbound queue. Every
// adapter's outbound deliveries share a per-channel token bucket configured
// by limitConfig, so a burst of replies (several subagents completing at
// once, a follow-up queue draining) cannot exceed the channel's own rate
// limits; a zero-value Config disables limiting.
func NewRegistry(b *bus.Bus, logger *slog.Logger, limitConfig ratelimit.Config) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters:    make(map[models.ChannelType]Adapter),
		bus:         b,
		logger:      logger.With("component", "channels"),
		limitConfig: limitConfig,
		limiters:    make(map[models.ChannelType]*ratelimit.Bucket),
	}
}

// Add registers an adapter. It does not start it; call Start for that.
func (r *Registry) Add(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Start launches every registered adapter, stopping and returning the first
// error encountered (already-started adapters are left running; the caller
// is expected to call Stop on shutdown regardless).
func (r *Registry) Start(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("channels: start %s: %w", a.Type(), err)
		}
		r.logger.Info("channel adapter started", "channel", a.Type())
	}
	return nil
}

// PumpOutbound is the bus's single outbound consumer: it reads every
// published OutboundMessage and routes it to the adapter registered for its
// Channel, until ctx is cancelled.
func (r *Registry) PumpOutbound(ctx context.Context) error {
	for {
		msg, err := r.bus.ConsumeOutbound(ctx)
		if err != nil {
			return err
		}
		r.mu.RLock()
		a, ok := r.adapters[msg.Channel]
		r.mu.RUnlock()
		if !ok {
			r.logger.Warn("outbound message for unregistered channel", "channel", msg.Channel)
			continue
		}
		if err := r.waitForLimiter(ctx, msg.Channel); err != nil {
			return err
		}
		if err := a.Send(ctx, msg); err != nil {
			r.logger.Warn("adapter send failed", "channel", msg.Channel, "error", err)
		}
	}
}

// waitForLimiter blocks until msg's channel has a free token, or ctx is
// cancelled. Limiting is skipped entirely when the registry's Config is
// disabled.
func (r *Registry) waitForLimiter(ctx context.Context, channel models.ChannelType) error {
	if !r.limitConfig.Enabled {
		return nil
	}
	r.mu.Lock()
	b, ok := r.limiters[channel]
	if !ok {
		b = ratelimit.NewBucket(r.limitConfig)
		r.limiters[channel] = b
	}
	r.mu.Unlock()

	for !b.Allow() {
		wait := b.WaitTime()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Stop shuts down every registered adapter, logging (not returning) any
// individual failure so one misbehaving adapter doesn't block the others.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if err := a.Stop(ctx); err != nil {
			r.logger.Warn("channel adapter stop failed", "channel", a.Type(), "error", err)
		}
	}
}

// Health returns every adapter's current health, keyed by channel type, for
// the debug HTTP endpoint.
func (r *Registry) Health() map[models.ChannelType]HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.ChannelType]HealthStatus, len(r.adapters))
	for t, a := range r.adapters {
		out[t] = a.Health()
	}
	return out
}
