// Package routing carries per-turn routing context (originating channel,
// chat, message, and session key) through a context.Context so the tools
// that need to address a reply back to the right place (message, spawn,
// cron) can read it without any shared mutable state — safe even though
// cross-session turns run concurrently.
package routing

import "context"

// Info is the routing context attached to one turn's context.Context.
type Info struct {
	Channel    string
	ChatID     string
	MessageID  string
	SessionKey string
}

type contextKey struct{}

// With returns a context carrying info, retrievable via FromContext.
func With(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// FromContext returns the routing info attached to ctx, or the zero Info
// (all empty strings) if none was attached.
func FromContext(ctx context.Context) Info {
	info, _ := ctx.Value(contextKey{}).(Info)
	return info
}
