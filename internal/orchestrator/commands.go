package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/commands"
	"github.com/haasonsaas/nexus/pkg/models"
)

// handleCommand executes a detected slash command immediately — even while
// a turn is running for this session, so /stop can interrupt it — and
// replies with the command's result text.
func (o *Orchestrator) handleCommand(ctx context.Context, key string, st *sessionState, msg models.InboundMessage, parsed *commands.ParsedCommand) {
	inv := &commands.Invocation{
		Name:       parsed.Name,
		Args:       parsed.Args,
		RawText:    msg.Content,
		SessionKey: key,
		ChannelID:  string(msg.Channel),
		UserID:     msg.SenderID,
		Context:    map[string]any{"session_state": st},
	}

	result, err := o.cmdRegistry.Execute(ctx, inv)
	if err != nil {
		o.logger.Warn("command execution failed", "session_key", key, "command", parsed.Name, "error", err)
		return
	}
	if result == nil || result.Suppress {
		return
	}
	if result.Error != "" {
		o.reply(ctx, msg, result.Error)
		return
	}
	o.reply(ctx, msg, result.Text)
}

func (o *Orchestrator) registerBuiltinCommands() {
	_ = o.cmdRegistry.Register(&commands.Command{
		Name:        "help",
		Description: "List available commands",
		Category:    "session",
		Handler:     o.handleHelp,
	})
	_ = o.cmdRegistry.Register(&commands.Command{
		Name:        "stop",
		Description: "Cancel the turn and any subagents currently running for this conversation",
		Category:    "session",
		Handler:     o.handleStop,
	})
	_ = o.cmdRegistry.Register(&commands.Command{
		Name:        "new",
		Description: "Start a fresh session, archiving the current one to memory first",
		AcceptsArgs: true,
		Category:    "session",
		Handler:     o.handleNew,
	})
}

func (o *Orchestrator) handleHelp(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range o.cmdRegistry.ListVisible() {
		fmt.Fprintf(&b, "/%s — %s\n", cmd.Name, cmd.Description)
	}
	return &commands.Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (o *Orchestrator) handleStop(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	st, _ := inv.Context["session_state"].(*sessionState)
	cancelled := false
	if st != nil {
		st.mu.Lock()
		if st.cancel != nil {
			st.cancel()
			cancelled = true
		}
		st.followups = nil
		st.mu.Unlock()
	}
	subagentsCancelled := 0
	if o.subagents != nil {
		subagentsCancelled = o.subagents.CancelBySession(inv.SessionKey)
	}
	if o.coordinator != nil {
		o.coordinator.CancelInflight(inv.SessionKey)
	}
	if !cancelled && subagentsCancelled == 0 {
		return &commands.Result{Text: "Nothing is currently running for this conversation."}, nil
	}
	if subagentsCancelled > 0 {
		return &commands.Result{Text: fmt.Sprintf("Stopped. Cancelled %d subagent(s).", subagentsCancelled)}, nil
	}
	return &commands.Result{Text: "Stopped."}, nil
}

// forceSuffix marks a forced reset ("/new!", "/new --force", "/new -f")
// that skips the confirmation step.
func isForceNew(inv *commands.Invocation) bool {
	if inv.Name == "new!" {
		return true
	}
	args := strings.Fields(strings.ToLower(inv.Args))
	for _, a := range args {
		if a == "--force" || a == "-f" || a == "!" {
			return true
		}
	}
	return false
}

// handleNew resets the session immediately and hands its unconsolidated
// tail to a background archive-all consolidation, so the command returns in
// bounded time no matter how much history is pending.
func (o *Orchestrator) handleNew(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	st, _ := inv.Context["session_state"].(*sessionState)
	force := isForceNew(inv)

	if st != nil {
		st.mu.Lock()
		if st.cancel != nil {
			st.cancel()
		}
		st.followups = nil
		st.mu.Unlock()
	}
	if o.coordinator != nil {
		o.coordinator.CancelInflight(inv.SessionKey)
	}

	session, err := o.store.Load(ctx, inv.SessionKey)
	if err != nil {
		return &commands.Result{Error: "Could not load this conversation to reset it."}, nil
	}

	// Archive over a detached snapshot of the unconsolidated tail: the live
	// session is cleared right away, while the snapshot's consolidation runs
	// single-flight in the background.
	if o.engine != nil && o.coordinator != nil && session.LastConsolidated < len(session.Messages) {
		snapshot := &models.Session{
			Key:       session.Key,
			Messages:  append([]models.Message{}, session.Messages[session.LastConsolidated:]...),
			CreatedAt: session.CreatedAt,
			UpdatedAt: session.UpdatedAt,
		}
		o.coordinator.StartBackground(context.Background(), inv.SessionKey, func(bgCtx context.Context) error {
			if _, err := o.engine.ConsolidateAll(bgCtx, snapshot); err != nil {
				o.logger.Warn("archive-on-reset consolidation failed", "session_key", inv.SessionKey, "error", err)
				return err
			}
			return nil
		})
	}

	session.Messages = nil
	session.LastConsolidated = 0
	session.UpdatedAt = time.Now()
	if err := o.store.Save(ctx, session); err != nil {
		return &commands.Result{Error: "Reset failed while saving the new session."}, nil
	}

	if force {
		return &commands.Result{Text: "Started a new session. (forced)"}, nil
	}
	return &commands.Result{Text: "Started a new session."}, nil
}
