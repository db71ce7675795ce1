// Package telegram implements the Telegram channel adapter using
// go-telegram/bot's long-polling client: every incoming text update is
// published onto the bus as an InboundMessage, and outbound replies are
// sent back via the bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/internal/policy"
	"github.com/haasonsaas/nexus/pkg/models"
)

// chatSettings holds the per-chat group-activation and send-policy overrides
// an admin has set via the /activation and /send commands. A nil field means
// "inherit the adapter default".
type chatSettings struct {
	activation *policy.GroupActivationMode
	send       *policy.SendPolicyOverride
}

// Adapter bridges a Telegram bot onto the bus.
type Adapter struct {
	channels.BaseHealth

	token  string
	bus    *bus.Bus
	logger *slog.Logger

	bot         *tgbot.Bot
	cancel      context.CancelFunc
	botUsername string

	// DefaultActivation governs group chats that haven't overridden it via
	// /activation; private chats always respond.
	DefaultActivation policy.GroupActivationMode

	mu       sync.Mutex
	settings map[string]*chatSettings
}

// New creates a Telegram adapter for the given bot token. The bot.Bot
// itself is constructed in Start so a bad token surfaces as a Start error
// rather than a panic in New.
func New(token string, b *bus.Bus, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		token:             token,
		bus:               b,
		logger:            logger.With("component", "channels.telegram"),
		DefaultActivation: policy.ActivationMention,
		settings:          make(map[string]*chatSettings),
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }

// Start creates the bot client and begins long-polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	opts := []tgbot.Option{
		tgbot.WithDefaultHandler(a.handleUpdate),
	}
	b, err := tgbot.New(a.token, opts...)
	if err != nil {
		a.SetError(err)
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	if me, meErr := b.GetMe(ctx); meErr == nil && me != nil {
		a.botUsername = me.Username
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.SetConnected(true)
	go a.bot.Start(runCtx)
	return nil
}

// Stop cancels the long-poll loop.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.SetConnected(false)
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *tgbot.Bot, update *tgmodels.Update) {
	if update == nil || update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := fmt.Sprintf("%d", update.Message.Chat.ID)
	text := update.Message.Text
	chatType := string(update.Message.Chat.Type)
	isGroup := chatType == "group" || chatType == "supergroup"

	if isGroup {
		if result := policy.ParseActivationCommand(text); result.HasCommand {
			a.setActivation(chatID, result.Mode)
			a.reply(ctx, update.Message.Chat.ID, activationAckText(result.Mode))
			return
		}
		if result := policy.ParseSendPolicyCommand(text); result.HasCommand {
			a.setSendPolicy(chatID, result.Mode)
			a.reply(ctx, update.Message.Chat.ID, sendPolicyAckText(result.Mode))
			return
		}
		if !a.shouldActivate(chatID, text) {
			return
		}
	}

	msg := models.InboundMessage{
		Channel:  models.ChannelTelegram,
		SenderID: senderID(update.Message.From),
		ChatID:   chatID,
		Content:  text,
		Metadata: map[string]any{models.MetaMessageID: fmt.Sprintf("%d", update.Message.ID)},
	}
	if err := a.bus.PublishInbound(ctx, msg); err != nil {
		a.SetError(err)
		a.logger.Warn("publish inbound failed", "error", err)
	}
}

// shouldActivate reports whether a group message should be forwarded to the
// agent: "always" mode forwards everything, "mention" mode only forwards
// messages that @-mention the bot's own username.
func (a *Adapter) shouldActivate(chatID, text string) bool {
	mode := a.activationFor(chatID)
	if mode == policy.ActivationAlways {
		return true
	}
	if a.botUsername == "" {
		return true
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(a.botUsername))
}

func (a *Adapter) activationFor(chatID string) policy.GroupActivationMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.settings[chatID]; ok && s.activation != nil {
		return *s.activation
	}
	if a.DefaultActivation == "" {
		return policy.ActivationMention
	}
	return a.DefaultActivation
}

func (a *Adapter) setActivation(chatID string, mode *policy.GroupActivationMode) {
	if mode == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.settingsFor(chatID)
	s.activation = mode
}

func (a *Adapter) setSendPolicy(chatID, mode string) {
	if mode == "" {
		// No argument supplied: just acknowledge, leave the existing
		// override (or lack of one) untouched.
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.settingsFor(chatID)
	if mode == string(policy.SendPolicyInherit) {
		s.send = nil
		return
	}
	s.send = policy.NormalizeSendPolicyOverride(mode)
}

// settingsFor returns chatID's settings entry, creating it if absent. Caller
// must hold a.mu.
func (a *Adapter) settingsFor(chatID string) *chatSettings {
	s, ok := a.settings[chatID]
	if !ok {
		s = &chatSettings{}
		a.settings[chatID] = s
	}
	return s
}

// sendAllowed reports whether outbound delivery to chatID is permitted: a
// /send deny override mutes the bot in that chat without leaving the group.
func (a *Adapter) sendAllowed(chatID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.settings[chatID]
	if !ok || s.send == nil {
		return true
	}
	return *s.send != policy.SendPolicyDeny
}

func (a *Adapter) reply(ctx context.Context, chatID int64, text string) {
	if a.bot == nil {
		return
	}
	if _, err := a.bot.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		a.logger.Warn("activation command ack failed", "error", err)
	}
}

func activationAckText(mode *policy.GroupActivationMode) string {
	if mode == nil {
		return "Usage: /activation mention|always"
	}
	return fmt.Sprintf("Activation mode set to %q for this chat.", *mode)
}

func sendPolicyAckText(mode string) string {
	if mode == "" {
		return "Usage: /send allow|deny|inherit"
	}
	return fmt.Sprintf("Send policy set to %q for this chat.", mode)
}

func senderID(from *tgmodels.User) string {
	if from == nil {
		return ""
	}
	return fmt.Sprintf("%d", from.ID)
}

// Send implements channels.Adapter by posting msg back to the originating
// chat via the bot API, unless that chat has muted the bot via /send deny.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	if a.bot == nil {
		return fmt.Errorf("telegram: adapter not started")
	}
	if !a.sendAllowed(msg.ChatID) {
		return nil
	}
	params := &tgbot.SendMessageParams{
		ChatID: msg.ChatID,
		Text:   msg.Content,
	}
	_, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		a.SetError(err)
	}
	return err
}
