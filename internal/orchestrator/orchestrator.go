// Package orchestrator implements the Message Orchestrator: the
// single consumer of the bus's inbound queue, responsible for per-session
// FIFO turn processing, slash-command dispatch, steering an in-flight turn
// when a follow-up message arrives, and scheduling background
// consolidation once a session's unconsolidated history crosses its
// configured window.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/commands"
	"github.com/haasonsaas/nexus/internal/consolidation"
	"github.com/haasonsaas/nexus/internal/contextbuilder"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/routing"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/subagentmgr"
	"github.com/haasonsaas/nexus/internal/toolregistry"
	"github.com/haasonsaas/nexus/internal/turnrunner"
	"github.com/haasonsaas/nexus/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Deps bundles every subsystem the Orchestrator wires together. Provided by
// the cmd/nexus serve wiring.
type Deps struct {
	Bus                *bus.Bus
	Sessions           sessions.Store
	ContextBuilder     *contextbuilder.Builder
	Provider           agent.LLMProvider
	Registry           *toolregistry.Registry
	ToolCatalog        []contextbuilder.ToolCatalogEntry
	Coordinator        *consolidation.Coordinator
	Engine             *consolidation.Engine
	Subagents          *subagentmgr.Manager
	StaticInstructions string
	MaxIterations      int
	MemoryWindow       int
	RecentDailyDays    int
	// ContextBudget is the whole-prompt token budget handed to the turn
	// runner's per-iteration guard; zero falls back to the runner's default.
	ContextBudget int
	// RequestTimeout bounds each provider call the turn runner makes; zero
	// falls back to the turn runner's own default.
	RequestTimeout time.Duration
	Logger         *slog.Logger

	// Metrics and Tracer are optional; a nil value disables the
	// corresponding instrumentation around each turn.
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// sessionState tracks the per-session FIFO queue and the cancel func for
// whatever turn is currently running for that session, if any.
type sessionState struct {
	mu        sync.Mutex
	busy      bool
	cancel    context.CancelFunc
	followups []models.InboundMessage
}

// Orchestrator is the Message Orchestrator.
type Orchestrator struct {
	bus            *bus.Bus
	store          sessions.Store
	ctxBuilder     *contextbuilder.Builder
	provider       agent.LLMProvider
	registry       *toolregistry.Registry
	toolCatalog    []contextbuilder.ToolCatalogEntry
	coordinator    *consolidation.Coordinator
	engine         *consolidation.Engine
	subagents      *subagentmgr.Manager
	staticInstr    string
	maxIterations  int
	memoryWindow   int
	recentDays     int
	contextBudget  int
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer

	cmdRegistry *commands.Registry
	cmdParser   *commands.Parser

	mu     sync.Mutex
	states map[string]*sessionState

	sentMu sync.Mutex
	sent   map[string]bool

	events *eventLog
}

// New creates an Orchestrator and registers its built-in slash commands.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := d.MaxIterations
	if maxIter <= 0 {
		maxIter = turnrunner.DefaultMaxIterations
	}
	memWindow := d.MemoryWindow
	if memWindow <= 0 {
		memWindow = 40
	}
	recentDays := d.RecentDailyDays
	if recentDays <= 0 {
		recentDays = 3
	}

	o := &Orchestrator{
		bus:            d.Bus,
		store:          d.Sessions,
		ctxBuilder:     d.ContextBuilder,
		provider:       d.Provider,
		registry:       d.Registry,
		toolCatalog:    d.ToolCatalog,
		coordinator:    d.Coordinator,
		engine:         d.Engine,
		subagents:      d.Subagents,
		staticInstr:    d.StaticInstructions,
		maxIterations:  maxIter,
		memoryWindow:   memWindow,
		recentDays:     recentDays,
		contextBudget:  d.ContextBudget,
		requestTimeout: d.RequestTimeout,
		logger:         logger.With("component", "orchestrator"),
		metrics:        d.Metrics,
		tracer:         d.Tracer,
		states:         make(map[string]*sessionState),
		sent:           make(map[string]bool),
		events:         newEventLog(200),
	}

	o.cmdRegistry = commands.NewRegistry(logger)
	o.cmdParser = commands.NewParser(o.cmdRegistry)
	o.registerBuiltinCommands()
	return o
}

// MarkSent implements message.SentTracker: the message tool calls this when
// it publishes a reply directly, so the turn's default outbound response is
// suppressed.
func (o *Orchestrator) MarkSent(sessionKey string) {
	o.sentMu.Lock()
	o.sent[sessionKey] = true
	o.sentMu.Unlock()
}

func (o *Orchestrator) wasSent(sessionKey string) bool {
	o.sentMu.Lock()
	defer o.sentMu.Unlock()
	return o.sent[sessionKey]
}

func (o *Orchestrator) clearSent(sessionKey string) {
	o.sentMu.Lock()
	delete(o.sent, sessionKey)
	o.sentMu.Unlock()
}

// Run consumes the bus's inbound queue until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		msg, err := o.bus.ConsumeInbound(ctx)
		if err != nil {
			return err
		}
		o.dispatch(ctx, msg)
	}
}

func sessionKeyOf(msg models.InboundMessage) string {
	if msg.SessionKey != "" {
		return msg.SessionKey
	}
	return models.SessionKey(string(msg.Channel), msg.ChatID)
}

func (o *Orchestrator) stateFor(key string) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[key]
	if !ok {
		st = &sessionState{}
		o.states[key] = st
	}
	return st
}

// dispatch routes one inbound message: slash commands run immediately
// (even mid-turn, so /stop can interrupt), everything else is either
// started as a new turn or queued as a follow-up behind the turn already
// running for this session key.
func (o *Orchestrator) dispatch(ctx context.Context, msg models.InboundMessage) {
	key := sessionKeyOf(msg)
	st := o.stateFor(key)

	// "/new!" (no space before the bang) is the forced-reset spelling; the
	// generic command parser's name charset excludes "!", so it is detected
	// here rather than via Parse.
	trimmed := strings.TrimSpace(msg.Content)
	if strings.HasPrefix(trimmed, "/new!") {
		rest := strings.TrimSpace(trimmed[len("/new!"):])
		o.handleCommand(ctx, key, st, msg, &commands.ParsedCommand{Name: "new", Args: "--force " + rest})
		return
	}

	if det := o.cmdParser.Parse(msg.Content); det.HasCommand && det.Primary != nil && !det.Primary.Inline {
		if _, ok := o.cmdRegistry.Get(det.Primary.Name); ok {
			o.handleCommand(ctx, key, st, msg, det.Primary)
			return
		}
	}

	st.mu.Lock()
	if st.busy {
		st.followups = append(st.followups, msg)
		st.mu.Unlock()
		return
	}
	st.busy = true
	st.mu.Unlock()

	go o.runSessionLoop(ctx, key, st, msg)
}

// runSessionLoop processes first, then drains any follow-ups queued while it
// (or a subsequent turn in this same loop) was running, before releasing the
// session back to dispatch.
func (o *Orchestrator) runSessionLoop(ctx context.Context, key string, st *sessionState, first models.InboundMessage) {
	current := first
	for {
		o.processTurn(ctx, key, st, current)

		st.mu.Lock()
		if len(st.followups) == 0 {
			st.busy = false
			st.mu.Unlock()
			return
		}
		current = st.followups[0]
		st.followups = st.followups[1:]
		st.mu.Unlock()
	}
}

func (o *Orchestrator) reply(ctx context.Context, msg models.InboundMessage, content string) {
	if content == "" {
		return
	}
	out := models.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: content}
	if id, ok := msg.Metadata[models.MetaMessageID]; ok {
		if s, ok := id.(string); ok {
			out.Metadata = map[string]any{models.MetaMessageID: s}
		}
	}
	publishCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := o.bus.PublishOutbound(publishCtx, out); err != nil {
		o.logger.Warn("publish outbound failed", "session_key", sessionKeyOf(msg), "error", err)
	}
}

func recentDayStrings(n int) []string {
	days := make([]string, 0, n)
	now := time.Now().UTC()
	for i := n - 1; i >= 0; i-- {
		days = append(days, now.AddDate(0, 0, -i).Format("2006-01-02"))
	}
	return days
}

// processTurn runs exactly one turn of the Turn Runner for msg against the
// session it belongs to, persisting only the newly produced messages and
// emitting the default outbound reply unless the message tool already sent
// one.
func (o *Orchestrator) processTurn(ctx context.Context, key string, st *sessionState, msg models.InboundMessage) {
	turnCtx, cancel := context.WithCancel(ctx)
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()
	defer func() {
		cancel()
		st.mu.Lock()
		st.cancel = nil
		st.mu.Unlock()
	}()

	turnCtx = routing.With(turnCtx, routing.Info{
		Channel:    string(msg.Channel),
		ChatID:     msg.ChatID,
		SessionKey: key,
	})

	session, err := o.store.Load(turnCtx, key)
	if err != nil {
		o.logger.Error("load session failed", "session_key", key, "error", err)
		o.reply(ctx, msg, "Something went wrong loading this conversation. Please try again.")
		return
	}

	userMsg := inboundToMessage(msg)
	out, err := o.ctxBuilder.BuildTurn(contextbuilder.Input{
		StaticInstructions: o.staticInstr,
		Session:            session,
		DailyDays:          recentDayStrings(o.recentDays),
		Tools:              o.toolCatalog,
		CurrentMessage:     &userMsg,
	})
	if err != nil {
		o.logger.Error("build turn context failed", "session_key", key, "error", err)
		o.reply(ctx, msg, "Something went wrong preparing a response. Please try again.")
		return
	}

	workSession := &models.Session{
		Key:       session.Key,
		Messages:  append([]models.Message{}, out.Messages...),
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
		Metadata:  session.Metadata,
	}
	turnrunner.GuardLoopMessages(workSession)

	runner := turnrunner.NewRunner(o.provider, o.registry, o.logger)
	runner.MaxIterations = o.maxIterations
	runner.SystemPrompt = out.SystemPrompt
	if o.requestTimeout > 0 {
		runner.RequestTimeout = o.requestTimeout
	}
	if o.contextBudget > 0 {
		runner.ContextBudget = o.contextBudget
	}

	o.clearSent(key)

	steer := func() turnrunner.SteerDecision {
		st.mu.Lock()
		defer st.mu.Unlock()
		n := len(st.followups)
		if n == 0 {
			return turnrunner.SteerDecision{}
		}
		return turnrunner.SteerDecision{
			Interrupt:            true,
			PendingFollowupCount: n,
			NextFollowupPreview:  st.followups[0].Content,
		}
	}

	emit := func(ev models.TurnEvent) { o.events.append(ev) }

	runSpanCtx := turnCtx
	var turnSpan trace.Span
	if o.tracer != nil {
		runSpanCtx, turnSpan = o.tracer.Start(turnCtx, "process_turn", observability.SpanOptions{
			Attributes: []attribute.KeyValue{
				attribute.String("channel", string(msg.Channel)),
				attribute.String("session_key", key),
			},
		})
	}
	outcome, runErr := runner.Run(runSpanCtx, workSession, userMsg, emit, steer)
	if runErr != nil {
		o.logger.Warn("turn failed", "session_key", key, "error", runErr)
	}

	if o.metrics != nil {
		status := "success"
		outcomeLabel := "success"
		if runErr != nil {
			status = "failed"
			outcomeLabel = "error"
		}
		o.metrics.RecordRunAttempt(status)
		o.metrics.RecordMessageProcessed(string(msg.Channel), outcomeLabel)
	}
	if turnSpan != nil {
		if runErr != nil {
			o.tracer.RecordError(turnSpan, runErr)
		}
		turnSpan.End()
	}

	// The runner's per-iteration guard may have trimmed the working copy's
	// prefix mid-turn, so the turn's own messages are addressed by the
	// outcome's start index rather than a pre-Run length.
	turnStart := outcome.TurnStartIndex
	if turnStart < 0 || turnStart > len(workSession.Messages) {
		turnStart = 0
	}
	newMessages := workSession.Messages[turnStart:]

	for _, m := range newMessages {
		session.Messages = append(session.Messages, persistMessage(m))
	}
	session.UpdatedAt = time.Now()

	if err := o.store.Save(turnCtx, session); err != nil {
		o.logger.Error("save session failed", "session_key", key, "error", err)
	}

	if runErr == nil && !o.wasSent(key) {
		if reply := lastAssistantReply(newMessages); reply != "" {
			o.reply(ctx, msg, reply)
		}
	} else if runErr != nil {
		o.reply(ctx, msg, "I ran into a problem completing that turn. Please try again.")
	}

	o.maybeScheduleConsolidation(key, session)
}

func inboundToMessage(msg models.InboundMessage) models.Message {
	if len(msg.Media) == 0 {
		return models.NewTextMessage(models.RoleUser, msg.Content)
	}
	blocks := []models.ContentBlock{{Type: models.ContentText, Text: msg.Content}}
	for _, a := range msg.Media {
		blocks = append(blocks, models.ContentBlock{Type: models.ContentImageURL, ImageURL: a.Path})
	}
	return models.NewBlocksMessage(models.RoleUser, blocks)
}

func lastAssistantReply(newMessages []models.Message) string {
	for i := len(newMessages) - 1; i >= 0; i-- {
		if newMessages[i].Role == models.RoleAssistant {
			if text := newMessages[i].PlainText(); text != "" {
				return text
			}
		}
	}
	return ""
}

// maybeScheduleConsolidation kicks off a background consolidation run once
// the session's unconsolidated tail crosses the configured memory window.
// It is fire-and-forget best-effort scheduling: a run
// already in flight for this key is left alone.
func (o *Orchestrator) maybeScheduleConsolidation(key string, session *models.Session) {
	if o.coordinator == nil || o.engine == nil {
		return
	}
	if len(session.Messages)-session.LastConsolidated < o.memoryWindow {
		return
	}
	o.coordinator.StartBackground(context.Background(), key, func(bgCtx context.Context) error {
		return o.runConsolidation(bgCtx, key)
	})
}

func (o *Orchestrator) runConsolidation(ctx context.Context, key string) error {
	session, err := o.store.Load(ctx, key)
	if err != nil {
		return err
	}
	result, err := o.engine.Consolidate(ctx, session)
	if err != nil {
		o.logger.Warn("consolidation failed", "session_key", key, "error", err)
		return err
	}
	if result.ChunksProcessed == 0 {
		return nil
	}
	if err := o.store.Save(ctx, session); err != nil {
		o.logger.Error("save session after consolidation failed", "session_key", key, "error", err)
		return err
	}
	o.logger.Info("consolidation completed", "session_key", key,
		"chunks", result.ChunksProcessed, "messages_covered", result.MessagesCovered, "resumed", result.Resumed)
	return nil
}
