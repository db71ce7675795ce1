// Package subagentmgr implements the Subagent Manager: a
// bounded-concurrency pool of background Turn Runner invocations under a
// restricted tool registry, each reporting its outcome back onto the
// message bus as a synthetic inbound message.
package subagentmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/turnrunner"
	"github.com/haasonsaas/nexus/pkg/models"
)

// refusalMessage is returned verbatim when the pool is already at
// capacity.
const refusalMessage = "subagent pool is at capacity, try again shortly"

// excludedTools are never present in a subagent's tool registry so a subagent cannot reply directly to channels or
// recursively spawn further subagents.
var excludedTools = map[string]struct{}{
	"message": {},
	"spawn":   {},
}

// Config bounds the manager's behavior.
type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
	MaxIterations int

	// RequestTimeout bounds each provider call a subagent's turn runner
	// makes; zero falls back to the turn runner's own default.
	RequestTimeout time.Duration
}

// DefaultConfig supplies the values assumed elsewhere when a
// deployment doesn't override them.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 3, Timeout: 5 * time.Minute, MaxIterations: 15}
}

// Task describes one subagent invocation request.
type Task struct {
	SessionKey    string
	OriginChannel models.ChannelType
	OriginChatID  string
	Prompt        string
	SystemPrompt  string
}

type running struct {
	sessionKey string
	cancel     context.CancelFunc
}

// Manager runs bounded-concurrency background subagent turns.
type Manager struct {
	provider agent.LLMProvider
	tools    map[string]agent.Tool
	bus      *bus.Bus
	logger   *slog.Logger
	cfg      Config

	sem  chan struct{}
	mu   sync.Mutex
	runs map[string]*running
}

// New creates a Manager. tools is the full registry's tool set; excludedTools
// are stripped before it is handed to each subagent's Turn Runner.
func New(provider agent.LLMProvider, tools map[string]agent.Tool, b *bus.Bus, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg = DefaultConfig()
	}
	restricted := make(map[string]agent.Tool, len(tools))
	for name, t := range tools {
		if _, excluded := excludedTools[name]; excluded {
			continue
		}
		restricted[name] = t
	}
	return &Manager{
		provider: provider,
		tools:    restricted,
		bus:      b,
		logger:   logger.With("component", "subagentmgr"),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		runs:     make(map[string]*running),
	}
}

// Spawn starts a task in the background if the pool has capacity, returning
// the task ID. If the pool is full, it returns ("", false) and the caller
// should surface refusalMessage to the user.
func (m *Manager) Spawn(ctx context.Context, task Task) (string, bool) {
	select {
	case m.sem <- struct{}{}:
	default:
		return "", false
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	m.mu.Lock()
	m.runs[id] = &running{sessionKey: task.SessionKey, cancel: cancel}
	m.mu.Unlock()

	go m.run(runCtx, id, task)
	return id, true
}

// RefusalMessage is the fixed string to surface when Spawn returns ok=false.
func RefusalMessage() string { return refusalMessage }

func (m *Manager) run(ctx context.Context, id string, task Task) {
	defer func() {
		<-m.sem
		m.mu.Lock()
		delete(m.runs, id)
		m.mu.Unlock()
	}()

	runner := turnrunner.NewRunner(m.provider, turnrunner.MapInvoker(m.tools), m.logger)
	runner.MaxIterations = m.cfg.MaxIterations
	if m.cfg.RequestTimeout > 0 {
		runner.RequestTimeout = m.cfg.RequestTimeout
	}

	systemPrompt := task.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt(task, id)
	}
	session := &models.Session{Key: fmt.Sprintf("subagent:%s", id), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	session.Messages = append(session.Messages, models.NewTextMessage(models.RoleSystem, systemPrompt))
	userMsg := models.NewTextMessage(models.RoleUser, task.Prompt)

	start := time.Now()
	outcome, err := runner.Run(ctx, session, userMsg, nil, nil)
	elapsed := time.Since(start)

	status := "completed successfully"
	summary := lastAssistantText(session)
	if err != nil {
		status = "failed"
		summary = err.Error()
		m.logger.Warn("subagent task failed", "task_id", id, "session_key", task.SessionKey, "error", err)
	} else if !outcome.Completed {
		status = "failed"
		if summary == "" {
			summary = "subagent did not complete within its iteration limit"
		}
	}

	content := fmt.Sprintf("Subagent task %s: %s (ran %s, %d iterations)\n\n%s", status, id, formatDuration(elapsed), outcome.Iterations, summary)
	announcement := models.InboundMessage{
		Channel:    task.OriginChannel,
		ChatID:     task.OriginChatID,
		Content:    content,
		SessionKey: task.SessionKey,
		Metadata:   map[string]any{models.MetaToolHint: "subagent_result"},
	}
	publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.bus.PublishInbound(publishCtx, announcement); err != nil {
		m.logger.Warn("failed to publish subagent announcement", "task_id", id, "error", err)
	}
}

func lastAssistantText(session *models.Session) string {
	for i := len(session.Messages) - 1; i >= 0; i-- {
		m := session.Messages[i]
		if m.Role == models.RoleAssistant {
			return m.PlainText()
		}
	}
	return ""
}

// CancelBySession cancels every running task associated with sessionKey,
// returning how many were cancelled.
func (m *Manager) CancelBySession(sessionKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runs {
		if r.sessionKey != sessionKey {
			continue
		}
		r.cancel()
		delete(m.runs, id)
		n++
	}
	return n
}

// Running reports how many tasks are currently in flight.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}
