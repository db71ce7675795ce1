package contextbuilder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Budget bounds one Build call.
type Budget struct {
	ContextWindow   int
	ReserveForReply int
	RecentDailyDays int
}

// DefaultBudget is used when the caller doesn't override it.
func DefaultBudget() Budget {
	return Budget{ContextWindow: 128000, ReserveForReply: 4096, RecentDailyDays: 3}
}

// ToolCatalogEntry describes one tool for the static/dynamic system prompt
// block, grouped by Category.
type ToolCatalogEntry struct {
	Name        string
	Description string
	Category    string

	// RequiredParams lists the parameters the tool's schema marks required;
	// always emitted so the model knows the minimal call shape even when
	// compact mode suppresses the description.
	RequiredParams []string

	// RiskNote flags a tool whose misuse is costly (shell execution, file
	// writes, outbound messages). Emitted in full mode only.
	RiskNote string
}

// preferredToolOrder pins well-known tools to the front of their capability
// group; tools not listed sort alphabetically after these.
var preferredToolOrder = map[string]int{
	"message":     0,
	"exec":        1,
	"read_file":   2,
	"write_file":  3,
	"edit_file":   4,
	"apply_patch": 5,
	"web_search":  6,
	"web_fetch":   7,
	"spawn":       8,
	"cron":        9,
}

// Compact-mode thresholds: past either one, per-tool descriptions and risk
// notes are suppressed and only the name plus required parameters are
// emitted, keeping a large tool set from crowding out conversation budget.
const (
	compactModeToolThreshold = 20
	compactModeCharThreshold = 3000
)

// Input is everything Build needs to assemble one turn's prompt.
type Input struct {
	StaticInstructions string
	Session            *models.Session
	MemoryStore        *memory.Store
	DailyDays          []string // "YYYY-MM-DD" days to pull, most recent last
	Tools              []ToolCatalogEntry
	Encoder            Encoder
	Budget             Budget

	// CurrentMessage is the inbound user message this turn answers. It is
	// not appended to Messages (the turn runner does that); Build charges
	// its tokens against the history budget and drops a trailing history
	// user message that would duplicate it.
	CurrentMessage *models.Message
}

// Output is the assembled prompt plus bookkeeping about what had to be
// dropped to fit the budget.
type Output struct {
	SystemPrompt    string
	Messages        []models.Message
	EstimatedTokens int
	DroppedMessages int
	DroppedImages   int
}

// Build runs the six-step pipeline: load memory, load recent daily context,
// assemble the system prompt (static instructions + dynamic memory/daily
// blocks + grouped tool catalog, with prompt-caching markers on the static
// portion), pack as much history as fits, recompress any oversized image
// attachments, and finally verify the whole assembly against budget,
// trimming further if it still doesn't fit.
func Build(in Input) (Output, error) {
	budget := in.Budget
	if budget.ContextWindow <= 0 {
		budget = DefaultBudget()
	}

	// Step 1: load memory.
	var memorySections []memory.Section
	if in.MemoryStore != nil {
		sections, err := in.MemoryStore.ReadMemory()
		if err != nil {
			return Output{}, fmt.Errorf("contextbuilder: load memory: %w", err)
		}
		memorySections = sections
	}

	// Step 2: load recent daily context.
	var dailyBlocks []string
	if in.MemoryStore != nil {
		for _, day := range recentDays(in.DailyDays, budget.RecentDailyDays) {
			t, err := time.Parse("2006-01-02", day)
			if err != nil {
				continue
			}
			sections, err := in.MemoryStore.ReadDaily(t)
			if err != nil || len(sections) == 0 {
				continue
			}
			dailyBlocks = append(dailyBlocks, "### "+day+"\n\n"+memory.RenderSections(sections))
		}
	}

	// Step 3: assemble system prompt.
	systemPrompt := assembleSystemPrompt(in.StaticInstructions, memorySections, dailyBlocks, in.Tools)
	systemTokens := EstimateTokens(in.Encoder, systemPrompt)

	currentTokens := 0
	if in.CurrentMessage != nil {
		currentTokens = EstimateMessageTokens(in.Encoder, *in.CurrentMessage)
	}
	available := budget.ContextWindow - budget.ReserveForReply - systemTokens - currentTokens
	if available < 0 {
		available = 0
	}

	// Step 4: compact the history, then pack whole user-anchored chunks,
	// newest first, into the remaining budget.
	history := CompactHistory(sessionMessages(in.Session))
	packed, _ := packChunks(in.Encoder, history, available)
	dropped := len(sessionMessages(in.Session)) - len(packed)

	// A trimmed history ending on the same user text as the new current
	// message would make the model see the question twice.
	if in.CurrentMessage != nil && len(packed) > 0 {
		last := packed[len(packed)-1]
		if last.Role == models.RoleUser {
			lastText, lok := last.StringContent()
			curText, cok := in.CurrentMessage.StringContent()
			if lok && cok && lastText == curText {
				packed = packed[:len(packed)-1]
			}
		}
	}

	// Step 5: recompress oversized image attachments.
	packed, droppedImages := recompressAttachments(packed)

	out := Output{
		SystemPrompt:    systemPrompt,
		Messages:        packed,
		DroppedMessages: dropped,
		DroppedImages:   droppedImages,
	}
	out.EstimatedTokens = systemTokens + currentTokens + estimateMessagesTokens(in.Encoder, packed)

	// Step 6: finalize — if still over budget (e.g. a single oversized
	// message survived packing), drop oldest non-protocol messages until it
	// fits or nothing more can be safely removed.
	for out.EstimatedTokens > budget.ContextWindow-budget.ReserveForReply && len(out.Messages) > 1 {
		if !dropOldestNonProtocol(&out) {
			break
		}
		out.EstimatedTokens = systemTokens + currentTokens + estimateMessagesTokens(in.Encoder, out.Messages)
	}

	return out, nil
}

func sessionMessages(s *models.Session) []models.Message {
	if s == nil {
		return nil
	}
	return s.Messages
}

func recentDays(days []string, max int) []string {
	if max <= 0 || len(days) <= max {
		return days
	}
	sorted := append([]string{}, days...)
	sort.Strings(sorted)
	return sorted[len(sorted)-max:]
}

func assembleSystemPrompt(static string, memorySections []memory.Section, dailyBlocks []string, tools []ToolCatalogEntry) string {
	var b strings.Builder

	b.WriteString("<!-- cache:static:v1 -->\n")
	b.WriteString(strings.TrimSpace(static))
	b.WriteString("\n<!-- /cache:static:v1 -->\n\n")

	if len(memorySections) > 0 {
		b.WriteString("## Memory\n\n")
		b.WriteString(memory.RenderSections(memorySections))
		b.WriteString("\n")
	}

	if len(dailyBlocks) > 0 {
		b.WriteString("## Recent activity\n\n")
		b.WriteString(strings.Join(dailyBlocks, "\n"))
		b.WriteString("\n\n")
	}

	if len(tools) > 0 {
		b.WriteString("## Available tools\n\n")
		b.WriteString(renderToolCatalog(tools))
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func renderToolCatalog(tools []ToolCatalogEntry) string {
	full := renderToolCatalogMode(tools, false)
	if len(tools) > compactModeToolThreshold || len(full) > compactModeCharThreshold {
		return renderToolCatalogMode(tools, true)
	}
	return full
}

func renderToolCatalogMode(tools []ToolCatalogEntry, compact bool) string {
	grouped := make(map[string][]ToolCatalogEntry)
	var categories []string
	for _, t := range tools {
		cat := t.Category
		if cat == "" {
			cat = "General"
		}
		if _, ok := grouped[cat]; !ok {
			categories = append(categories, cat)
		}
		grouped[cat] = append(grouped[cat], t)
	}
	sort.Strings(categories)

	var b strings.Builder
	for _, cat := range categories {
		b.WriteString("### ")
		b.WriteString(cat)
		b.WriteString("\n")
		entries := grouped[cat]
		sort.Slice(entries, func(i, j int) bool {
			ri, rj := preferredRank(entries[i].Name), preferredRank(entries[j].Name)
			if ri != rj {
				return ri < rj
			}
			return entries[i].Name < entries[j].Name
		})
		for _, t := range entries {
			if compact {
				fmt.Fprintf(&b, "- `%s`%s\n", t.Name, requiredSuffix(t))
				continue
			}
			fmt.Fprintf(&b, "- `%s`: %s%s", t.Name, t.Description, requiredSuffix(t))
			if t.RiskNote != "" {
				fmt.Fprintf(&b, " [risk: %s]", t.RiskNote)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func preferredRank(name string) int {
	if r, ok := preferredToolOrder[name]; ok {
		return r
	}
	return len(preferredToolOrder)
}

func requiredSuffix(t ToolCatalogEntry) string {
	if len(t.RequiredParams) == 0 {
		return ""
	}
	return " (required: " + strings.Join(t.RequiredParams, ", ") + ")"
}

func estimateMessagesTokens(enc Encoder, messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessageTokens(enc, m) + 4
	}
	return total
}

func dropOldestNonProtocol(out *Output) bool {
	for i, m := range out.Messages {
		if !m.IsToolProtocol() {
			out.Messages = append(out.Messages[:i], out.Messages[i+1:]...)
			out.DroppedMessages++
			return true
		}
	}
	return false
}
