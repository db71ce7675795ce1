package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Persisted history never carries a turn's internal reasoning trace, and
// long tool/assistant text is truncated rather than stored in full, so a
// session file stays small and quick to reload even across thousands of
// turns.
const (
	assistantPersistCharLimit = 300
	toolPersistCharLimit      = 500
)

// persistMessage applies the session-persistence rules to one message
// freshly produced by a turn before it is appended to the real session.
func persistMessage(m models.Message) models.Message {
	m.ReasoningContent = ""
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	if blocks, ok := m.Blocks(); ok {
		changed := false
		for i, b := range blocks {
			if b.Type == models.ContentImageURL {
				blocks[i] = models.ContentBlock{Type: models.ContentText, Text: "[image]"}
				changed = true
			}
		}
		if changed {
			raw, err := json.Marshal(blocks)
			if err == nil {
				m.Content = raw
			}
		}
		return m
	}

	var limit int
	switch m.Role {
	case models.RoleAssistant:
		limit = assistantPersistCharLimit
	case models.RoleTool:
		limit = toolPersistCharLimit
	default:
		return m
	}
	if text, ok := m.StringContent(); ok && len(text) > limit {
		truncated := text[:limit] + "... (truncated)"
		raw, err := json.Marshal(truncated)
		if err == nil {
			m.Content = raw
		}
	}
	return m
}
