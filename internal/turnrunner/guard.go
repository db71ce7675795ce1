package turnrunner

import (
	"encoding/json"

	"github.com/haasonsaas/nexus/internal/contextbuilder"
	"github.com/haasonsaas/nexus/pkg/models"
)

// GuardLoopMessages repairs a session's message list before it is reused in
// a new turn: a prior turn that crashed or was interrupted mid-tool-call can
// leave a trailing assistant message whose tool_calls have no matching
// role=tool responses, which most providers reject outright. Any such
// dangling tool_calls are stripped so the turn can proceed.
func GuardLoopMessages(session *models.Session) {
	stripDanglingToolCalls(session.Messages)
}

func stripDanglingToolCalls(msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}

	satisfied := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == models.RoleTool && m.ToolCallID != "" {
			satisfied[m.ToolCallID] = true
		}
	}

	for i := range msgs {
		if msgs[i].Role != models.RoleAssistant || len(msgs[i].ToolCalls) == 0 {
			continue
		}
		kept := msgs[i].ToolCalls[:0:0]
		for _, tc := range msgs[i].ToolCalls {
			if satisfied[tc.ID] {
				kept = append(kept, tc)
			}
		}
		msgs[i].ToolCalls = kept
	}
}

// minRetainedMessages is the floor CompactForOverflow will not drop below,
// so a session never loses its entire recent context to a single overflow.
const minRetainedMessages = 4

// CompactForOverflow drops the oldest half of the session's non-tool-protocol
// messages when a provider reports the context window was exceeded, then
// retries the same turn. Tool-protocol messages (role=tool, or an assistant
// message with pending tool_calls) are never dropped in isolation: their
// whole exchange is dropped as a unit to avoid reintroducing the dangling
// tool_calls GuardLoopMessages exists to prevent.
func CompactForOverflow(session *models.Session) {
	msgs := session.Messages
	if len(msgs) <= minRetainedMessages {
		return
	}

	dropTarget := (len(msgs) - minRetainedMessages) / 2
	if dropTarget <= 0 {
		return
	}

	kept := make([]models.Message, 0, len(msgs))
	dropped := 0
	i := 0
	for ; i < len(msgs) && dropped < dropTarget; i++ {
		if msgs[i].IsToolProtocol() {
			// Drop the whole exchange: this message plus any immediately
			// following role=tool responses sharing its tool_calls.
			ids := make(map[string]bool, len(msgs[i].ToolCalls))
			for _, tc := range msgs[i].ToolCalls {
				ids[tc.ID] = true
			}
			dropped++
			j := i + 1
			for j < len(msgs) && msgs[j].Role == models.RoleTool && ids[msgs[j].ToolCallID] {
				dropped++
				j++
			}
			i = j - 1
			continue
		}
		dropped++
	}
	kept = append(kept, msgs[i:]...)
	session.Messages = kept
}

// defaultGuardContextTokens is the whole-prompt token budget GuardLoop fits
// the working message list into when the runner has no explicit budget.
const defaultGuardContextTokens = 128000

// guardReplyReserve is held back from the guard budget for the model's
// reply, matching the context builder's reservation.
const guardReplyReserve = 4096

// maxInTurnMessageChars caps a single tool-result or assistant-text message
// inside the current turn. Tool outputs routinely dwarf everything else in
// the prompt; truncating them in place keeps a multi-tool turn from eating
// the whole window before the prefix trimming below can help.
const maxInTurnMessageChars = 16000

const guardTruncationSuffix = "\n... (truncated)"

// GuardLoop re-fits the working message list before each provider call of a
// turn. The current turn's suffix (messages[currentTurnStart:]) is preserved
// intact except that oversized tool-result and assistant-text messages are
// truncated in place; the prefix history before it is re-trimmed, oldest
// exchange first, until everything fits budgetTokens. Dangling tool_calls
// are stripped the same way GuardLoopMessages does. Returns the new message
// list and the updated current-turn start index.
func GuardLoop(msgs []models.Message, currentTurnStart, budgetTokens int) ([]models.Message, int) {
	if currentTurnStart < 0 {
		currentTurnStart = 0
	}
	if currentTurnStart > len(msgs) {
		currentTurnStart = len(msgs)
	}
	if budgetTokens <= 0 {
		budgetTokens = defaultGuardContextTokens
	}

	stripDanglingToolCalls(msgs)

	for i := currentTurnStart; i < len(msgs); i++ {
		truncateOversizedInPlace(&msgs[i])
	}

	suffixTokens := estimateGuardTokens(msgs[currentTurnStart:])
	prefixBudget := budgetTokens - suffixTokens
	if prefixBudget < 0 {
		prefixBudget = 0
	}

	prefix := msgs[:currentTurnStart]
	for len(prefix) > 0 && estimateGuardTokens(prefix) > prefixBudget {
		prefix = dropOldestExchange(prefix)
	}

	if len(prefix) == currentTurnStart {
		return msgs, currentTurnStart
	}
	out := make([]models.Message, 0, len(prefix)+len(msgs)-currentTurnStart)
	out = append(out, prefix...)
	out = append(out, msgs[currentTurnStart:]...)
	return out, len(prefix)
}

// truncateOversizedInPlace caps a plain tool-result or assistant-text
// message at maxInTurnMessageChars, marking the cut.
func truncateOversizedInPlace(m *models.Message) {
	if m.Role != models.RoleAssistant && m.Role != models.RoleTool {
		return
	}
	text, ok := m.StringContent()
	if !ok || len(text) <= maxInTurnMessageChars {
		return
	}
	raw, err := json.Marshal(text[:maxInTurnMessageChars] + guardTruncationSuffix)
	if err == nil {
		m.Content = raw
	}
}

func estimateGuardTokens(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += contextbuilder.EstimateMessageTokens(nil, m) + 4
	}
	return total
}

// dropOldestExchange removes the first message of msgs; when that message
// carries tool_calls, the role=tool responses answering it go with it so no
// dangling reply is left behind.
func dropOldestExchange(msgs []models.Message) []models.Message {
	if len(msgs) == 0 {
		return msgs
	}
	cut := 1
	if len(msgs[0].ToolCalls) > 0 {
		ids := make(map[string]bool, len(msgs[0].ToolCalls))
		for _, tc := range msgs[0].ToolCalls {
			ids[tc.ID] = true
		}
		for cut < len(msgs) && msgs[cut].Role == models.RoleTool && ids[msgs[cut].ToolCallID] {
			cut++
		}
	}
	// Never leave an orphaned tool reply at the front.
	for cut < len(msgs) && msgs[cut].Role == models.RoleTool {
		cut++
	}
	return msgs[cut:]
}
