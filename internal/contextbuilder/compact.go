package contextbuilder

import (
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	// slidingWindowUserTurns is how many of the most recent user turns
	// survive compaction; everything older is dropped wholesale.
	slidingWindowUserTurns = 20

	// assistantTextLimit caps a plain assistant reply kept in history.
	assistantTextLimit = 300

	truncationSuffix = "\n... (truncated)"
)

// errorEchoPrefixes identify assistant messages that merely echo a provider
// failure back into history; re-sending them wastes budget and teaches the
// model to apologize in loops.
var errorEchoPrefixes = []string{
	"Error calling LLM:",
	"error:",
	"Error:",
}

// CompactHistory applies the history compaction pipeline, in order: sliding
// window, error-echo removal, long-reply truncation, consecutive-duplicate
// removal, same-role run collapsing, and leading-non-user removal. Tool
// protocol messages (role=tool, or carrying tool_calls/tool_call_id) are
// never truncated, merged, or deduplicated here; they are only dropped when
// the sliding window cuts their whole turn away.
func CompactHistory(messages []models.Message) []models.Message {
	out := slidingWindow(messages, slidingWindowUserTurns)
	out = removeErrorEchoes(out)
	out = truncateLongAssistantReplies(out)
	out = dedupeConsecutive(out)
	out = collapseRuns(out)
	out = dropLeadingNonUser(out)
	return out
}

// plainText returns a message's content when it is a plain string and the
// message is not part of the tool protocol.
func plainText(m models.Message) (string, bool) {
	if m.IsToolProtocol() {
		return "", false
	}
	return m.StringContent()
}

func slidingWindow(messages []models.Message, userTurns int) []models.Message {
	if userTurns <= 0 {
		return messages
	}
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			seen++
			if seen == userTurns {
				return messages[i:]
			}
		}
	}
	return messages
}

func removeErrorEchoes(messages []models.Message) []models.Message {
	out := messages[:0:0]
	for _, m := range messages {
		if m.Role == models.RoleAssistant {
			if text, ok := plainText(m); ok {
				echoed := false
				for _, prefix := range errorEchoPrefixes {
					if strings.HasPrefix(text, prefix) {
						echoed = true
						break
					}
				}
				if echoed {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}

func truncateLongAssistantReplies(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	copy(out, messages)
	for i, m := range out {
		if m.Role != models.RoleAssistant {
			continue
		}
		text, ok := plainText(m)
		if !ok || len(text) <= assistantTextLimit {
			continue
		}
		out[i] = models.NewTextMessage(models.RoleAssistant, text[:assistantTextLimit]+truncationSuffix)
		out[i].Timestamp = m.Timestamp
	}
	return out
}

func dedupeConsecutive(messages []models.Message) []models.Message {
	out := messages[:0:0]
	for _, m := range messages {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Role == m.Role {
				prevText, prevOK := plainText(prev)
				text, ok := plainText(m)
				if prevOK && ok && prevText == text {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}

// collapseRuns reduces consecutive same-role plain messages: a run of user
// messages keeps only its last, a run of plain assistant messages is merged
// into one by newline concatenation. Any tool-protocol message ends a run.
func collapseRuns(messages []models.Message) []models.Message {
	out := messages[:0:0]
	for _, m := range messages {
		if len(out) == 0 {
			out = append(out, m)
			continue
		}
		prev := &out[len(out)-1]
		prevText, prevOK := plainText(*prev)
		text, ok := plainText(m)
		if !prevOK || !ok || prev.Role != m.Role {
			out = append(out, m)
			continue
		}
		switch m.Role {
		case models.RoleUser:
			*prev = m
		case models.RoleAssistant:
			merged := models.NewTextMessage(models.RoleAssistant, prevText+"\n"+text)
			merged.Timestamp = m.Timestamp
			*prev = merged
		default:
			out = append(out, m)
		}
	}
	return out
}

func dropLeadingNonUser(messages []models.Message) []models.Message {
	for i, m := range messages {
		if m.Role == models.RoleUser {
			return messages[i:]
		}
	}
	return nil
}

// EstimateMessageTokens estimates one message's token footprint: its content
// text (image_url blocks count as len(url)/4), tool_call_id, name, and every
// tool_calls entry's id, type, function name, and serialized arguments.
func EstimateMessageTokens(enc Encoder, m models.Message) int {
	total := 0
	if text, ok := m.StringContent(); ok {
		total += EstimateTokens(enc, text)
	} else if blocks, ok := m.Blocks(); ok {
		for _, b := range blocks {
			switch b.Type {
			case models.ContentText:
				total += EstimateTokens(enc, b.Text)
			case models.ContentImageURL:
				total += len(b.ImageURL) / charsPerToken
			}
		}
	}
	total += EstimateTokens(enc, m.ToolCallID)
	total += EstimateTokens(enc, m.Name)
	for _, tc := range m.ToolCalls {
		total += EstimateTokens(enc, tc.ID)
		total += EstimateTokens(enc, tc.Type)
		total += EstimateTokens(enc, tc.Function.Name)
		total += EstimateTokens(enc, tc.Function.Arguments)
	}
	return total
}

// splitUserChunks groups a compacted history into chunks anchored at each
// user message: a chunk is one user message plus everything up to (not
// including) the next user message, so a tool-call exchange always travels
// with the turn that caused it.
func splitUserChunks(messages []models.Message) [][]models.Message {
	var chunks [][]models.Message
	start := -1
	for i, m := range messages {
		if m.Role == models.RoleUser {
			if start >= 0 {
				chunks = append(chunks, messages[start:i])
			}
			start = i
		}
	}
	if start >= 0 {
		chunks = append(chunks, messages[start:])
	} else if len(messages) > 0 {
		chunks = append(chunks, messages)
	}
	return chunks
}

// packChunks keeps whole user-anchored chunks from the most recent backward
// while they fit within budget tokens. A chunk that does not fit ends the
// walk; partial chunks are never included. Returns the packed history and
// the number of messages dropped.
func packChunks(enc Encoder, messages []models.Message, budget int) ([]models.Message, int) {
	chunks := splitUserChunks(messages)
	if len(chunks) == 0 {
		return nil, len(messages)
	}

	total := 0
	firstKept := len(chunks)
	for i := len(chunks) - 1; i >= 0; i-- {
		chunkTokens := 0
		for _, m := range chunks[i] {
			chunkTokens += EstimateMessageTokens(enc, m) + 4
		}
		if total+chunkTokens > budget {
			break
		}
		total += chunkTokens
		firstKept = i
	}

	var packed []models.Message
	dropped := 0
	for i, c := range chunks {
		if i < firstKept {
			dropped += len(c)
			continue
		}
		packed = append(packed, c...)
	}
	return packed, dropped
}
