// Package contextbuilder implements the Context Builder: token
// estimation, the six-step compaction pipeline, budgeted chunk packing,
// image recompression, and system prompt assembly with prompt-caching
// markers.
package contextbuilder

import "unicode/utf8"

// charsPerToken is the stdlib-only fallback ratio used when no BPE encoder
// is wired in; 4 characters per token is the conservative estimate used
// throughout this codebase.
const charsPerToken = 4

// Encoder estimates token counts for text, typically backed by a real BPE
// tokenizer for the active model. A nil Encoder falls back to the
// length/4 heuristic.
type Encoder interface {
	Count(text string) int
}

// EstimateTokens counts text's tokens using enc if provided, otherwise the
// length/4 fallback.
func EstimateTokens(enc Encoder, text string) int {
	if enc != nil {
		return enc.Count(text)
	}
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	tokens := (n + charsPerToken - 1) / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
