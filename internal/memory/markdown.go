// Package memory implements the two-layer persistent memory store described
// of the memory layer: a long-term MEMORY.md of stable facts, an append-only
// HISTORY.md, and per-day YYYY-MM-DD.md files with fixed sections. It also
// implements the sanitize/merge/guard policies and daily routing that gate
// every write to MEMORY.md and the daily files.
package memory

import (
	"regexp"
	"strings"
)

// Section is one "## Heading" block of a markdown memory file, in source
// order, holding its body lines verbatim (not including the heading line).
type Section struct {
	Heading string
	Lines   []string
}

var h2Pattern = regexp.MustCompile(`^##\s+(.+?)\s*$`)

// ParseSections splits text into an ordered list of H2 sections. Any content
// before the first "## " heading is discarded (the memory files are defined
// entirely in terms of H2 sections).
func ParseSections(text string) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	var cur *Section
	for _, line := range lines {
		if m := h2Pattern.FindStringSubmatch(line); m != nil {
			if cur != nil {
				sections = append(sections, *cur)
			}
			cur = &Section{Heading: strings.TrimSpace(m[1])}
			continue
		}
		if cur != nil {
			cur.Lines = append(cur.Lines, line)
		}
	}
	if cur != nil {
		sections = append(sections, *cur)
	}
	return sections
}

// RenderSections reassembles sections back into markdown text, one blank
// line between sections.
func RenderSections(sections []Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(s.Heading)
		b.WriteString("\n")
		for _, line := range trimTrailingBlank(s.Lines) {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func trimTrailingBlank(lines []string) []string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	start := 0
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	return lines[start:end]
}

// BulletLines returns the subset of a section's lines that are top-level
// bullets ("- ...").
func (s Section) BulletLines() []string {
	var out []string
	for _, l := range s.Lines {
		if strings.HasPrefix(strings.TrimSpace(l), "- ") {
			out = append(out, l)
		}
	}
	return out
}

// normalizeForDedup lowercases and collapses internal whitespace, used for
// case-insensitive, whitespace-normalized bullet/line comparison throughout
// sanitize/merge/guard.
func normalizeForDedup(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}

// dedupeLines removes lines whose normalized form has already been seen,
// preserving the first occurrence's position (order-preserving dedup).
func dedupeLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		key := normalizeForDedup(l)
		if key == "" {
			out = append(out, l)
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, l)
	}
	return out
}

var dateTokenPattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

func containsDateToken(s string) bool {
	return dateTokenPattern.MatchString(s)
}

var httpPattern = regexp.MustCompile(`(?i)https?://`)

func containsURL(s string) bool {
	return httpPattern.MatchString(s)
}

var codeFencePattern = regexp.MustCompile("```")

func containsCodeFence(s string) bool {
	return codeFencePattern.MatchString(s)
}
