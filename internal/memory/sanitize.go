package memory

import (
	"regexp"
	"strings"
)

// SanitizeMetrics records what a Sanitize pass did, and is appended to
// observability/memory-update-sanitize-metrics.jsonl.
type SanitizeMetrics struct {
	InputSections    int      `json:"input_sections"`
	OutputSections   int      `json:"output_sections"`
	RejectedSections []string `json:"rejected_sections,omitempty"`
	FilteredLines    int      `json:"filtered_lines"`
	DedupedBullets   int      `json:"deduped_bullets"`
	Modified         bool     `json:"modified"`
}

// sectionRejectPatterns match an H2 heading whose whole section reads as a
// transient running commentary ("today's discussion", a raw date) rather
// than a durable fact, and drop the section outright. Each entry already
// requires both halves of its condition (topic word + discussion word) via a
// single combined regex, or is a standalone raw-date check.
var sectionRejectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(今天|今日|近期).*(讨论|主题)|(讨论|主题).*(今天|今日|近期)`),
	regexp.MustCompile(`(?i)(\b(today|recent)\b.*\b(discussion|topics?)\b|\b(discussion|topics?)\b.*\b(today|recent)\b)`),
	regexp.MustCompile(`\b20\d{2}-\d{2}-\d{2}\b`),
}

// transientStatusSectionPatterns match headings like "System Issues" or "API
// Status" whose section is kept only once lines matching
// transientStatusLinePatterns have been filtered out of it. Each entry
// requires both the domain word (system/api or their Chinese equivalents)
// and the status word to appear in the heading, in either order.
var transientStatusSectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\b(system|technical)\b.*\b(issues?|status)\b|\b(issues?|status)\b.*\b(system|technical)\b)`),
	regexp.MustCompile(`(?i)(\b(api|service)\b.*\b(issues?|status|errors?)\b|\b(issues?|status|errors?)\b.*\b(api|service)\b)`),
	regexp.MustCompile(`(系统|技术).*(问题|状态)|(问题|状态).*(系统|技术)`),
	regexp.MustCompile(`(接口|服务).*(问题|状态|报错)|(问题|状态|报错).*(接口|服务)`),
}

// transientStatusLinePatterns match an individual line that reports a
// point-in-time operational blip rather than a durable fact.
var transientStatusLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b20\d{2}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`(?i)\b(today|yesterday|recently|currently|temporary|temporarily)\b`),
	regexp.MustCompile(`(?i)\b(error|failed|failure|timeout|timed out|unavailable)\b`),
	regexp.MustCompile(`\b[45]\d{2}\b`),
	regexp.MustCompile(`报错|错误|失败|超时|不可用|临时`),
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// isTransientStatusSection reports whether heading reads as a transient
// system/API status section per transientStatusSectionPatterns. The Python
// reference requires the heading to satisfy one of the "domain" patterns
// (system/technical, api/service or their Chinese equivalents) together with
// a matching "issues/status" pattern; scanning the whole set with OR
// semantics over the combined regexes reproduces that behavior since each
// pair is itself a single pattern requiring both halves to match the
// heading.
func isTransientStatusSection(heading string) bool {
	return matchesAny(transientStatusSectionPatterns, heading)
}

// Sanitize filters a proposed candidate MEMORY.md document before it is
// merged with current: whole sections matching sectionRejectPatterns are
// dropped; sections matching transientStatusSectionPatterns are kept only
// with their transient-status lines (matching transientStatusLinePatterns)
// removed, and dropped entirely if nothing durable remains; bullets are then
// deduped per (heading, normalized text) pair. If every section is dropped,
// Sanitize returns current unchanged rather than writing an empty
// document. Sanitize is idempotent: Sanitize(Sanitize(c, cur), cur) ==
// Sanitize(c, cur).
func Sanitize(candidate, current string) (string, SanitizeMetrics) {
	var metrics SanitizeMetrics

	sections := ParseSections(candidate)
	metrics.InputSections = len(sections)

	kept := make([]Section, 0, len(sections))
	for _, sec := range sections {
		if matchesAny(sectionRejectPatterns, sec.Heading) {
			metrics.RejectedSections = append(metrics.RejectedSections, sec.Heading)
			continue
		}
		if isTransientStatusSection(sec.Heading) {
			filtered := make([]string, 0, len(sec.Lines))
			for _, line := range sec.Lines {
				if strings.TrimSpace(line) == "" {
					filtered = append(filtered, line)
					continue
				}
				if matchesAny(transientStatusLinePatterns, line) {
					metrics.FilteredLines++
					continue
				}
				filtered = append(filtered, line)
			}
			if len(trimTrailingBlank(filtered)) == 0 {
				metrics.RejectedSections = append(metrics.RejectedSections, sec.Heading)
				continue
			}
			sec.Lines = filtered
		}
		kept = append(kept, sec)
	}

	kept, deduped := dedupeBulletsBySection(kept)
	metrics.DedupedBullets = deduped
	metrics.OutputSections = len(kept)

	if len(kept) == 0 {
		metrics.Modified = strings.TrimSpace(candidate) != strings.TrimSpace(current)
		return current, metrics
	}

	rendered := RenderSections(kept)
	if !strings.HasSuffix(candidate, "\n") {
		rendered = strings.TrimRight(rendered, "\n")
	}
	metrics.Modified = rendered != candidate
	return rendered, metrics
}

// dedupeBulletsBySection removes bullets whose (heading, normalized text)
// pair has already been seen, preserving first occurrence and relative
// order; non-bullet lines are left untouched. It returns the deduped
// sections and the number of bullets removed.
func dedupeBulletsBySection(sections []Section) ([]Section, int) {
	removed := 0
	out := make([]Section, len(sections))
	for i, sec := range sections {
		seen := make(map[string]struct{}, len(sec.Lines))
		lines := make([]string, 0, len(sec.Lines))
		for _, line := range sec.Lines {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, "- ") {
				lines = append(lines, line)
				continue
			}
			key := sec.Heading + "\x00" + normalizeForDedup(trimmed[2:])
			if _, ok := seen[key]; ok {
				removed++
				continue
			}
			seen[key] = struct{}{}
			lines = append(lines, line)
		}
		out[i] = Section{Heading: sec.Heading, Lines: lines}
	}
	return out, removed
}
