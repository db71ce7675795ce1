package memory

import (
	"regexp"
	"strings"
)

// GuardReason names why a candidate MEMORY.md document was rejected outright
// rather than written over the current one. Exactly nine reasons exist
//; every rejection is attributed to one of them, and each is
// appended to observability/memory-update-guard-metrics.jsonl.
type GuardReason string

const (
	GuardReasonEmptyCandidate    GuardReason = "empty_candidate"
	GuardReasonCandidateTooLong  GuardReason = "candidate_too_long"
	GuardReasonContainsCodeBlock GuardReason = "contains_code_block"
	GuardReasonExcessiveShrink   GuardReason = "excessive_shrink"
	GuardReasonUnstructured      GuardReason = "unstructured_candidate"
	GuardReasonDateLineOverflow  GuardReason = "date_line_overflow"
	GuardReasonURLLineOverflow   GuardReason = "url_line_overflow"
	GuardReasonDuplicateLine     GuardReason = "duplicate_line_overflow"
	GuardReasonHeadingRetention  GuardReason = "heading_retention_too_low"
)

const (
	guardShrinkRatio        = 0.4
	guardMinHeadingRetain   = 0.5
	guardMinStructuredChars = 120
	guardMaxChars           = 12_000
	guardURLLineMinCount    = 3
	guardURLLineRatio       = 0.2
	guardDateLineMinCount   = 3
	guardDateLineRatio      = 0.2
	guardDuplicateMinCount  = 4
	guardDuplicateRatio     = 0.4
)

var guardDateTokenPattern = regexp.MustCompile(`\b20\d{2}-\d{2}-\d{2}\b`)

// GuardMetrics records the outcome of one Guard evaluation.
type GuardMetrics struct {
	Accepted bool        `json:"accepted"`
	Reason   GuardReason `json:"reason,omitempty"`
}

// Guard decides whether candidate is safe to write over current as the new
// MEMORY.md. It operates on the two full documents, after Sanitize and the
// section-level merge have already run, and never rejects against an empty
// current memory since there is nothing yet to regress from.
func Guard(current, candidate string) GuardMetrics {
	current = strings.TrimSpace(current)
	candidate = strings.TrimSpace(candidate)

	if candidate == "" {
		return GuardMetrics{Reason: GuardReasonEmptyCandidate}
	}
	if current == "" {
		return GuardMetrics{Accepted: true}
	}

	currentLen := len(current)
	candidateLen := len(candidate)

	if candidateLen > guardMaxChars {
		return GuardMetrics{Reason: GuardReasonCandidateTooLong}
	}
	if strings.Contains(candidate, "```") {
		return GuardMetrics{Reason: GuardReasonContainsCodeBlock}
	}
	if currentLen >= 200 && candidateLen < int(float64(currentLen)*guardShrinkRatio) {
		return GuardMetrics{Reason: GuardReasonExcessiveShrink}
	}
	if candidateLen >= guardMinStructuredChars && !hasStructuredMarkers(candidate) {
		return GuardMetrics{Reason: GuardReasonUnstructured}
	}

	var nonEmptyLines []string
	for _, l := range strings.Split(candidate, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			nonEmptyLines = append(nonEmptyLines, t)
		}
	}
	if len(nonEmptyLines) > 0 {
		dateLines := 0
		for _, l := range nonEmptyLines {
			if guardDateTokenPattern.MatchString(l) {
				dateLines++
			}
		}
		if dateLines >= guardDateLineMinCount && float64(dateLines)/float64(len(nonEmptyLines)) >= guardDateLineRatio {
			return GuardMetrics{Reason: GuardReasonDateLineOverflow}
		}

		urlLines := 0
		for _, l := range nonEmptyLines {
			if strings.Contains(l, "http://") || strings.Contains(l, "https://") {
				urlLines++
			}
		}
		if urlLines >= guardURLLineMinCount && float64(urlLines)/float64(len(nonEmptyLines)) >= guardURLLineRatio {
			return GuardMetrics{Reason: GuardReasonURLLineOverflow}
		}

		var contentLines []string
		for _, l := range nonEmptyLines {
			if strings.HasPrefix(l, "## ") {
				continue
			}
			c := l
			if strings.HasPrefix(c, "- ") {
				c = strings.TrimSpace(c[2:])
			}
			if c = normalizeForDedup(c); c != "" {
				contentLines = append(contentLines, c)
			}
		}
		if len(contentLines) > 0 {
			counts := make(map[string]int, len(contentLines))
			maxCount := 0
			for _, l := range contentLines {
				counts[l]++
				if counts[l] > maxCount {
					maxCount = counts[l]
				}
			}
			if maxCount >= guardDuplicateMinCount && float64(maxCount)/float64(len(contentLines)) >= guardDuplicateRatio {
				return GuardMetrics{Reason: GuardReasonDuplicateLine}
			}
		}
	}

	if currentHeadings := extractH2Headings(current); len(currentHeadings) > 0 {
		candidateSet := make(map[string]struct{}, len(currentHeadings))
		for _, h := range extractH2Headings(candidate) {
			candidateSet[h] = struct{}{}
		}
		kept := 0
		for _, h := range currentHeadings {
			if _, ok := candidateSet[h]; ok {
				kept++
			}
		}
		if float64(kept)/float64(len(currentHeadings)) < guardMinHeadingRetain {
			return GuardMetrics{Reason: GuardReasonHeadingRetention}
		}
	}

	return GuardMetrics{Accepted: true}
}

func hasStructuredMarkers(text string) bool {
	for _, raw := range strings.Split(text, "\n") {
		l := strings.TrimSpace(raw)
		if l == "" {
			continue
		}
		if strings.HasPrefix(l, "## ") || strings.HasPrefix(l, "- ") {
			return true
		}
	}
	return false
}

func extractH2Headings(text string) []string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		if strings.HasPrefix(raw, "## ") {
			if h := strings.TrimSpace(raw[3:]); h != "" {
				out = append(out, h)
			}
		}
	}
	return out
}
