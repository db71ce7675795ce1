package memory

import "strings"

// MergeMetrics records what a Merge pass did, appended to
// observability/memory-update-outcome.jsonl alongside the guard outcome.
type MergeMetrics struct {
	SectionsTouched int `json:"sections_touched"`
	BulletsAdded    int `json:"bullets_added"`
	BulletsKept     int `json:"bullets_kept"`
}

// Merge unions newBullets into existing's matching section (by
// case-insensitive heading match), appending sections that don't yet exist.
// Within a touched section, bullets are deduplicated case/whitespace
// insensitively and existing order is preserved, new bullets appended at the
// end of the section.
func Merge(existing []Section, updates map[string][]string) ([]Section, MergeMetrics) {
	var metrics MergeMetrics

	index := make(map[string]int, len(existing))
	for i, s := range existing {
		index[normalizeForDedup(s.Heading)] = i
	}

	result := make([]Section, len(existing))
	copy(result, existing)

	// Stable order for new sections not present yet.
	var newHeadings []string
	for heading := range updates {
		if _, ok := index[normalizeForDedup(heading)]; !ok {
			newHeadings = append(newHeadings, heading)
		}
	}

	for heading, bullets := range updates {
		key := normalizeForDedup(heading)
		if i, ok := index[key]; ok {
			before := len(result[i].BulletLines())
			merged := dedupeLines(append(append([]string{}, result[i].Lines...), bullets...))
			result[i].Lines = merged
			after := len(result[i].BulletLines())
			metrics.SectionsTouched++
			metrics.BulletsKept += before
			if after > before {
				metrics.BulletsAdded += after - before
			}
		}
	}

	for _, heading := range newHeadings {
		bullets := sanitizeBullets(updates[heading])
		result = append(result, Section{Heading: heading, Lines: bullets})
		metrics.SectionsTouched++
		metrics.BulletsAdded += len(bullets)
	}

	return result, metrics
}

// sanitizeBullets trims and dedupes a raw proposed bullet list for a daily
// file's new section: blank lines and code fences are dropped, and every
// surviving line is normalized to a "- " bullet.
func sanitizeBullets(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, raw := range lines {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || trimmed == "-" || containsCodeFence(trimmed) {
			continue
		}
		if !strings.HasPrefix(trimmed, "- ") {
			trimmed = "- " + trimmed
		}
		out = append(out, trimmed)
	}
	return dedupeLines(out)
}

// TextMergeMetrics records what a mergeMemoryText pass did, mirroring the
// Python reference's _merge_memory_update_with_current diagnostics.
type TextMergeMetrics struct {
	Applied        bool     `json:"applied"`
	Reason         string   `json:"reason,omitempty"`
	AddedSections  []string `json:"added_sections,omitempty"`
	MergedSections []string `json:"merged_sections,omitempty"`
}

// mergeMemoryText unions a sanitized candidate MEMORY.md into current,
// section by section: a heading present in both documents has its lines
// unioned (deduplicated, current's lines first); a heading new to candidate
// is appended after current's existing sections, in candidate's order. If
// either side is blank, or either side has no H2 sections, no merge is
// possible and
// candidate is returned unchanged with Applied=false.
func mergeMemoryText(current, candidate string) (string, TextMergeMetrics) {
	current = strings.TrimSpace(current)
	candidate = strings.TrimSpace(candidate)

	if current == "" || candidate == "" {
		return candidate, TextMergeMetrics{Reason: "empty_input"}
	}

	currentSections := ParseSections(current)
	candidateSections := ParseSections(candidate)
	if len(currentSections) == 0 || len(candidateSections) == 0 {
		return candidate, TextMergeMetrics{Reason: "unstructured"}
	}

	index := make(map[string]int, len(currentSections))
	for i, s := range currentSections {
		index[normalizeForDedup(s.Heading)] = i
	}

	result := make([]Section, len(currentSections))
	copy(result, currentSections)

	var metrics TextMergeMetrics
	for _, sec := range candidateSections {
		key := normalizeForDedup(sec.Heading)
		if i, ok := index[key]; ok {
			result[i].Lines = dedupeLines(append(append([]string{}, result[i].Lines...), sec.Lines...))
			metrics.MergedSections = append(metrics.MergedSections, sec.Heading)
			continue
		}
		result = append(result, sec)
		index[key] = len(result) - 1
		metrics.AddedSections = append(metrics.AddedSections, sec.Heading)
	}

	rendered := RenderSections(result)
	if strings.TrimSpace(rendered) == "" {
		return candidate, TextMergeMetrics{Reason: "render_empty"}
	}
	metrics.Applied = true
	return rendered, metrics
}
