package memory

import "strings"

// RoutingSource names which resolution tier produced a day's daily-file
// content, appended to
// observability/daily-routing-metrics.jsonl.
type RoutingSource string

const (
	// RoutingSourceModel is used when the consolidation model returned a
	// well-formed daily_update with at least one non-empty section.
	RoutingSourceModel RoutingSource = "model"

	// RoutingSourceSalvagedPartial is used when the model's daily_update was
	// malformed or partially truncated but enough of it parsed to recover
	// one or more sections.
	RoutingSourceSalvagedPartial RoutingSource = "salvaged_model_partial"

	// RoutingSourceSynthesized is used when no usable daily_update was
	// returned at all, and the day's section content is instead synthesized
	// directly from the session's raw messages for that day.
	RoutingSourceSynthesized RoutingSource = "synthesized"

	// RoutingSourceFallbackUnstructured is the last resort: the day's
	// activity is recorded as a single unstructured note rather than being
	// dropped entirely.
	RoutingSourceFallbackUnstructured RoutingSource = "fallback_unstructured"
)

// DailyCandidate is what the consolidation engine hands to ResolveDaily: the
// model's raw daily_update field (if any), plus a synthesis fallback
// built directly from the chunk's messages.
type DailyCandidate struct {
	// ModelSections is the model's own section -> bullets map, already
	// Sanitize-d. Nil or empty means the model didn't produce one.
	ModelSections map[string][]string

	// ModelMalformed is true when the model returned a daily_update field
	// that failed to parse as section->bullets (e.g. a raw string), but the
	// raw text is still available in RawModelText.
	ModelMalformed bool

	// RawModelText is the model's unparsed daily_update payload, used for
	// salvage when ModelMalformed is true.
	RawModelText string

	// SynthesizedSections is what a deterministic synthesis pass (e.g. one
	// bullet per distinct tool action/topic observed in the chunk) produces
	// when the model gives nothing usable.
	SynthesizedSections map[string][]string

	// FallbackNote is a single-line unstructured summary, always populated,
	// used only if every other tier is empty.
	FallbackNote string
}

// RoutingResult is the resolved content for one day plus which tier produced
// it.
type RoutingResult struct {
	Sections map[string][]string
	Source   RoutingSource
}

// ResolveDaily applies the daily routing resolution order: a well-formed model
// daily_update wins outright; otherwise a malformed-but-salvageable one is
// parsed as best-effort; otherwise synthesized sections are used; otherwise
// a single unstructured fallback note is recorded so the day is never
// silently dropped.
func ResolveDaily(c DailyCandidate) RoutingResult {
	if hasContent(c.ModelSections) {
		return RoutingResult{Sections: c.ModelSections, Source: RoutingSourceModel}
	}

	if c.ModelMalformed && strings.TrimSpace(c.RawModelText) != "" {
		if salvaged := salvagePartial(c.RawModelText); hasContent(salvaged) {
			return RoutingResult{Sections: salvaged, Source: RoutingSourceSalvagedPartial}
		}
	}

	if hasContent(c.SynthesizedSections) {
		return RoutingResult{Sections: c.SynthesizedSections, Source: RoutingSourceSynthesized}
	}

	note := strings.TrimSpace(c.FallbackNote)
	if note == "" {
		note = "- (no structured summary available for this period)"
	} else if !strings.HasPrefix(note, "- ") {
		note = "- " + note
	}
	return RoutingResult{
		Sections: map[string][]string{"Notes": {note}},
		Source:   RoutingSourceFallbackUnstructured,
	}
}

func hasContent(sections map[string][]string) bool {
	for _, bullets := range sections {
		if len(bullets) > 0 {
			return true
		}
	}
	return false
}

// salvagePartial best-effort-parses raw daily_update text that failed strict
// decoding, by scanning for "## Heading" / "- bullet" lines the same way a
// well-formed file would be parsed.
func salvagePartial(raw string) map[string][]string {
	sections := ParseSections(raw)
	if len(sections) == 0 {
		return nil
	}
	out := make(map[string][]string, len(sections))
	for _, s := range sections {
		bullets := s.BulletLines()
		if len(bullets) == 0 {
			continue
		}
		clean, _ := Sanitize(bullets)
		if len(clean) > 0 {
			out[s.Heading] = clean
		}
	}
	return out
}
