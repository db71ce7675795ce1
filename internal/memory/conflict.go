package memory

import (
	"regexp"
	"strings"
)

// ConflictStrategy names how a detected preference conflict gates the write
// of a whole merged candidate over the current MEMORY.md.
type ConflictStrategy string

const (
	// StrategyKeepNew lets the write proceed as-is: the candidate already
	// carries the new preference values.
	StrategyKeepNew ConflictStrategy = "keep_new"

	// StrategyKeepOld rejects the entire write, leaving current untouched.
	StrategyKeepOld ConflictStrategy = "keep_old"

	// StrategyAskUser rejects the entire write pending human confirmation.
	StrategyAskUser ConflictStrategy = "ask_user"

	// StrategyMerge lets the write proceed; both old and new values are
	// considered compatible facts rather than a contradiction.
	StrategyMerge ConflictStrategy = "merge"
)

// preferenceSectionPattern matches an H2 heading that holds the user's
// recorded preferences, in English or Chinese.
var preferenceSectionPattern = regexp.MustCompile(`(?i)^(preferences|偏好|用户偏好)$`)

// preferenceKeyPatterns maps a known preference key to the pattern that
// matches its bullet label. New keys extend this set.
var preferenceKeyPatterns = map[string]*regexp.Regexp{
	"language":            regexp.MustCompile(`(?i)\b(language|语言)\b`),
	"communication_style": regexp.MustCompile(`(?i)\b(communication style|沟通风格)\b`),
	"timezone":            regexp.MustCompile(`(?i)\b(timezone|time zone|时区)\b`),
	"output_format":       regexp.MustCompile(`(?i)\b(output format|response format|输出格式)\b`),
	"tone":                regexp.MustCompile(`(?i)\b(tone|语气)\b`),
}

// Conflict is one preference whose value differs between the current
// MEMORY.md and a proposed candidate.
type Conflict struct {
	Key      string
	OldValue string
	NewValue string
}

// ExtractPreferenceValues scans text for its "## Preferences" ("## 偏好" /
// "## 用户偏好") section and returns the value recorded for each known
// preference key, parsed from "- <label>: <value>" bullets (a full-width "："
// is accepted in place of ":"). A bullet whose label matches no known key is
// ignored.
func ExtractPreferenceValues(text string) map[string]string {
	values := make(map[string]string)
	for _, sec := range ParseSections(text) {
		if !preferenceSectionPattern.MatchString(strings.TrimSpace(sec.Heading)) {
			continue
		}
		for _, line := range sec.BulletLines() {
			body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
			label, value := splitBulletLabel(body)
			for key, pattern := range preferenceKeyPatterns {
				if pattern.MatchString(label) {
					values[key] = value
					break
				}
			}
		}
	}
	return values
}

// splitBulletLabel splits "label: value" (or the full-width "label：value")
// on the first colon; if there is no colon the whole text is both label and
// value.
func splitBulletLabel(text string) (label, value string) {
	if i := strings.IndexAny(text, ":："); i >= 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:])
	}
	return text, text
}

// DetectConflicts compares the "## Preferences" values recorded in current
// against those proposed in candidate and returns one Conflict per known key
// whose value differs. Keys present in only one document are not conflicts.
func DetectConflicts(current, candidate string) []Conflict {
	oldValues := ExtractPreferenceValues(current)
	newValues := ExtractPreferenceValues(candidate)

	var conflicts []Conflict
	for key, newValue := range newValues {
		oldValue, ok := oldValues[key]
		if !ok {
			continue
		}
		if normalizeForDedup(oldValue) == normalizeForDedup(newValue) {
			continue
		}
		conflicts = append(conflicts, Conflict{Key: key, OldValue: oldValue, NewValue: newValue})
	}
	return conflicts
}
