package memory

import (
	"strings"
	"time"
)

// SaveMemoryCall is one parsed save_memory tool call produced by the
// consolidation engine for a single chunk.
type SaveMemoryCall struct {
	History HistoryEntry
	Daily   DailyCandidate

	// MemoryUpdate is the model's proposed full MEMORY.md document for this
	// chunk, as raw markdown text (not a bullet map: the sanitize/guard
	// pipeline reasons about whole sections and lines).
	MemoryUpdate string

	// MemoryTruncated is set when the current MEMORY.md given to the model
	// for this chunk had to be truncated to fit the consolidation prompt's
	// context budget. A truncated view means the model could not see the
	// whole document it was merging against, so any proposed update is
	// skipped outright rather than risking it silently dropping facts that
	// were simply off-screen.
	MemoryTruncated bool
}

// ApplyOutcome summarizes what ApplySaveMemory did, appended to
// observability/memory-update-outcome.jsonl.
type ApplyOutcome struct {
	HistoryAppended bool
	DailySource     RoutingSource

	// Outcome is one of: "no_memory_update", "truncated_skip", "no_change",
	// "guard_rejected", "written", "sanitize_modified".
	Outcome      string
	GuardReason  GuardReason
	Conflicts    int
	MergeMetrics TextMergeMetrics
}

// ApplySaveMemory runs one save_memory call through the full pipeline: append
// history, resolve and write the day's file, then
// sanitize -> truncated-check -> merge -> guard -> conflict-check and (if
// accepted) rewrite MEMORY.md. It is the single entry point the consolidation
// engine calls per chunk; everything upstream of it only needs to produce a
// SaveMemoryCall. The order mirrors the reference consolidation pipeline's
// _step_memory_update.
func (s *Store) ApplySaveMemory(day time.Time, call SaveMemoryCall) (ApplyOutcome, error) {
	var outcome ApplyOutcome

	if err := s.AppendHistory(call.History); err != nil {
		return outcome, err
	}
	outcome.HistoryAppended = true

	routed := ResolveDaily(call.Daily)
	outcome.DailySource = routed.Source
	s.recorder.Emit(obsDailyRouting, map[string]any{
		"session_key": call.History.SessionKey,
		"day":         day.UTC().Format("2006-01-02"),
		"source":      routed.Source,
	})
	existingDaily, err := s.ReadDaily(day)
	if err != nil {
		return outcome, err
	}
	mergedDaily, dailyMergeMetrics := Merge(existingDaily, routed.Sections)
	if err := s.WriteDaily(day, mergedDaily); err != nil {
		return outcome, err
	}
	_ = dailyMergeMetrics

	if strings.TrimSpace(call.MemoryUpdate) == "" {
		outcome.Outcome = "no_memory_update"
		s.recorder.Emit(obsUpdateOutcome, map[string]any{
			"session_key": call.History.SessionKey,
			"outcome":     outcome.Outcome,
		})
		return outcome, nil
	}

	currentText, err := s.ReadMemoryText()
	if err != nil {
		return outcome, err
	}

	sanitized, sanitizeMetrics := Sanitize(call.MemoryUpdate, currentText)
	s.recorder.Emit(obsSanitizeMetrics, map[string]any{
		"session_key": call.History.SessionKey,
		"metrics":     sanitizeMetrics,
	})

	if call.MemoryTruncated {
		outcome.Outcome = "truncated_skip"
		s.recorder.Emit(obsUpdateOutcome, map[string]any{
			"session_key": call.History.SessionKey,
			"outcome":     outcome.Outcome,
		})
		return outcome, nil
	}

	merged, mergeMetrics := mergeMemoryText(currentText, sanitized)
	outcome.MergeMetrics = mergeMetrics

	if strings.TrimSpace(merged) == strings.TrimSpace(currentText) {
		outcome.Outcome = "no_change"
		s.recorder.Emit(obsUpdateOutcome, map[string]any{
			"session_key": call.History.SessionKey,
			"outcome":     outcome.Outcome,
		})
		return outcome, nil
	}

	guardMetrics := Guard(currentText, merged)
	s.recorder.Emit(obsGuardMetrics, map[string]any{
		"session_key": call.History.SessionKey,
		"metrics":     guardMetrics,
	})
	outcome.GuardReason = guardMetrics.Reason
	if !guardMetrics.Accepted {
		outcome.Outcome = "guard_rejected"
		s.recorder.Emit(obsUpdateOutcome, map[string]any{
			"session_key": call.History.SessionKey,
			"outcome":     outcome.Outcome,
			"reason":      guardMetrics.Reason,
		})
		return outcome, nil
	}

	conflicts := DetectConflicts(currentText, merged)
	outcome.Conflicts = len(conflicts)
	if len(conflicts) > 0 {
		s.recorder.Emit(obsConflictMetrics, map[string]any{
			"session_key": call.History.SessionKey,
			"conflicts":   conflicts,
		})
		strategy := s.PreferenceConflictStrategy
		if strategy == "" {
			strategy = StrategyKeepNew
		}
		if strategy == StrategyKeepOld || strategy == StrategyAskUser {
			outcome.Outcome = "guard_rejected"
			outcome.GuardReason = GuardReason("preference_conflict_" + string(strategy))
			s.recorder.Emit(obsUpdateOutcome, map[string]any{
				"session_key": call.History.SessionKey,
				"outcome":     outcome.Outcome,
				"reason":      outcome.GuardReason,
			})
			return outcome, nil
		}
	}

	if err := s.WriteMemoryText(merged); err != nil {
		return outcome, err
	}

	if sanitizeMetrics.Modified {
		outcome.Outcome = "sanitize_modified"
	} else {
		outcome.Outcome = "written"
	}
	s.recorder.Emit(obsUpdateOutcome, map[string]any{
		"session_key": call.History.SessionKey,
		"outcome":     outcome.Outcome,
		"added":       mergeMetrics.AddedSections,
		"merged":      mergeMetrics.MergedSections,
	})

	return outcome, nil
}
