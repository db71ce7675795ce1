package memory

import "testing"

func TestSanitizeDropsRejectedSection(t *testing.T) {
	current := "## Facts\n\n- lives in Austin\n"
	candidate := "## Facts\n\n- lives in Austin\n\n## Today's Discussion\n\n- talked about the weather\n"
	out, metrics := Sanitize(candidate, current)
	if len(metrics.RejectedSections) != 1 || metrics.RejectedSections[0] != "Today's Discussion" {
		t.Fatalf("expected Today's Discussion to be rejected, got %+v", metrics)
	}
	for _, sec := range ParseSections(out) {
		if sec.Heading == "Today's Discussion" {
			t.Fatal("rejected section survived sanitize")
		}
	}
}

func TestSanitizeFiltersTransientStatusLines(t *testing.T) {
	current := ""
	candidate := "## System Status\n\n- 2026-07-30: API returned a 503 timeout\n- the dashboard is written in Go\n"
	out, metrics := Sanitize(candidate, current)
	if metrics.FilteredLines == 0 {
		t.Fatal("expected at least one transient status line to be filtered")
	}
	sections := ParseSections(out)
	if len(sections) != 1 {
		t.Fatalf("expected section to survive with its durable line, got %+v", sections)
	}
	for _, l := range sections[0].Lines {
		if matchesAny(transientStatusLinePatterns, l) {
			t.Fatalf("transient line survived: %q", l)
		}
	}
}

func TestSanitizeDropsTransientSectionWhenNothingSurvives(t *testing.T) {
	current := "## Facts\n\n- lives in Austin\n"
	candidate := "## Facts\n\n- lives in Austin\n\n## API Issues\n\n- 2026-07-30: 500 error, temporarily unavailable\n"
	out, _ := Sanitize(candidate, current)
	for _, sec := range ParseSections(out) {
		if sec.Heading == "API Issues" {
			t.Fatal("expected fully-transient section to be dropped")
		}
	}
}

func TestSanitizeDedupesBulletsWithinSection(t *testing.T) {
	current := ""
	candidate := "## Facts\n\n- Lives in Austin\n- lives in austin\n"
	out, metrics := Sanitize(candidate, current)
	sections := ParseSections(out)
	if len(sections[0].BulletLines()) != 1 {
		t.Fatalf("expected duplicate bullet collapsed, got %v", sections[0].BulletLines())
	}
	if metrics.DedupedBullets != 1 {
		t.Fatalf("expected 1 deduped bullet reported, got %d", metrics.DedupedBullets)
	}
}

func TestSanitizeFallsBackToCurrentWhenEverythingDropped(t *testing.T) {
	current := "## Facts\n\n- lives in Austin\n"
	candidate := "## Today's Discussion\n\n- talked about the weather\n"
	out, _ := Sanitize(candidate, current)
	if out != current {
		t.Fatalf("expected fallback to current, got %q", out)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	current := "## Facts\n\n- lives in Austin\n"
	candidate := "## Facts\n\n- lives in Austin\n\n## System Status\n\n- 2026-07-30: 500 error\n- runs on Kubernetes\n"
	once, _ := Sanitize(candidate, current)
	twice, _ := Sanitize(once, current)
	if once != twice {
		t.Fatalf("expected idempotent sanitize, got:\n%q\nthen:\n%q", once, twice)
	}
}
