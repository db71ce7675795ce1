package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// defaultMemorySections seeds a brand-new MEMORY.md with the fixed section
// set the rest of the system (context builder, guard's KnownSections) is
// tuned for. Consolidation can still introduce new sections; Guard merely
// treats anything outside this set as lower-confidence.
var defaultMemorySections = []string{
	"Identity",
	"Preferences",
	"Projects",
	"Facts",
	"Open Threads",
}

// Store is the on-disk two-layer memory store:
// MEMORY.md (stable facts, merged/guarded), HISTORY.md (append-only
// consolidation log), and one YYYY-MM-DD.md file per day of daily-routed
// activity, all rooted at Dir.
type Store struct {
	dir      string
	logger   *slog.Logger
	recorder *recorder

	// PreferenceConflictStrategy decides whether a write whose candidate
	// disagrees with current on a recorded preference proceeds or is
	// rejected outright. Defaults to StrategyKeepNew.
	PreferenceConflictStrategy ConflictStrategy
}

// NewStore creates a Store rooted at dir (typically "<workspace>/memory").
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger, recorder: newRecorder(dir, logger), PreferenceConflictStrategy: StrategyKeepNew}
}

// Close releases the store's observability file handles.
func (s *Store) Close() error {
	return s.recorder.Close()
}

func (s *Store) memoryPath() string { return filepath.Join(s.dir, "MEMORY.md") }
func (s *Store) historyPath() string { return filepath.Join(s.dir, "HISTORY.md") }
func (s *Store) dailyPath(day time.Time) string {
	return filepath.Join(s.dir, day.UTC().Format("2006-01-02")+".md")
}

// ReadMemory loads MEMORY.md as parsed sections. A missing file returns the
// seeded default skeleton (not yet written to disk).
func (s *Store) ReadMemory() ([]Section, error) {
	text, err := s.readOrSeed(s.memoryPath(), seedMemory())
	if err != nil {
		return nil, err
	}
	return ParseSections(text), nil
}

// WriteMemory atomically rewrites MEMORY.md from sections.
func (s *Store) WriteMemory(sections []Section) error {
	return writeAtomic(s.memoryPath(), []byte(RenderSections(sections)))
}

// ReadMemoryText loads MEMORY.md as raw text, used by the text-based
// sanitize/merge/guard/conflict pipeline in ApplySaveMemory. A missing file
// returns the seeded default skeleton (not yet written to disk).
func (s *Store) ReadMemoryText() (string, error) {
	return s.readOrSeed(s.memoryPath(), seedMemory())
}

// WriteMemoryText atomically rewrites MEMORY.md from raw text.
func (s *Store) WriteMemoryText(text string) error {
	return writeAtomic(s.memoryPath(), []byte(text))
}

// ReadHistoryText loads HISTORY.md verbatim; a missing file reads as "".
func (s *Store) ReadHistoryText() (string, error) {
	data, err := os.ReadFile(s.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (s *Store) readOrSeed(path, seed string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return seed, nil
		}
		return "", err
	}
	return string(data), nil
}

func seedMemory() string {
	sections := make([]Section, len(defaultMemorySections))
	for i, h := range defaultMemorySections {
		sections[i] = Section{Heading: h}
	}
	return RenderSections(sections)
}

// HistoryEntry is one normalized consolidation-run record appended to
// HISTORY.md.
type HistoryEntry struct {
	Timestamp   time.Time
	SessionKey  string
	Summary     string
	MessageSpan int
}

// AppendHistory appends one entry to HISTORY.md. HISTORY.md is strictly
// append-only: entries are never edited or reordered by later consolidation
// runs.
func (s *Store) AppendHistory(entry HistoryEntry) error {
	line := formatHistoryEntry(entry)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("memory: mkdir: %w", err)
	}
	f, err := os.OpenFile(s.historyPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open history: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("memory: write history: %w", err)
	}
	return nil
}

// formatHistoryEntry renders one HISTORY.md entry: a "[YYYY-MM-DD HH:MM]"
// prefix, the paragraph, and a trailing blank line separating it from the
// next entry.
func formatHistoryEntry(e HistoryEntry) string {
	summary := strings.TrimSpace(e.Summary)
	if summary == "" {
		summary = "(no summary)"
	}
	return fmt.Sprintf("[%s] %s\n\n", e.Timestamp.UTC().Format("2006-01-02 15:04"), summary)
}

// ReadDaily loads the day's file as parsed sections. A missing file returns
// an empty slice (no seed — daily files are created on first write only).
func (s *Store) ReadDaily(day time.Time) ([]Section, error) {
	data, err := os.ReadFile(s.dailyPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return ParseSections(string(data)), nil
}

// WriteDaily atomically rewrites the day's file from sections.
func (s *Store) WriteDaily(day time.Time, sections []Section) error {
	return writeAtomic(s.dailyPath(day), []byte(RenderSections(sections)))
}

// writeAtomic writes data to path via temp file + rename, matching the
// Session Store's write discipline (spec requires atomic writes for every
// persisted file, not just sessions).
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
