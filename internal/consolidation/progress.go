package consolidation

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ProgressFileName is the crash-recovery marker written while a
// consolidation run is active. There is one marker per workspace, not per
// session: the coordinator serializes runs, so at most one run is in flight
// at a time, and the marker's session_key identifies whose run it was.
const ProgressFileName = "consolidation-in-progress.json"

// Progress is the crash-resumable marker. A process restart
// mid-run reads it back, and if session_key and archive_all still match the
// requested run, resumes the scope at messages[start+processed:] rather than
// re-consolidating chunks already applied to long-term memory.
type Progress struct {
	SessionKey  string    `json:"session_key"`
	StartedAt   time.Time `json:"started_at"`
	Start       int       `json:"start"`
	Processed   int       `json:"processed"`
	TargetLast  int       `json:"target_last"`
	Keep        int       `json:"keep"`
	SnapshotLen int       `json:"snapshot_len"`
	ArchiveAll  bool      `json:"archive_all"`
}

func progressPath(dir string) string {
	return filepath.Join(dir, ProgressFileName)
}

// LoadProgress reads the workspace's in-progress marker, if any. A missing
// file is not an error: it returns (nil, nil).
func LoadProgress(dir string) (*Progress, error) {
	data, err := os.ReadFile(progressPath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProgress atomically (over)writes the marker after each completed
// chunk, so a crash loses at most the in-flight chunk.
func SaveProgress(dir string, p *Progress) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
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
	return os.Rename(tmpPath, progressPath(dir))
}

// ClearProgress removes the marker once a run finishes (successfully or
// exhaustively failed); a future run starts clean.
func ClearProgress(dir string) error {
	err := os.Remove(progressPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
