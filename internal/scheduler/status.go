package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// statusFile persists job-state snapshots as JSON. Writes take a sidecar
// flock so CLI status readers on the same host never observe a torn file.
type statusFile struct {
	path string
	lock *flock.Flock
}

func newStatusFile(path string) *statusFile {
	return &statusFile{path: path, lock: flock.New(path + ".lock")}
}

func (f *statusFile) write(snapshot map[string]JobState) error {
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock status file: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	// Write-then-rename so readers without the lock still see a whole file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}

// ReadStatus loads a status snapshot written by a running scheduler.
func ReadStatus(path string) (map[string]JobState, error) {
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock status file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read status file: %w", err)
	}
	var snapshot map[string]JobState
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("parse status file: %w", err)
	}
	return snapshot, nil
}
