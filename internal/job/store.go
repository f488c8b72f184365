package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound signals an unknown job identifier. Corrupt or partially
	// readable records are reported the same way rather than surfaced to
	// callers.
	ErrNotFound = errors.New("job: generation session not found")

	// ErrTerminal signals an operation that is only valid on a live job.
	ErrTerminal = errors.New("job: generation already finished")
)

// Store persists one JSON record per job inside a state directory. Every
// write goes through a temp-file-plus-rename so readers observe either the
// prior complete record or the new one, never a mix. There is no
// cross-process lock; concurrent read-modify-write updates are
// last-writer-wins.
type Store struct {
	dir string
}

// NewStore initializes the state directory and its logs subdirectory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("job: state directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("job: ensure state directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("job: ensure log directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory root.
func (s *Store) Dir() string {
	return s.dir
}

// LogDir returns the directory holding per-job worker output captures.
func (s *Store) LogDir() string {
	return filepath.Join(s.dir, "logs")
}

// LogPath returns the capture file for one stream ("stdout" or "stderr") of
// a job's worker process.
func (s *Store) LogPath(id, stream string) string {
	return filepath.Join(s.LogDir(), fmt.Sprintf("%s_%s.log", id, stream))
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Read returns the record for id, or ErrNotFound when the record is missing
// or unparseable.
func (s *Store) Read(id string) (*Record, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Write persists the full record atomically. A failed write removes the
// temporary file and leaves any previously committed record untouched.
func (s *Store) Write(id string, rec *Record) error {
	if !ValidID(id) {
		return fmt.Errorf("job: invalid job id %q", id)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("job: marshal record: %w", err)
	}

	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("job: write record: %w", err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("job: commit record: %w", err)
	}
	return nil
}

// Update applies mutate to the current record and writes it back, stamping
// updated_at. The read-modify-write is not isolated across processes; the
// worker and the server may race on disjoint fields and the last write wins.
func (s *Store) Update(id string, mutate func(*Record)) (*Record, error) {
	rec, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()
	if err := s.Write(id, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every readable record in the state directory. Unparseable
// files are skipped, not reported.
func (s *Store) List() ([]*Record, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "gen_*.json"))
	if err != nil {
		return nil, fmt.Errorf("job: list state directory: %w", err)
	}
	records := make([]*Record, 0, len(matches))
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), ".json")
		rec, err := s.Read(id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes the record file and the job's log captures.
func (s *Store) Delete(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("job: invalid job id %q", id)
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("job: delete record: %w", err)
	}
	for _, stream := range []string{"stdout", "stderr"} {
		if err := os.Remove(s.LogPath(id, stream)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("job: delete log: %w", err)
		}
	}
	return nil
}
