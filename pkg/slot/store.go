package slot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/validlab/slotd/internal/errors"
)

// snapshotFile is the on-disk shape of a full registry snapshot.
type snapshotFile struct {
	Slots []Slot `json:"slots"`
}

// Store persists and loads full slot snapshots from a single JSON file.
//
// Writes are atomic at the filesystem level: the snapshot is written to a
// temporary file in the same directory and renamed over the target, so a
// crash mid-write never corrupts the on-disk state.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

func (s *Store) Path() string {
	return s.path
}

// Write persists the full slot array. Slots are ordered by id on disk
// regardless of input order.
func (s *Store) Write(slots []Slot) error {
	if s.path == "" {
		return apperrors.New(apperrors.CodePersistenceFailure, "snapshot path is empty")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperrors.Wrap(apperrors.CodePersistenceFailure, "create snapshot dir", err)
	}

	ordered := make([]Slot, len(slots))
	for i, sl := range slots {
		ordered[i] = sl.Clone()
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	b, err := json.MarshalIndent(snapshotFile{Slots: ordered}, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistenceFailure, "marshal snapshot", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistenceFailure, "create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return apperrors.Wrap(apperrors.CodePersistenceFailure, "write temp snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodePersistenceFailure, "close temp snapshot", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return apperrors.Wrap(apperrors.CodePersistenceFailure, "rename snapshot", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is not an error and yields a nil
// slice. A corrupted file is moved aside to <path>.backup.<unix> so the next
// write starts clean, and the backup path is reported in the returned error.
func (s *Store) Load() ([]Slot, error) {
	if s.path == "" {
		return nil, apperrors.New(apperrors.CodePersistenceFailure, "snapshot path is empty")
	}

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodePersistenceFailure, "read snapshot", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, nil
	}

	var file snapshotFile
	if err := json.Unmarshal([]byte(trimmed), &file); err != nil {
		backup := fmt.Sprintf("%s.backup.%d", s.path, time.Now().Unix())
		_ = os.Rename(s.path, backup)
		return nil, apperrors.Wrap(apperrors.CodePersistenceFailure,
			fmt.Sprintf("parse snapshot (corrupted file moved to %s)", backup), err)
	}

	sort.Slice(file.Slots, func(i, j int) bool { return file.Slots[i].ID < file.Slots[j].ID })
	return file.Slots, nil
}
