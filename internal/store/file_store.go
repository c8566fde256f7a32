// Package store provides durable local persistence for the entitlement
// record: one JSON document per installation, always written atomically as a
// whole. A crash between two writes leaves either the pre-write or the
// post-write record on disk, never a blend.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"storygate/internal/types"
)

// FileStore persists the entitlement record to a single file using the
// write-temp + fsync + rename protocol. rename(2) on the same filesystem is
// atomic, which carries the whole-record crash-safety contract.
//
// FileStore serializes all access internally; readers always observe a
// complete record even while a write is pending.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFileStore creates a FileStore persisting to the given path.
// The parent directory must exist; the file itself is created lazily.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Load reads the current entitlement record. A missing file is not an error:
// it returns the zero record (free tier, first launch not completed), which
// EnsureFirstLaunch then seeds.
func (s *FileStore) Load() (types.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save atomically replaces the persisted record.
func (s *FileStore) Save(rec types.EntitlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

// EnsureFirstLaunch seeds Free{initialGrant} exactly once per installation.
// Idempotent: once the persisted first-launch flag is set, subsequent calls
// return the stored record unchanged.
func (s *FileStore) EnsureFirstLaunch(initialGrant int) (types.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked()
	if err != nil {
		return types.EntitlementRecord{}, err
	}
	if rec.FirstLaunchCompleted {
		return rec, nil
	}

	rec = types.EntitlementRecord{
		Tier:                 types.TierFree,
		StoriesRemaining:     initialGrant,
		FirstLaunchCompleted: true,
	}
	if err := s.saveLocked(rec); err != nil {
		return types.EntitlementRecord{}, err
	}

	s.logger.Info("first launch seeded",
		"initial_grant", initialGrant,
		"path", s.path,
	)
	return rec, nil
}

// ResetToFree resets the record to the free tier with the full initial grant.
// Used on purchase revocation. The first-launch flag is preserved.
func (s *FileStore) ResetToFree(initialGrant int) (types.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := types.EntitlementRecord{
		Tier:                 types.TierFree,
		StoriesRemaining:     initialGrant,
		FirstLaunchCompleted: true,
	}
	if err := s.saveLocked(rec); err != nil {
		return types.EntitlementRecord{}, err
	}
	return rec, nil
}

func (s *FileStore) loadLocked() (types.EntitlementRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.EntitlementRecord{Tier: types.TierFree}, nil
	}
	if err != nil {
		return types.EntitlementRecord{}, types.NewAppError(
			types.ErrCodePersistenceFailure,
			fmt.Sprintf("reading entitlement record %s", s.path),
			err,
		)
	}

	var rec types.EntitlementRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.EntitlementRecord{}, types.NewAppError(
			types.ErrCodePersistenceFailure,
			fmt.Sprintf("entitlement record %s is corrupt", s.path),
			err,
		)
	}
	if !rec.Tier.Valid() {
		return types.EntitlementRecord{}, types.NewAppError(
			types.ErrCodePersistenceFailure,
			fmt.Sprintf("entitlement record %s has unknown tier %q", s.path, rec.Tier),
			nil,
		)
	}
	return rec, nil
}

// saveLocked writes the record to a temp file in the same directory, fsyncs
// it, and renames it over the target. The temp file lives next to the target
// so the rename never crosses a filesystem boundary.
func (s *FileStore) saveLocked(rec types.EntitlementRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return types.NewAppError(
			types.ErrCodePersistenceFailure,
			"marshaling entitlement record",
			err,
		)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return types.NewAppError(
			types.ErrCodePersistenceFailure,
			fmt.Sprintf("creating temp file in %s", dir),
			err,
		)
	}
	tmpName := tmp.Name()

	// On any failure below, remove the orphaned temp file.
	cleanup := func(cause error, msg string) error {
		tmp.Close()
		_ = os.Remove(tmpName)
		return types.NewAppError(types.ErrCodePersistenceFailure, msg, cause)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err, "writing entitlement record")
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err, "syncing entitlement record")
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err, "closing entitlement record temp file")
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return types.NewAppError(
			types.ErrCodePersistenceFailure,
			fmt.Sprintf("replacing entitlement record %s", s.path),
			err,
		)
	}

	// Best-effort directory sync so the rename itself is durable. Failure
	// here does not violate atomicity, so it is logged and not returned.
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			s.logger.Warn("directory sync after rename failed",
				"dir", dir,
				"error", err,
			)
		}
		d.Close()
	}

	return nil
}
