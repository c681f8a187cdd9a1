package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/types"
)

// DefaultExpiry invalidates checkpoints whose last update is older than
// this window. Resuming against an older record risks referencing remote
// snapshots and mounts that no longer exist.
const DefaultExpiry = 72 * time.Hour

// Store reads and writes checkpoint records under a state directory.
// Every write goes to a temporary sibling file first and is renamed over
// the target, so a crash mid-write can never corrupt a record.
type Store struct {
	dir    string
	logger *logging.Logger
	expiry time.Duration
	now    func() time.Time
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(logger *logging.Logger, dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		expiry: DefaultExpiry,
		now:    time.Now,
	}, nil
}

// SetExpiry overrides the expiry window (useful for tests).
func (s *Store) SetExpiry(d time.Duration) {
	if d > 0 {
		s.expiry = d
	}
}

// SetTimeProvider overrides the clock (useful for tests).
func (s *Store) SetTimeProvider(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// ID returns the deterministic checkpoint identifier for a task.
func ID(deviceID string, backupType types.BackupType) string {
	return fmt.Sprintf("%s-%s", deviceID, backupType)
}

// sanitizeID keeps only alphanumerics, '_' and '-', preventing path
// traversal through a crafted device id used as a filename component.
func sanitizeID(id string) string {
	keep := func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-':
			return r
		default:
			return -1
		}
	}
	sanitized := strings.Map(keep, id)
	if sanitized == "" {
		sanitized = "checkpoint"
	}
	return sanitized
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".json")
}

// Load returns the checkpoint for id, or nil when the record is absent,
// unreadable, or expired. A corrupt record is logged and treated as
// absent, never fatal; an expired record is deleted as a side effect.
func (s *Store) Load(id string) (*Checkpoint, error) {
	path := s.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		corrupt := &types.CorruptStateError{Path: path, Err: err}
		s.logger.Warning("Checkpoint %s unreadable, treating as absent: %v", id, corrupt)
		return nil, nil
	}

	if s.now().Sub(cp.UpdatedAt) > s.expiry {
		s.logger.Info("Checkpoint %s expired (last update %s), discarding", id, cp.UpdatedAt.Format(time.RFC3339))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warning("Failed to remove expired checkpoint %s: %v", id, err)
		}
		return nil, nil
	}

	return &cp, nil
}

// Create initializes and persists a fresh checkpoint for id.
func (s *Store) Create(id string, metadata map[string]string) (*Checkpoint, error) {
	now := s.now()
	cp := &Checkpoint{
		ID:              id,
		CreatedAt:       now,
		UpdatedAt:       now,
		Phase:           types.PhaseInit,
		CompletedPhases: []types.Phase{},
	}
	if len(metadata) > 0 {
		cp.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			cp.Metadata[k] = v
		}
	}
	if err := s.write(cp); err != nil {
		return nil, err
	}
	s.logger.Debug("Checkpoint %s created", id)
	return cp, nil
}

// Extra carries counter updates shallow-merged onto the checkpoint by
// Update. Nil fields are left untouched.
type Extra struct {
	TotalBytes     *int64
	ProcessedBytes *int64
}

// Update advances the checkpoint to phase, replacing its phase data and
// merging extra counters. When the phase changes and the previous phase was
// not "init", the previous phase is appended to CompletedPhases (dedup).
// The record is created first when missing.
func (s *Store) Update(id string, phase types.Phase, data PhaseData, extra *Extra) (*Checkpoint, error) {
	if !types.ValidPhase(phase) {
		return nil, fmt.Errorf("unknown checkpoint phase %q", phase)
	}

	cp, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp, err = s.Create(id, nil)
		if err != nil {
			return nil, err
		}
	}

	if cp.Phase != phase && cp.Phase != types.PhaseInit {
		if !containsPhase(cp.CompletedPhases, cp.Phase) {
			cp.CompletedPhases = append(cp.CompletedPhases, cp.Phase)
		}
	}
	// The current phase must never also appear as completed.
	cp.CompletedPhases = removePhase(cp.CompletedPhases, phase)

	cp.Phase = phase
	cp.PhaseData = data
	if extra != nil {
		if extra.TotalBytes != nil {
			cp.TotalBytes = *extra.TotalBytes
		}
		if extra.ProcessedBytes != nil {
			cp.ProcessedBytes = *extra.ProcessedBytes
		}
	}
	cp.UpdatedAt = s.now()

	if err := s.write(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// MarkFileCompleted appends a finished path to the checkpoint's
// completed-file list and advances the processed-byte counter.
func (s *Store) MarkFileCompleted(id, path string, size int64, hash string) (*Checkpoint, error) {
	cp, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp, err = s.Create(id, nil)
		if err != nil {
			return nil, err
		}
	}

	cp.CompletedFiles = append(cp.CompletedFiles, CompletedFile{
		Path:        path,
		Size:        size,
		Hash:        hash,
		CompletedAt: s.now(),
	})
	cp.ProcessedBytes += size
	cp.UpdatedAt = s.now()

	if err := s.write(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// IsPhaseCompleted reports whether phase is recorded as completed for id.
// The checkpoint's current phase is never reported completed.
func (s *Store) IsPhaseCompleted(id string, phase types.Phase) bool {
	cp, err := s.Load(id)
	if err != nil || cp == nil {
		return false
	}
	return cp.HasCompletedPhase(phase)
}

// Clear deletes the persisted record. Absence is not an error.
func (s *Store) Clear(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear checkpoint %s: %w", id, err)
	}
	return nil
}

// ListActive enumerates all non-expired stored checkpoints.
func (s *Store) ListActive() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var active []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		cp, err := s.Load(id)
		if err != nil {
			s.logger.Warning("Skipping checkpoint %s: %v", id, err)
			continue
		}
		if cp != nil {
			active = append(active, cp)
		}
	}
	return active, nil
}

// write persists cp via a temporary sibling and an atomic rename.
func (s *Store) write(cp *Checkpoint) error {
	target := s.path(cp.ID)

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(target)+".tmp-")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint %s: %w", cp.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func containsPhase(phases []types.Phase, p types.Phase) bool {
	for _, existing := range phases {
		if existing == p {
			return true
		}
	}
	return false
}

func removePhase(phases []types.Phase, p types.Phase) []types.Phase {
	out := phases[:0]
	for _, existing := range phases {
		if existing != p {
			out = append(out, existing)
		}
	}
	return out
}
