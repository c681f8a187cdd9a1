// Package checkpoint persists per-task resumable backup state. One record
// exists per (deviceID, backupType) pair; records survive crashes and are
// invalidated after an expiry window so a resume never runs against stale
// remote state.
package checkpoint

import (
	"time"

	"github.com/tis24dev/hostsave/internal/types"
)

// ConnectInfo records a completed remote-share connection.
type ConnectInfo struct {
	MountPoint    string `json:"mount_point"`
	RemoteAddress string `json:"remote_address"`
	ShareName     string `json:"share_name"`
}

// SnapshotInfo records a created point-in-time snapshot.
type SnapshotInfo struct {
	ID         string `json:"id"`
	DevicePath string `json:"device_path"`
}

// JournalCursor records the change-journal position saved after a
// successful capture, enabling the next run's incremental decision.
type JournalCursor struct {
	JournalID string    `json:"journal_id"`
	NextUSN   string    `json:"next_usn"`
	SavedAt   time.Time `json:"saved_at"`
}

// CaptureProgress records how far the capture phase advanced.
type CaptureProgress struct {
	Mode         types.CaptureMode `json:"mode"`
	Destination  string            `json:"destination"`
	BytesWritten int64             `json:"bytes_written"`
}

// PhaseData is the tagged union of phase-specific progress. Exactly the
// variants relevant to the recorded phase are populated; unknown or legacy
// shapes decode to an empty value, which downstream logic treats as
// "no saved state" (forcing a full capture) rather than an error.
type PhaseData struct {
	Connect  *ConnectInfo     `json:"connect,omitempty"`
	Snapshot *SnapshotInfo    `json:"snapshot,omitempty"`
	Journal  *JournalCursor   `json:"journal,omitempty"`
	Capture  *CaptureProgress `json:"capture,omitempty"`
}

// CompletedFile is one finished path in a file-mode backup.
type CompletedFile struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CompletedAt time.Time `json:"completed_at"`
}

// Checkpoint is the durable record of one backup task's progress.
type Checkpoint struct {
	ID              string            `json:"id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Phase           types.Phase       `json:"phase"`
	CompletedPhases []types.Phase     `json:"completed_phases"`
	PhaseData       PhaseData         `json:"phase_data"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CompletedFiles  []CompletedFile   `json:"completed_files,omitempty"`
	TotalBytes      int64             `json:"total_bytes"`
	ProcessedBytes  int64             `json:"processed_bytes"`
}

// HasCompletedPhase reports whether phase appears in CompletedPhases.
// The current phase is never reported completed.
func (c *Checkpoint) HasCompletedPhase(phase types.Phase) bool {
	if c == nil || phase == c.Phase {
		return false
	}
	for _, p := range c.CompletedPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// SavedCursor returns the journal cursor stored in the checkpoint, or nil
// when none was saved (first backup or legacy record).
func (c *Checkpoint) SavedCursor() *JournalCursor {
	if c == nil {
		return nil
	}
	return c.PhaseData.Journal
}

// FileCompleted reports whether path was already backed up in a previous
// (interrupted) run of the same task.
func (c *Checkpoint) FileCompleted(path string) bool {
	if c == nil {
		return false
	}
	for _, f := range c.CompletedFiles {
		if f.Path == path {
			return true
		}
	}
	return false
}
