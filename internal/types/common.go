package types

import "time"

// BackupType represents the kind of backup a task requests.
type BackupType string

const (
	// BackupImage - block-level image capture of a whole volume
	BackupImage BackupType = "image"

	// BackupFiles - per-path copy of selected folders
	BackupFiles BackupType = "files"
)

// String returns the string representation of the backup type.
func (b BackupType) String() string {
	return string(b)
}

// Valid reports whether the backup type is one of the known values.
func (b BackupType) Valid() bool {
	return b == BackupImage || b == BackupFiles
}

// CaptureMode represents the capture strategy chosen for a run.
type CaptureMode string

const (
	// CaptureFull - capture everything
	CaptureFull CaptureMode = "full"

	// CaptureIncremental - capture only files changed since the saved cursor
	CaptureIncremental CaptureMode = "incremental"
)

// String returns the string representation of the capture mode.
func (c CaptureMode) String() string {
	return string(c)
}

// Phase identifies a step of the backup orchestrator's state machine.
type Phase string

const (
	// PhaseInit - checkpoint created, nothing durable done yet
	PhaseInit Phase = "init"

	// PhaseAdminCheck - privilege validation (image mode on Windows)
	PhaseAdminCheck Phase = "admin-check"

	// PhaseConnectRemote - remote share mounted
	PhaseConnectRemote Phase = "connect-remote"

	// PhaseSnapshotCreate - point-in-time snapshot created
	PhaseSnapshotCreate Phase = "snapshot-create"

	// PhaseStrategyDecision - full vs incremental decided
	PhaseStrategyDecision Phase = "strategy-decision"

	// PhaseCapture - main capture finished
	PhaseCapture Phase = "capture"

	// PhaseAuxiliaryCapture - auxiliary capture (e.g. boot partition) finished
	PhaseAuxiliaryCapture Phase = "auxiliary-capture"

	// PhasePostProcess - manifest and integrity data written
	PhasePostProcess Phase = "post-process"

	// PhaseDone - run completed, checkpoint cleared
	PhaseDone Phase = "done"

	// PhaseFailed - terminal failure, checkpoint preserved
	PhaseFailed Phase = "failed"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Phases lists every phase of the orchestrator's state machine in order.
func Phases() []Phase {
	return []Phase{
		PhaseInit,
		PhaseAdminCheck,
		PhaseConnectRemote,
		PhaseSnapshotCreate,
		PhaseStrategyDecision,
		PhaseCapture,
		PhaseAuxiliaryCapture,
		PhasePostProcess,
		PhaseDone,
		PhaseFailed,
	}
}

// ValidPhase reports whether p is a member of the orchestrator's phase enum.
func ValidPhase(p Phase) bool {
	for _, known := range Phases() {
		if p == known {
			return true
		}
	}
	return false
}

// Credentials carries the account used to reach the remote share.
// Never logged; only ever written to a 0600 temporary file consumed
// by the mount utility and removed during cleanup.
type Credentials struct {
	User string
	Pass string
}

// BackupTask is the input descriptor handed to the orchestrator by the
// scheduling layer. Immutable for the duration of one run.
type BackupTask struct {
	DeviceID      string
	BackupType    BackupType
	RemoteAddress string
	ShareName     string
	Credentials   Credentials

	// Paths lists the folders to copy in file mode, in order.
	Paths []string

	// SourceVolume is the volume captured in image mode (e.g. "C:").
	SourceVolume string

	// AuxVolumes lists additional volumes captured after the main one
	// (e.g. the boot partition). Image mode only.
	AuxVolumes []string
}

// PathResult is the outcome of one path in a file-mode backup.
type PathResult struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// BackupResult is returned to the scheduling layer on success.
type BackupResult struct {
	Type      BackupType   `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Results   []PathResult `json:"results,omitempty"`
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a config string into a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch s {
	case "debug", "DEBUG":
		return LogLevelDebug, true
	case "info", "INFO":
		return LogLevelInfo, true
	case "warning", "WARNING", "warn", "WARN":
		return LogLevelWarning, true
	case "error", "ERROR":
		return LogLevelError, true
	case "critical", "CRITICAL":
		return LogLevelCritical, true
	default:
		return LogLevelInfo, false
	}
}
