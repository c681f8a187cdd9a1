// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration or task validation error.
	ExitConfigError ExitCode = 2

	// ExitEnvironmentError - Unsupported platform or missing capability.
	ExitEnvironmentError ExitCode = 3

	// ExitBackupError - Error during the backup operation (generic).
	ExitBackupError ExitCode = 4

	// ExitMountError - Error while connecting or disconnecting the remote share.
	ExitMountError ExitCode = 5

	// ExitNetworkError - Network error after exhausting retries.
	ExitNetworkError ExitCode = 6

	// ExitPermissionError - Permission error (admin check, mount rights).
	ExitPermissionError ExitCode = 7

	// ExitVerificationError - Error during integrity verification.
	ExitVerificationError ExitCode = 8

	// ExitSnapshotError - Error while creating the point-in-time snapshot.
	ExitSnapshotError ExitCode = 9

	// ExitCaptureError - Error in the capture stage of the pipeline.
	ExitCaptureError ExitCode = 10

	// ExitCompressionError - Error in the compression stage of the pipeline.
	ExitCompressionError ExitCode = 11

	// ExitStateError - Unrecoverable checkpoint-store error.
	ExitStateError ExitCode = 12

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 13

	// ExitAlreadyRunning - A backup run is already active in this agent.
	ExitAlreadyRunning ExitCode = 14
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitEnvironmentError:
		return "environment error"
	case ExitBackupError:
		return "backup error"
	case ExitMountError:
		return "mount error"
	case ExitNetworkError:
		return "network error"
	case ExitPermissionError:
		return "permission error"
	case ExitVerificationError:
		return "verification error"
	case ExitSnapshotError:
		return "snapshot error"
	case ExitCaptureError:
		return "capture error"
	case ExitCompressionError:
		return "compression error"
	case ExitStateError:
		return "state error"
	case ExitPanicError:
		return "panic"
	case ExitAlreadyRunning:
		return "already running"
	default:
		return "unknown error"
	}
}

// Int returns the numeric value of the exit code.
func (e ExitCode) Int() int {
	return int(e)
}
