package types

import (
	"errors"
	"fmt"
	"strings"
)

// maxDiagnosticLen bounds captured tool output carried inside errors.
const maxDiagnosticLen = 2048

// ValidationError reports invalid task input. Raised before any side effect.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Msg)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExternalToolError reports a non-zero exit from an external tool along with
// its captured diagnostic output, truncated to a bounded length.
type ExternalToolError struct {
	Tool     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExternalToolError) Error() string {
	msg := fmt.Sprintf("%s failed (exit code %d)", e.Tool, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// NewExternalToolError builds an ExternalToolError with bounded output.
func NewExternalToolError(tool string, exitCode int, output string, err error) *ExternalToolError {
	if len(output) > maxDiagnosticLen {
		output = output[:maxDiagnosticLen] + "... (truncated)"
	}
	return &ExternalToolError{Tool: tool, ExitCode: exitCode, Output: output, Err: err}
}

// UnsupportedPlatformError reports a feature requested on a platform that
// lacks it. Callers degrade to a safe fallback instead of aborting.
type UnsupportedPlatformError struct {
	Feature  string
	Platform string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("%s is not supported on %s", e.Feature, e.Platform)
}

// IsUnsupportedPlatform reports whether err is (or wraps) an
// UnsupportedPlatformError.
func IsUnsupportedPlatform(err error) bool {
	var ue *UnsupportedPlatformError
	return errors.As(err, &ue)
}

// CorruptStateError reports an unreadable persisted record. Treated as
// absent by loaders, never fatal.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }
