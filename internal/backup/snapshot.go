// Package backup implements the capture side of a run: volume snapshots,
// the producer/consumer capture pipeline, incremental staging and the
// integrity manifest.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/types"
)

// CommandRunner executes external tools and returns their combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Snapshot identifies a created shadow copy and the device path to read it
// from.
type Snapshot struct {
	ID         string
	DevicePath string
}

// Snapshotter manages copy-on-write volume snapshots for image capture.
type Snapshotter struct {
	logger *logging.Logger
	runner CommandRunner
	goos   string
}

// NewSnapshotter creates a Snapshotter for the current platform.
func NewSnapshotter(logger *logging.Logger, runner CommandRunner) *Snapshotter {
	return &Snapshotter{logger: logger, runner: runner, goos: runtime.GOOS}
}

// SetPlatform overrides the detected OS (useful for tests).
func (s *Snapshotter) SetPlatform(goos string) {
	if goos != "" {
		s.goos = goos
	}
}

var (
	shadowIDPattern   = regexp.MustCompile(`(?i)Shadow Copy ID:\s*(\{[0-9a-f-]{36}\})`)
	shadowPathPattern = regexp.MustCompile(`(?i)Shadow Copy Volume Name:\s*(\S+)`)
)

// CreateSnapshot creates a copy-on-write snapshot of sourceVolume and
// returns its id and readable device path.
func (s *Snapshotter) CreateSnapshot(ctx context.Context, sourceVolume string) (*Snapshot, error) {
	if s.goos != "windows" {
		return nil, &types.UnsupportedPlatformError{Feature: "volume snapshot", Platform: s.goos}
	}

	s.logger.Step("Creating snapshot of %s", sourceVolume)
	out, err := s.runner.Run(ctx, "vssadmin", "create", "shadow", "/for="+sourceVolume)
	if err != nil {
		return nil, types.NewExternalToolError("vssadmin", exitCodeOf(err), string(out), err)
	}

	text := string(out)
	idMatch := shadowIDPattern.FindStringSubmatch(text)
	pathMatch := shadowPathPattern.FindStringSubmatch(text)
	if idMatch == nil || pathMatch == nil {
		err := fmt.Errorf("snapshot id or device path missing from output")
		return nil, types.NewExternalToolError("vssadmin", 0, string(out), err)
	}

	snap := &Snapshot{ID: idMatch[1], DevicePath: pathMatch[1]}
	s.logger.Info("Snapshot created: %s (%s)", snap.ID, snap.DevicePath)
	return snap, nil
}

// ValidateSnapshotID checks the strict GUID form of a snapshot id. Anything
// else is rejected before it can reach a deletion command line.
func ValidateSnapshotID(id string) error {
	trimmed := strings.TrimSpace(id)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return &types.ValidationError{Field: "snapshot_id", Msg: fmt.Sprintf("not a braced GUID: %q", id)}
	}
	if _, err := uuid.Parse(strings.Trim(trimmed, "{}")); err != nil {
		return &types.ValidationError{Field: "snapshot_id", Msg: fmt.Sprintf("malformed GUID %q: %v", id, err)}
	}
	return nil
}

// DeleteSnapshot removes a snapshot by id. The id is validated before being
// interpolated into the command line. Callers treat failure as a warning:
// leaked snapshots are garbage collected by the platform eventually.
func (s *Snapshotter) DeleteSnapshot(ctx context.Context, id string) error {
	if s.goos != "windows" {
		return &types.UnsupportedPlatformError{Feature: "volume snapshot", Platform: s.goos}
	}
	if err := ValidateSnapshotID(id); err != nil {
		return err
	}

	s.logger.Step("Deleting snapshot %s", id)
	out, err := s.runner.Run(ctx, "vssadmin", "delete", "shadows", "/shadow="+strings.TrimSpace(id), "/quiet")
	if err != nil {
		return types.NewExternalToolError("vssadmin", exitCodeOf(err), string(out), err)
	}
	return nil
}

// exitCodeOf extracts a process exit code when err carries one.
func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
