package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/types"
)

// CopyOutcome describes one finished per-path copy. Warning carries the
// diagnostic text of a partial success (copy completed but some entries
// were mismatched or skipped).
type CopyOutcome struct {
	Warning string
}

// Copier copies one source path at a time to a destination directory using
// the platform copy tool, classifying its exit code into success, partial
// success and failure.
type Copier struct {
	logger *logging.Logger
	runner CommandRunner
	goos   string
}

// NewCopier creates a Copier using the host platform's copy tool.
func NewCopier(logger *logging.Logger, runner CommandRunner) *Copier {
	return &Copier{logger: logger, runner: runner, goos: runtime.GOOS}
}

// SetPlatform overrides the detected OS (useful for tests).
func (c *Copier) SetPlatform(goos string) {
	if goos != "" {
		c.goos = goos
	}
}

// CopyPath copies src into destDir, preserving the source's base name.
//
// On Windows the copy runs through robocopy, whose exit code is a bitmask:
// 0-3 mean a clean copy, 4-7 mean the copy completed with mismatches or
// skipped entries (reported as a warning, not a failure), 8 and above mean
// at least one copy operation failed.
func (c *Copier) CopyPath(ctx context.Context, src, destDir string) (*CopyOutcome, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &types.ValidationError{Field: "path", Msg: "empty source path"}
	}

	if c.goos == "windows" {
		return c.copyRobocopy(ctx, src, destDir)
	}
	return c.copyPosix(ctx, src, destDir)
}

func (c *Copier) copyRobocopy(ctx context.Context, src, destDir string) (*CopyOutcome, error) {
	dest := filepath.Join(destDir, filepath.Base(strings.TrimRight(src, `\/`)))
	args := []string{src, dest, "/E", "/COPY:DAT", "/R:1", "/W:1", "/NP", "/NFL", "/NDL"}
	c.logger.Debug("robocopy %s -> %s", src, dest)

	out, err := c.runner.Run(ctx, "robocopy", args...)
	if err == nil {
		// Exit 0: nothing to copy, source and destination already in sync.
		return &CopyOutcome{}, nil
	}

	code := exitCodeOf(err)
	switch {
	case code >= 1 && code <= 3:
		return &CopyOutcome{}, nil
	case code >= 4 && code <= 7:
		warning := fmt.Sprintf("robocopy completed with mismatches (exit code %d)", code)
		c.logger.Warning("%s: %s", src, warning)
		return &CopyOutcome{Warning: warning}, nil
	default:
		return nil, types.NewExternalToolError("robocopy", code, string(out), err)
	}
}

func (c *Copier) copyPosix(ctx context.Context, src, destDir string) (*CopyOutcome, error) {
	c.logger.Debug("cp -a %s -> %s", src, destDir)
	out, err := c.runner.Run(ctx, "cp", "-a", src, destDir)
	if err != nil {
		return nil, types.NewExternalToolError("cp", exitCodeOf(err), string(out), err)
	}
	return &CopyOutcome{}, nil
}
