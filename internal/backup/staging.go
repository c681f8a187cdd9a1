package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tis24dev/hostsave/internal/logging"
)

// Stager materializes a changed-file set into a scratch directory that
// preserves the original relative layout. The staging area becomes the
// capture source for incremental runs, bounding capture work to the change
// set instead of the whole volume.
type Stager struct {
	logger *logging.Logger
}

// NewStager creates a Stager.
func NewStager(logger *logging.Logger) *Stager {
	return &Stager{logger: logger}
}

// StageResult reports what was materialized.
type StageResult struct {
	Dir          string
	FilesStaged  int
	FilesSkipped int
	BytesStaged  int64
}

// Stage links or copies each path under root into stagingDir, preserving
// the path relative to root. Hard links are preferred; a byte copy is the
// fallback for filesystems that refuse them. Files that vanished since
// enumeration are skipped with a warning.
func (s *Stager) Stage(ctx context.Context, root string, paths []string, stagingDir string) (*StageResult, error) {
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	result := &StageResult{Dir: stagingDir}
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		rel, err := relativeTo(root, path)
		if err != nil {
			s.logger.Warning("Skipping %s: %v", path, err)
			result.FilesSkipped++
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			s.logger.Warning("Skipping %s: %v", path, err)
			result.FilesSkipped++
			continue
		}
		if info.IsDir() {
			continue
		}

		target := filepath.Join(stagingDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
			return result, fmt.Errorf("create staging subdirectory for %s: %w", rel, err)
		}

		if err := os.Link(path, target); err != nil {
			if copyErr := copyFile(path, target); copyErr != nil {
				s.logger.Warning("Skipping %s: %v", path, copyErr)
				result.FilesSkipped++
				continue
			}
		}
		result.FilesStaged++
		result.BytesStaged += info.Size()
	}

	s.logger.Debug("Staged %d files (%d bytes, %d skipped) into %s",
		result.FilesStaged, result.BytesStaged, result.FilesSkipped, stagingDir)
	return result, nil
}

// Remove deletes a staging directory. Errors are logged, not returned:
// staging cleanup must never mask a capture failure.
func (s *Stager) Remove(stagingDir string) {
	if stagingDir == "" {
		return
	}
	if err := os.RemoveAll(stagingDir); err != nil {
		s.logger.Warning("Failed to remove staging directory %s: %v", stagingDir, err)
	}
}

// relativeTo computes path relative to root, rejecting paths that escape
// it.
func relativeTo(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside %s", path, root)
	}
	return rel, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
