package backup

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/tis24dev/hostsave/internal/types"
)

type copierRunner struct {
	exitCode int
	calls    [][]string
}

func (r *copierRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.exitCode == 0 {
		return nil, nil
	}
	// Produce a real exit code the classifier can extract.
	cmd := exec.Command("sh", "-c", fmt.Sprintf("exit %d", r.exitCode))
	return []byte("tool output"), cmd.Run()
}

func TestCopyPathCleanExit(t *testing.T) {
	for _, code := range []int{0, 1, 2, 3} {
		runner := &copierRunner{exitCode: code}
		c := NewCopier(testLogger(), runner)
		c.SetPlatform("windows")

		outcome, err := c.CopyPath(context.Background(), `C:\Users\alice`, `\\nas\backups\host01`)
		if err != nil {
			t.Errorf("exit code %d: unexpected error: %v", code, err)
			continue
		}
		if outcome.Warning != "" {
			t.Errorf("exit code %d: unexpected warning %q", code, outcome.Warning)
		}
	}
}

func TestCopyPathPartialSuccessWarns(t *testing.T) {
	for _, code := range []int{4, 5, 6, 7} {
		runner := &copierRunner{exitCode: code}
		c := NewCopier(testLogger(), runner)
		c.SetPlatform("windows")

		outcome, err := c.CopyPath(context.Background(), `C:\Users\alice`, `\\nas\backups\host01`)
		if err != nil {
			t.Errorf("exit code %d: unexpected error: %v", code, err)
			continue
		}
		if outcome.Warning == "" {
			t.Errorf("exit code %d: expected a warning", code)
		}
	}
}

func TestCopyPathFailure(t *testing.T) {
	runner := &copierRunner{exitCode: 8}
	c := NewCopier(testLogger(), runner)
	c.SetPlatform("windows")

	_, err := c.CopyPath(context.Background(), `C:\Users\alice`, `\\nas\backups\host01`)
	if err == nil {
		t.Fatal("expected error for exit code 8")
	}
	var toolErr *types.ExternalToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected *types.ExternalToolError, got %T", err)
	}
	if toolErr.Tool != "robocopy" || toolErr.ExitCode != 8 {
		t.Errorf("unexpected tool error: %+v", toolErr)
	}
}

func TestCopyPathCommandShape(t *testing.T) {
	runner := &copierRunner{}
	c := NewCopier(testLogger(), runner)
	c.SetPlatform("windows")

	if _, err := c.CopyPath(context.Background(), `C:\Users\alice`, `D:\dest`); err != nil {
		t.Fatalf("CopyPath: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 command, got %d", len(runner.calls))
	}
	cmd := strings.Join(runner.calls[0], " ")
	if !strings.HasPrefix(cmd, "robocopy ") || !strings.Contains(cmd, "/E") {
		t.Errorf("unexpected command: %s", cmd)
	}
	if !strings.Contains(cmd, "alice") {
		t.Errorf("destination must keep the source base name: %s", cmd)
	}
}

func TestNewCopierUsesHostPlatform(t *testing.T) {
	runner := &copierRunner{}
	c := NewCopier(testLogger(), runner)

	if c.goos != runtime.GOOS {
		t.Fatalf("default platform = %q, want %q", c.goos, runtime.GOOS)
	}

	if _, err := c.CopyPath(context.Background(), "/home/alice", "/mnt/backups"); err != nil {
		t.Fatalf("CopyPath: %v", err)
	}
	want := "cp"
	if runtime.GOOS == "windows" {
		want = "robocopy"
	}
	if got := runner.calls[0][0]; got != want {
		t.Errorf("copy tool = %q, want %q on %s", got, want, runtime.GOOS)
	}
}

func TestCopyPathPosix(t *testing.T) {
	runner := &copierRunner{}
	c := NewCopier(testLogger(), runner)
	c.SetPlatform("linux")

	if _, err := c.CopyPath(context.Background(), "/home/alice", "/mnt/backups"); err != nil {
		t.Fatalf("CopyPath: %v", err)
	}
	if got := strings.Join(runner.calls[0], " "); got != "cp -a /home/alice /mnt/backups" {
		t.Errorf("unexpected command: %s", got)
	}
}

func TestCopyPathRejectsEmptySource(t *testing.T) {
	runner := &copierRunner{}
	c := NewCopier(testLogger(), runner)

	_, err := c.CopyPath(context.Background(), "   ", "/dest")
	if !types.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Error("no command may run for invalid input")
	}
}
