package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tis24dev/hostsave/internal/types"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelWarning, false)
	logger.SetOutput(&buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warning("warning message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below the level must be suppressed:\n%s", out)
	}
	if !strings.Contains(out, "warning message") || !strings.Contains(out, "error message") {
		t.Errorf("warning and error must pass the filter:\n%s", out)
	}
}

func TestWarningAndErrorCounters(t *testing.T) {
	logger := New(types.LogLevelDebug, false)
	logger.SetOutput(&bytes.Buffer{})

	if logger.HasWarnings() || logger.HasErrors() {
		t.Fatal("fresh logger must have zero counters")
	}

	logger.Warning("w1")
	logger.Warning("w2")
	logger.Error("e1")
	logger.Critical("c1")

	if got := logger.WarningCount(); got != 2 {
		t.Errorf("WarningCount = %d, want 2", got)
	}
	if got := logger.ErrorCount(); got != 2 {
		t.Errorf("ErrorCount = %d, want 2", got)
	}
	if !logger.HasWarnings() || !logger.HasErrors() {
		t.Error("HasWarnings/HasErrors must report logged records")
	}
}

func TestSuppressedRecordsDoNotCount(t *testing.T) {
	logger := New(types.LogLevelCritical, false)
	logger.SetOutput(&bytes.Buffer{})

	logger.Warning("suppressed")
	logger.Error("suppressed")

	if logger.HasWarnings() || logger.HasErrors() {
		t.Error("suppressed records must not increment counters")
	}
}

func TestPhaseStepSkipLabels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&buf)

	logger.Phase("phase record")
	logger.Step("step record")
	logger.Skip("skip record")

	out := buf.String()
	for _, label := range []string{"PHASE", "STEP", "SKIP"} {
		if !strings.Contains(out, label) {
			t.Errorf("missing %s label:\n%s", label, out)
		}
	}
}

func TestCaptureRingBounded(t *testing.T) {
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&bytes.Buffer{})

	logger.EnableCapture(3)
	for i := 0; i < 10; i++ {
		logger.Info("record %d", i)
	}

	lines := logger.CapturedLines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 retained lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "record 7") || !strings.Contains(lines[2], "record 9") {
		t.Errorf("ring must retain the newest records, got %v", lines)
	}
}

func TestCaptureDisable(t *testing.T) {
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&bytes.Buffer{})

	logger.EnableCapture(5)
	logger.Info("kept")
	logger.EnableCapture(0)
	logger.Info("dropped")

	if lines := logger.CapturedLines(); len(lines) != 0 {
		t.Errorf("disable must drop retained records, got %v", lines)
	}
}

func TestFatalUsesExitFunc(t *testing.T) {
	logger := New(types.LogLevelError, false)
	logger.SetOutput(&bytes.Buffer{})

	exitCode := -1
	logger.SetExitFunc(func(code int) { exitCode = code })

	logger.Fatal(types.ExitStateError, "unrecoverable")
	if exitCode != types.ExitStateError.Int() {
		t.Errorf("exit code = %d, want %d", exitCode, types.ExitStateError.Int())
	}
}

func TestLogFileReceivesPlainRecords(t *testing.T) {
	logger := New(types.LogLevelInfo, true)
	logger.SetOutput(&bytes.Buffer{})

	if got := logger.GetLogFilePath(); got != "" {
		t.Errorf("path before OpenLogFile = %q, want empty", got)
	}

	logPath := filepath.Join(t.TempDir(), "run.log")
	if err := logger.OpenLogFile(logPath); err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	if got := logger.GetLogFilePath(); got != logPath {
		t.Errorf("GetLogFilePath = %q, want %q", got, logPath)
	}
	logger.Info("file record")
	if err := logger.CloseLogFile(); err != nil {
		t.Fatalf("CloseLogFile: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "file record") {
		t.Errorf("log file missing record:\n%s", data)
	}
	if strings.Contains(string(data), "\033[") {
		t.Error("log file must not contain ANSI color codes")
	}
}

func TestDefaultLoggerRoundTrip(t *testing.T) {
	orig := GetDefaultLogger()
	defer SetDefaultLogger(orig)

	if orig == nil {
		t.Fatal("default logger must never be nil")
	}

	replacement := New(types.LogLevelDebug, false)
	SetDefaultLogger(replacement)
	if GetDefaultLogger() != replacement {
		t.Error("GetDefaultLogger did not return the installed logger")
	}
}
