package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/types"
)

func TestPrometheusExporterExport(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(types.LogLevelError, false)
	exporter := NewPrometheusExporter(dir, logger)

	metrics := &RunMetrics{
		Hostname:       "test-host",
		DeviceID:       "device-7",
		BackupType:     "files",
		StartTime:      time.Unix(1000, 0),
		EndTime:        time.Unix(1100, 0),
		Duration:       100 * time.Second,
		ExitCode:       0,
		ErrorCount:     1,
		WarningCount:   2,
		CaptureMode:    "incremental",
		Resumed:        true,
		RetriesUsed:    3,
		BytesProcessed: 123456789,
		FilesCaptured:  42,
		FilesFailed:    2,
	}

	if err := exporter.Export(metrics); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	outputPath := filepath.Join(dir, "hostsave.prom")
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read metrics file: %v", err)
	}

	content := string(data)
	for _, expected := range []string{
		"hostsave_start_time_seconds 1000",
		"hostsave_end_time_seconds 1100",
		"hostsave_duration_seconds 100.00",
		"hostsave_exit_code 0",
		"hostsave_status 1",
		"hostsave_errors_total 1",
		"hostsave_warnings_total 2",
		"hostsave_incremental 1",
		"hostsave_resumed 1",
		"hostsave_retries_total 3",
		"hostsave_bytes_processed 123456789",
		"hostsave_files_captured_total 42",
		"hostsave_files_failed_total 2",
		"hostsave_info{hostname=\"test-host\",device_id=\"device-7\",backup_type=\"files\",capture_mode=\"incremental\"} 1",
	} {
		if !strings.Contains(content, expected) {
			t.Fatalf("metrics output missing %q\n%s", expected, content)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "hostsave.prom.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp metrics file should be renamed away, stat err = %v", err)
	}
}

func TestPrometheusExporterNilMetrics(t *testing.T) {
	dir := t.TempDir()
	exporter := NewPrometheusExporter(dir, nil)
	if err := exporter.Export(nil); err != nil {
		t.Fatalf("Export(nil) error = %v", err)
	}
}

func TestPrometheusExporterEmptyDir(t *testing.T) {
	exporter := NewPrometheusExporter("", nil)
	if err := exporter.Export(&RunMetrics{}); err == nil {
		t.Fatal("expected error for empty textfile directory")
	}
}
