package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/hostsave/internal/logging"
)

// RunMetrics represents the subset of run statistics exported as Prometheus metrics.
type RunMetrics struct {
	Hostname   string
	DeviceID   string
	BackupType string

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	ExitCode     int
	ErrorCount   int
	WarningCount int
	CaptureMode  string // full or incremental
	Resumed      bool
	RetriesUsed  int

	BytesProcessed int64
	FilesCaptured  int
	FilesFailed    int
}

// PrometheusExporter writes run metrics in Prometheus textfile format for node_exporter.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewPrometheusExporter creates a new PrometheusExporter using the provided directory.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Export writes the given metrics snapshot to hostsave.prom in textfileDir.
func (pe *PrometheusExporter) Export(m *RunMetrics) error {
	if pe == nil || m == nil {
		return nil
	}

	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}

	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	tmpPath := filepath.Join(pe.textfileDir, "hostsave.prom.tmp")
	finalPath := filepath.Join(pe.textfileDir, "hostsave.prom")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create metrics file %s: %w", tmpPath, err)
	}
	defer f.Close()

	writeMetric := func(name, mtype, help, value string) {
		fmt.Fprintf(f, "# HELP %s %s\n", name, help)
		fmt.Fprintf(f, "# TYPE %s %s\n", name, mtype)
		fmt.Fprintln(f, value)
	}

	startTs := float64(m.StartTime.Unix())
	endTs := float64(m.EndTime.Unix())
	if m.EndTime.IsZero() && !m.StartTime.IsZero() {
		endTs = float64(m.StartTime.Unix() + int64(m.Duration.Seconds()))
	}

	// Status gauge: 0=success, 1=warning, 2=error
	status := 0
	if m.ExitCode != 0 {
		status = 2
	} else if m.WarningCount > 0 {
		status = 1
	}

	incremental := 0
	if m.CaptureMode == "incremental" {
		incremental = 1
	}
	resumed := 0
	if m.Resumed {
		resumed = 1
	}

	writeMetric(
		"hostsave_start_time_seconds",
		"gauge",
		"Unix timestamp of backup start",
		fmt.Sprintf("hostsave_start_time_seconds %.0f", startTs),
	)

	writeMetric(
		"hostsave_end_time_seconds",
		"gauge",
		"Unix timestamp of backup end",
		fmt.Sprintf("hostsave_end_time_seconds %.0f", endTs),
	)

	writeMetric(
		"hostsave_duration_seconds",
		"gauge",
		"Duration of last backup in seconds",
		fmt.Sprintf("hostsave_duration_seconds %.2f", m.Duration.Seconds()),
	)

	writeMetric(
		"hostsave_exit_code",
		"gauge",
		"Exit code of last backup",
		fmt.Sprintf("hostsave_exit_code %d", m.ExitCode),
	)

	writeMetric(
		"hostsave_status",
		"gauge",
		"Status of last backup (0=success,1=warning,2=error)",
		fmt.Sprintf("hostsave_status %d", status),
	)

	writeMetric(
		"hostsave_errors_total",
		"gauge",
		"Total number of errors in last backup",
		fmt.Sprintf("hostsave_errors_total %d", m.ErrorCount),
	)

	writeMetric(
		"hostsave_warnings_total",
		"gauge",
		"Total number of warnings in last backup",
		fmt.Sprintf("hostsave_warnings_total %d", m.WarningCount),
	)

	writeMetric(
		"hostsave_incremental",
		"gauge",
		"Whether the last capture was incremental (1) or full (0)",
		fmt.Sprintf("hostsave_incremental %d", incremental),
	)

	writeMetric(
		"hostsave_resumed",
		"gauge",
		"Whether the last run resumed from a checkpoint",
		fmt.Sprintf("hostsave_resumed %d", resumed),
	)

	writeMetric(
		"hostsave_retries_total",
		"gauge",
		"Retries spent on network operations in last backup",
		fmt.Sprintf("hostsave_retries_total %d", m.RetriesUsed),
	)

	writeMetric(
		"hostsave_bytes_processed",
		"gauge",
		"Total number of bytes processed during last backup",
		fmt.Sprintf("hostsave_bytes_processed %d", m.BytesProcessed),
	)

	writeMetric(
		"hostsave_files_captured_total",
		"gauge",
		"Total files successfully captured during last backup",
		fmt.Sprintf("hostsave_files_captured_total %d", m.FilesCaptured),
	)

	writeMetric(
		"hostsave_files_failed_total",
		"gauge",
		"Total files that failed to capture during last backup",
		fmt.Sprintf("hostsave_files_failed_total %d", m.FilesFailed),
	)

	// Static info metric with labels
	fmt.Fprintf(f, "# HELP hostsave_info Static information about this backup instance\n")
	fmt.Fprintf(f, "# TYPE hostsave_info gauge\n")
	fmt.Fprintf(
		f,
		"hostsave_info{hostname=%q,device_id=%q,backup_type=%q,capture_mode=%q} 1\n",
		m.Hostname,
		m.DeviceID,
		m.BackupType,
		m.CaptureMode,
	)

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync metrics file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename metrics file to %s: %w", finalPath, err)
	}

	if pe.logger != nil {
		pe.logger.Debug("Prometheus metrics exported to %s", finalPath)
	}

	return nil
}
