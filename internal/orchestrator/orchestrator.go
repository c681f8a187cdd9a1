// Package orchestrator drives one backup run through its phase state
// machine: privilege check, remote connection, snapshot, capture strategy,
// capture, integrity manifest. Progress is checkpointed after every durable
// side effect so an interrupted run can resume instead of starting over.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/tis24dev/hostsave/internal/backup"
	"github.com/tis24dev/hostsave/internal/checkpoint"
	"github.com/tis24dev/hostsave/internal/config"
	"github.com/tis24dev/hostsave/internal/journal"
	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/metrics"
	"github.com/tis24dev/hostsave/internal/mount"
	"github.com/tis24dev/hostsave/internal/retry"
	"github.com/tis24dev/hostsave/internal/types"
)

// logCaptureDepth bounds the log tail attached to a failed run's error.
const logCaptureDepth = 200

// BackupError reports a run failure with the phase it occurred in, the
// exit code to map it to, and the tail of the run's log for diagnostics.
type BackupError struct {
	Phase types.Phase
	Code  types.ExitCode
	Err   error
	Log   []string
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *BackupError) Unwrap() error {
	return e.Err
}

// ExitCodeFor derives the process exit code from a run error.
func ExitCodeFor(err error) types.ExitCode {
	if err == nil {
		return types.ExitSuccess
	}
	var be *BackupError
	if errors.As(err, &be) {
		return be.Code
	}
	if types.IsValidation(err) {
		return types.ExitConfigError
	}
	return types.ExitGenericError
}

// runStats accumulates per-run counters for the metrics export.
type runStats struct {
	resumed     bool
	retries     int
	mode        types.CaptureMode
	bytes       int64
	filesOK     int
	filesFailed int
}

// cleanupTask is one undo action registered during a run. Cleanups run in
// reverse registration order and never mask the run's original error.
type cleanupTask struct {
	name string
	fn   func(context.Context) error
}

// Orchestrator coordinates the backup phases for one agent.
type Orchestrator struct {
	logger *logging.Logger
	cfg    *config.Config
	store  *checkpoint.Store

	mounter   remoteMounter
	snapshots volumeSnapshotter
	pipeline  capturePipeline
	tracker   strategyDecider
	stager    fileStager
	copier    pathCopier

	clock    TimeProvider
	runner   CommandRunner
	progress ProgressSink

	goos  string
	guard runGuard
}

// New creates an Orchestrator wired to the real platform tools.
func New(logger *logging.Logger, cfg *config.Config, store *checkpoint.Store) *Orchestrator {
	runner := osCommandRunner{}

	tracker := journal.NewTracker(logger, runner)
	if len(cfg.ExcludePatterns) > 0 {
		tracker.SetExcludePatterns(cfg.ExcludePatterns)
	}
	tracker.SetThroughput(cfg.ThroughputMBPerMin)

	pipeline := backup.NewPipeline(logger, backup.PipelineConfig{
		EncryptOutput: cfg.EncryptArchive,
		AgeRecipients: loadAgeRecipients(logger, cfg),
	})

	return &Orchestrator{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		mounter:   mount.NewMounter(logger, runner, cfg.MountDir),
		snapshots: backup.NewSnapshotter(logger, runner),
		pipeline:  pipeline,
		tracker:   tracker,
		stager:    backup.NewStager(logger),
		copier:    backup.NewCopier(logger, runner),
		clock:     realTimeProvider{},
		runner:    runner,
		progress:  noopProgress{},
		goos:      runtime.GOOS,
	}
}

// loadAgeRecipients collects encryption recipients from the configuration,
// merging the inline list with the optional recipient file.
func loadAgeRecipients(logger *logging.Logger, cfg *config.Config) []age.Recipient {
	specs := append([]string(nil), cfg.AgeRecipients...)
	if cfg.AgeRecipientFile != "" {
		data, err := os.ReadFile(cfg.AgeRecipientFile)
		if err != nil {
			logger.Warning("Cannot read age recipient file %s: %v", cfg.AgeRecipientFile, err)
		} else {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				specs = append(specs, line)
			}
		}
	}

	parsed := make([]age.Recipient, 0, len(specs))
	for _, r := range specs {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(r))
		if err != nil {
			logger.Warning("Ignoring invalid age recipient: %v", err)
			continue
		}
		parsed = append(parsed, recipient)
	}
	return parsed
}

// SetPlatform overrides the detected OS (useful for tests).
func (o *Orchestrator) SetPlatform(goos string) {
	if goos != "" {
		o.goos = goos
	}
}

// SetMounter overrides the remote share mounter (useful for tests).
func (o *Orchestrator) SetMounter(m remoteMounter) {
	if m != nil {
		o.mounter = m
	}
}

// SetSnapshotter overrides the snapshot engine (useful for tests).
func (o *Orchestrator) SetSnapshotter(s volumeSnapshotter) {
	if s != nil {
		o.snapshots = s
	}
}

// SetPipeline overrides the capture pipeline (useful for tests).
func (o *Orchestrator) SetPipeline(p capturePipeline) {
	if p != nil {
		o.pipeline = p
	}
}

// SetStrategyDecider overrides the incremental decision engine (useful for tests).
func (o *Orchestrator) SetStrategyDecider(d strategyDecider) {
	if d != nil {
		o.tracker = d
	}
}

// SetStager overrides the incremental staging engine (useful for tests).
func (o *Orchestrator) SetStager(s fileStager) {
	if s != nil {
		o.stager = s
	}
}

// SetCopier overrides the per-path copy engine (useful for tests).
func (o *Orchestrator) SetCopier(c pathCopier) {
	if c != nil {
		o.copier = c
	}
}

// SetCommandRunner overrides external command execution (useful for tests).
func (o *Orchestrator) SetCommandRunner(r CommandRunner) {
	if r != nil {
		o.runner = r
	}
}

// SetTimeProvider overrides the clock (useful for tests).
func (o *Orchestrator) SetTimeProvider(tp TimeProvider) {
	if tp != nil {
		o.clock = tp
	}
}

// SetProgressSink attaches a progress consumer.
func (o *Orchestrator) SetProgressSink(p ProgressSink) {
	if p != nil {
		o.progress = p
	}
}

// Run executes one backup task end to end. On failure the returned error
// is a *BackupError carrying the failed phase, the exit code and the log
// tail; the checkpoint is preserved so the next run can resume.
func (o *Orchestrator) Run(ctx context.Context, task types.BackupTask) (result *types.BackupResult, err error) {
	if guardErr := o.guard.TryAcquire(); guardErr != nil {
		return nil, &BackupError{Phase: types.PhaseInit, Code: types.ExitAlreadyRunning, Err: guardErr}
	}
	defer o.guard.Release()

	o.logger.EnableCapture(logCaptureDepth)

	if verr := validateTask(task); verr != nil {
		return nil, o.fail(types.PhaseInit, types.ExitConfigError, verr)
	}

	stats := &runStats{mode: types.CaptureFull}
	start := o.clock.Now()
	id := checkpoint.ID(task.DeviceID, task.BackupType)

	defer func() {
		o.exportMetrics(task, start, o.clock.Now(), stats, err)
	}()

	o.logger.Phase("Backup %s starting (type=%s, device=%s)", id, task.BackupType, task.DeviceID)
	o.setProgress(types.PhaseInit, 0, "initializing")

	cp, loadErr := o.store.Load(id)
	if loadErr != nil {
		return nil, o.fail(types.PhaseInit, types.ExitStateError, loadErr)
	}
	if cp != nil {
		stats.resumed = true
		o.logger.Info("Resuming interrupted backup %s (last phase: %s, updated %s)",
			id, cp.Phase, cp.UpdatedAt.Format(time.RFC3339))
	} else {
		cp, loadErr = o.store.Create(id, map[string]string{
			"device_id":   task.DeviceID,
			"backup_type": task.BackupType.String(),
		})
		if loadErr != nil {
			return nil, o.fail(types.PhaseInit, types.ExitStateError, loadErr)
		}
	}

	var cleanups []cleanupTask
	pushCleanup := func(name string, fn func(context.Context) error) {
		cleanups = append(cleanups, cleanupTask{name: name, fn: fn})
	}
	defer func() {
		cctx := context.WithoutCancel(ctx)
		for i := len(cleanups) - 1; i >= 0; i-- {
			c := cleanups[i]
			if cerr := c.fn(cctx); cerr != nil {
				o.logger.Warning("Cleanup %s failed: %v", c.name, cerr)
			} else {
				o.logger.Debug("Cleanup %s done", c.name)
			}
		}
	}()

	// Privilege check. Snapshot creation and raw volume reads need an
	// elevated session on Windows.
	o.setProgress(types.PhaseAdminCheck, 5, "checking privileges")
	if task.BackupType == types.BackupImage && o.goos == "windows" {
		o.logger.Step("Verifying administrative privileges")
		if out, aerr := o.runner.Run(ctx, "net", "session"); aerr != nil {
			return nil, o.fail(types.PhaseAdminCheck, types.ExitPermissionError,
				fmt.Errorf("administrative privileges required for image backup: %w: %s",
					aerr, strings.TrimSpace(string(out))))
		}
	} else {
		o.logger.Skip("Privilege check not required for this task")
	}

	// Remote connection, retried under the network policy. Mounts do not
	// survive a crash, so this phase always re-runs on resume.
	o.setProgress(types.PhaseConnectRemote, 10, "connecting to remote share")
	o.logger.Phase("Connecting to remote share")
	netPolicy := o.networkPolicy(stats)
	conn, cerr := retry.Do(ctx, netPolicy, func(attempt int) (*mount.Connection, error) {
		if attempt > 0 {
			o.logger.Info("Reconnecting to %s (attempt %d)", task.RemoteAddress, attempt+1)
		}
		return o.mounter.Connect(ctx, task.RemoteAddress, task.ShareName, task.Credentials)
	})
	if cerr != nil {
		code := types.ExitMountError
		switch {
		case types.IsValidation(cerr):
			code = types.ExitConfigError
		case netPolicy.Retryable(cerr):
			code = types.ExitNetworkError
		}
		return nil, o.fail(types.PhaseConnectRemote, code, cerr)
	}
	pushCleanup("disconnect remote share", func(cctx context.Context) error {
		return o.mounter.Disconnect(cctx, conn)
	})
	o.recordPhase(id, types.PhaseConnectRemote, checkpoint.PhaseData{Connect: &checkpoint.ConnectInfo{
		MountPoint:    conn.LocalPath,
		RemoteAddress: task.RemoteAddress,
		ShareName:     task.ShareName,
	}})

	destRoot := filepath.Join(conn.LocalPath, task.DeviceID)

	// Point-in-time snapshot. Image mode only; live capture elsewhere.
	var snap *backup.Snapshot
	if task.BackupType == types.BackupImage {
		o.setProgress(types.PhaseSnapshotCreate, 20, "creating snapshot")
		if o.goos == "windows" {
			o.logger.Phase("Creating volume snapshot for %s", task.SourceVolume)
			snap, cerr = o.snapshots.CreateSnapshot(ctx, task.SourceVolume)
			if cerr != nil {
				return nil, o.fail(types.PhaseSnapshotCreate, types.ExitSnapshotError, cerr)
			}
			snapID := snap.ID
			pushCleanup("delete snapshot "+snapID, func(cctx context.Context) error {
				return o.snapshots.DeleteSnapshot(cctx, snapID)
			})
			o.recordPhase(id, types.PhaseSnapshotCreate, checkpoint.PhaseData{Snapshot: &checkpoint.SnapshotInfo{
				ID:         snap.ID,
				DevicePath: snap.DevicePath,
			}})
		} else {
			o.logger.Skip("Snapshots unavailable on %s, capturing live volume", o.goos)
		}
	}

	// Capture strategy. This decision never blocks a run: any journal
	// failure degrades to a full capture.
	strategy := &journal.Strategy{Mode: types.CaptureFull, Reason: "full capture"}
	if task.BackupType == types.BackupImage {
		o.setProgress(types.PhaseStrategyDecision, 30, "deciding capture strategy")
		if o.cfg.IncrementalEnabled {
			strategy = o.tracker.DetermineStrategy(ctx, cp, task.SourceVolume)
		} else {
			strategy.Reason = "incremental capture disabled by configuration"
		}
		o.logger.Info("Capture strategy: %s (%s)", strategy.Mode, strategy.Reason)
		if strategy.Mode == types.CaptureIncremental {
			o.logger.Info("Incremental estimate: %d changed files, ~%d MB, ~%d minutes",
				len(strategy.ChangedFiles), strategy.EstimatedSizeMB, strategy.EstimatedDurationMinutes)
		}
		o.recordPhase(id, types.PhaseStrategyDecision, checkpoint.PhaseData{})
	}
	stats.mode = strategy.Mode

	// Capture.
	o.setProgress(types.PhaseCapture, 40, "capturing data")
	result = &types.BackupResult{Type: task.BackupType, Timestamp: start}
	if cp.HasCompletedPhase(types.PhaseCapture) {
		o.logger.Skip("Capture already completed in the interrupted run")
		if task.BackupType == types.BackupFiles {
			result.Results = resumedPathResults(cp, task.Paths)
		}
	} else {
		o.logger.Phase("Capture (%s)", strategy.Mode)
		switch task.BackupType {
		case types.BackupImage:
			dest, capErr := o.captureImage(ctx, id, task, snap, strategy, destRoot, pushCleanup, stats)
			if capErr != nil {
				return nil, o.fail(types.PhaseCapture, o.captureExitCode(capErr), capErr)
			}
			o.recordPhase(id, types.PhaseCapture, checkpoint.PhaseData{Capture: &checkpoint.CaptureProgress{
				Mode:        strategy.Mode,
				Destination: dest,
			}})
		case types.BackupFiles:
			results, capErr := o.captureFiles(ctx, id, cp, task, destRoot, stats)
			result.Results = results
			if capErr != nil {
				return result, o.fail(types.PhaseCapture, types.ExitBackupError, capErr)
			}
			o.recordPhase(id, types.PhaseCapture, checkpoint.PhaseData{Capture: &checkpoint.CaptureProgress{
				Mode:        types.CaptureFull,
				Destination: destRoot,
			}})
		}
	}

	// Auxiliary volumes (boot partition and friends), always full.
	if task.BackupType == types.BackupImage && len(task.AuxVolumes) > 0 {
		o.setProgress(types.PhaseAuxiliaryCapture, 70, "capturing auxiliary volumes")
		if cp.HasCompletedPhase(types.PhaseAuxiliaryCapture) {
			o.logger.Skip("Auxiliary capture already completed in the interrupted run")
		} else {
			o.logger.Phase("Auxiliary capture (%d volume(s))", len(task.AuxVolumes))
			for _, vol := range task.AuxVolumes {
				if auxErr := o.captureAuxVolume(ctx, vol, destRoot); auxErr != nil {
					return nil, o.fail(types.PhaseAuxiliaryCapture, o.captureExitCode(auxErr), auxErr)
				}
			}
			o.recordPhase(id, types.PhaseAuxiliaryCapture, checkpoint.PhaseData{})
		}
	}

	// Post-processing: integrity manifest, then the journal cursor for the
	// next run's incremental decision.
	o.setProgress(types.PhasePostProcess, 85, "writing integrity manifest")
	o.logger.Phase("Post-processing")
	o.recordPhase(id, types.PhasePostProcess, checkpoint.PhaseData{})
	manifest, merr := backup.GenerateManifest(ctx, o.logger, destRoot, o.cfg.ManifestAlgorithm, nil)
	if merr != nil {
		return result, o.fail(types.PhasePostProcess, types.ExitVerificationError, merr)
	}
	o.logger.Info("Manifest written: %d files, %d bytes (%s)",
		manifest.TotalFiles, manifest.TotalBytes, manifest.Algorithm)
	if stats.bytes == 0 {
		stats.bytes = manifest.TotalBytes
	}
	if task.BackupType == types.BackupImage && o.goos == "windows" && o.cfg.IncrementalEnabled {
		o.tracker.SaveCursor(ctx, o.store, id, task.SourceVolume)
	}

	// Done. A leftover checkpoint would trigger a bogus resume, but a
	// failed removal is not worth failing an otherwise complete backup:
	// the expiry window caps the damage.
	o.setProgress(types.PhaseDone, 100, "completed")
	if clearErr := o.store.Clear(id); clearErr != nil {
		o.logger.Warning("Failed to clear checkpoint %s: %v", id, clearErr)
	}
	o.logger.Phase("Backup %s completed in %s", id, o.clock.Now().Sub(start).Round(time.Second))
	return result, nil
}

// fail logs the phase failure and wraps it with the run's log tail.
func (o *Orchestrator) fail(phase types.Phase, code types.ExitCode, err error) error {
	o.logger.Error("Phase %s failed: %v", phase, err)
	return &BackupError{Phase: phase, Code: code, Err: err, Log: o.logger.CapturedLines()}
}

// recordPhase persists phase completion. Checkpoint write failures degrade
// resume granularity but never abort a run in flight.
func (o *Orchestrator) recordPhase(id string, phase types.Phase, data checkpoint.PhaseData) {
	if _, err := o.store.Update(id, phase, data, nil); err != nil {
		o.logger.Warning("Failed to checkpoint phase %s: %v", phase, err)
	}
}

func (o *Orchestrator) setProgress(phase types.Phase, percent int, detail string) {
	o.progress.SetProgress(phase, percent, detail)
}

// captureExitCode distinguishes compression-stage failures from capture
// failures so schedulers can tell a broken compressor from a bad volume.
func (o *Orchestrator) captureExitCode(err error) types.ExitCode {
	var toolErr *types.ExternalToolError
	if errors.As(err, &toolErr) && toolErr.Tool == o.compressToolName() {
		return types.ExitCompressionError
	}
	return types.ExitCaptureError
}

func (o *Orchestrator) compressToolName() string {
	if o.cfg != nil && o.cfg.CompressTool != "" {
		return o.cfg.CompressTool
	}
	return "zstd"
}

// captureImage runs the two-stage pipeline for one volume and returns the
// destination file path. Incremental mode stages changed files first and
// archives the staging directory instead of reading raw blocks.
func (o *Orchestrator) captureImage(ctx context.Context, id string, task types.BackupTask, snap *backup.Snapshot, strategy *journal.Strategy, destRoot string, pushCleanup func(string, func(context.Context) error), stats *runStats) (string, error) {
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return "", fmt.Errorf("create destination directory: %w", err)
	}

	source := task.SourceVolume
	if snap != nil {
		source = snap.DevicePath
	}

	var producer backup.Stage
	ext := ".img.zst"
	if strategy.Mode == types.CaptureIncremental {
		stagingDir := filepath.Join(o.cfg.WorkDir, "staging-"+id)
		paths := make([]string, 0, len(strategy.ChangedFiles))
		for _, f := range strategy.ChangedFiles {
			paths = append(paths, f.Path)
		}
		staged, err := o.stager.Stage(ctx, volumeRoot(task.SourceVolume), paths, stagingDir)
		if err != nil {
			return "", fmt.Errorf("stage changed files: %w", err)
		}
		pushCleanup("remove staging directory", func(context.Context) error {
			o.stager.Remove(stagingDir)
			return nil
		})
		o.logger.Info("Staged %d files (%d bytes, %d skipped)",
			staged.FilesStaged, staged.BytesStaged, staged.FilesSkipped)
		stats.bytes = staged.BytesStaged
		producer = o.archiveStage(stagingDir)
		ext = ".tar.zst"
	} else {
		producer = o.imageStage(source)
	}

	timestamp := o.clock.Now().Format("20060102-150405")
	dest := filepath.Join(destRoot, fmt.Sprintf("%s-%s-%s%s",
		sanitizeVolumeName(task.SourceVolume), strategy.Mode, timestamp, ext))
	if o.cfg.EncryptArchive {
		dest += ".age"
	}

	if err := o.pipeline.Run(ctx, producer, o.compressStage(), dest); err != nil {
		return "", err
	}
	o.logger.Info("Capture written to %s", dest)
	return dest, nil
}

// captureAuxVolume captures one auxiliary volume, always full.
func (o *Orchestrator) captureAuxVolume(ctx context.Context, volume, destRoot string) error {
	timestamp := o.clock.Now().Format("20060102-150405")
	dest := filepath.Join(destRoot, fmt.Sprintf("aux-%s-%s.img.zst", sanitizeVolumeName(volume), timestamp))
	if o.cfg.EncryptArchive {
		dest += ".age"
	}
	o.logger.Step("Capturing auxiliary volume %s", volume)
	return o.pipeline.Run(ctx, o.imageStage(volume), o.compressStage(), dest)
}

// captureFiles copies each configured path, retrying per path and skipping
// paths already completed in an interrupted run. One failed path never
// aborts the remaining ones; the aggregate error is raised at the end.
func (o *Orchestrator) captureFiles(ctx context.Context, id string, cp *checkpoint.Checkpoint, task types.BackupTask, destRoot string, stats *runStats) ([]types.PathResult, error) {
	destDir := filepath.Join(destRoot, "files")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	policy := o.copyPolicy(stats)
	results := make([]types.PathResult, 0, len(task.Paths))
	failed := 0

	for _, path := range task.Paths {
		if cp.FileCompleted(path) {
			o.logger.Skip("%s already backed up in the interrupted run", path)
			results = append(results, types.PathResult{Path: path, Success: true})
			continue
		}

		o.logger.Step("Copying %s", path)
		outcome, err := retry.Do(ctx, policy, func(attempt int) (*backup.CopyOutcome, error) {
			return o.copier.CopyPath(ctx, path, destDir)
		})
		if err != nil {
			failed++
			stats.filesFailed++
			o.logger.Error("Failed to copy %s: %v", path, err)
			results = append(results, types.PathResult{Path: path, Error: err.Error()})
			continue
		}

		res := types.PathResult{Path: path, Success: true}
		if outcome != nil && outcome.Warning != "" {
			res.Warning = outcome.Warning
		}
		size, hash := o.describeSource(ctx, path)
		if _, merr := o.store.MarkFileCompleted(id, path, size, hash); merr != nil {
			o.logger.Warning("Failed to record completed path %s: %v", path, merr)
		}
		stats.filesOK++
		stats.bytes += size
		results = append(results, res)
	}

	if failed > 0 {
		return results, fmt.Errorf("%d of %d paths failed", failed, len(task.Paths))
	}
	return results, nil
}

// resumedPathResults reconstructs the per-path outcome list when the capture
// phase was already completed by the interrupted run. Paths recorded in the
// checkpoint were copied successfully; anything else was not part of that run.
func resumedPathResults(cp *checkpoint.Checkpoint, paths []string) []types.PathResult {
	results := make([]types.PathResult, 0, len(paths))
	for _, path := range paths {
		results = append(results, types.PathResult{Path: path, Success: cp.FileCompleted(path)})
	}
	return results
}

// describeSource returns the size and content hash recorded for a completed
// path. Directories are recorded without a hash; the manifest covers the
// copied contents.
func (o *Orchestrator) describeSource(ctx context.Context, path string) (int64, string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, ""
	}
	hash, size, herr := backup.HashFile(ctx, path, o.cfg.ManifestAlgorithm)
	if herr != nil {
		return info.Size(), ""
	}
	return size, hash
}

func (o *Orchestrator) imageStage(source string) backup.Stage {
	if o.cfg.CaptureTool != "" {
		return backup.Stage{
			Name:            o.cfg.CaptureTool,
			Path:            o.cfg.CaptureTool,
			Args:            append(append([]string(nil), o.cfg.CaptureToolArgs...), source),
			BenignExitCodes: o.cfg.CaptureBenignExitCodes,
		}
	}
	return backup.Stage{
		Name:            "dd",
		Path:            "dd",
		Args:            []string{"if=" + source, "bs=4M"},
		BenignExitCodes: o.cfg.CaptureBenignExitCodes,
	}
}

func (o *Orchestrator) archiveStage(dir string) backup.Stage {
	return backup.Stage{
		Name: "tar",
		Path: "tar",
		Args: []string{"-cf", "-", "-C", dir, "."},
	}
}

func (o *Orchestrator) compressStage() backup.Stage {
	tool := o.compressToolName()
	args := o.cfg.CompressToolArgs
	if len(args) == 0 {
		args = []string{"-3", "-q", "-c"}
	}
	return backup.Stage{Name: tool, Path: tool, Args: append([]string(nil), args...)}
}

// networkPolicy builds the retry policy for remote-share operations from
// the configuration, counting retries for the metrics export.
func (o *Orchestrator) networkPolicy(stats *runStats) retry.Policy {
	p := retry.DefaultNetworkPolicy()
	o.applyRetryConfig(&p)
	p.OnRetry = func(err error, attempt int, delay time.Duration) {
		stats.retries++
		o.logger.Warning("Attempt %d failed: %v (retrying in %s)", attempt, err, delay.Round(time.Millisecond))
	}
	return p
}

// copyPolicy is the per-path retry policy for file-mode copies. Unlike the
// network policy it retries every error: transient sharing violations are
// indistinguishable from the copy tool's generic exit codes.
func (o *Orchestrator) copyPolicy(stats *runStats) retry.Policy {
	p := retry.DefaultNetworkPolicy()
	p.RetryablePatterns = nil
	o.applyRetryConfig(&p)
	p.OnRetry = func(err error, attempt int, delay time.Duration) {
		stats.retries++
		o.logger.Warning("Copy attempt %d failed: %v (retrying in %s)", attempt, err, delay.Round(time.Millisecond))
	}
	return p
}

func (o *Orchestrator) applyRetryConfig(p *retry.Policy) {
	if o.cfg == nil {
		return
	}
	if o.cfg.RetryMaxRetries >= 0 {
		p.MaxRetries = o.cfg.RetryMaxRetries
	}
	if o.cfg.RetryBaseDelayMs > 0 {
		p.BaseDelay = time.Duration(o.cfg.RetryBaseDelayMs) * time.Millisecond
	}
	if o.cfg.RetryMaxDelayMs > 0 {
		p.MaxDelay = time.Duration(o.cfg.RetryMaxDelayMs) * time.Millisecond
	}
	if o.cfg.RetryFactor > 0 {
		p.Factor = o.cfg.RetryFactor
	}
	p.Jitter = o.cfg.RetryJitter
}

func (o *Orchestrator) exportMetrics(task types.BackupTask, start, end time.Time, stats *runStats, runErr error) {
	if o.cfg == nil || !o.cfg.MetricsEnabled {
		return
	}

	hostname, _ := os.Hostname()
	m := &metrics.RunMetrics{
		Hostname:       hostname,
		DeviceID:       task.DeviceID,
		BackupType:     task.BackupType.String(),
		StartTime:      start,
		EndTime:        end,
		Duration:       end.Sub(start),
		ExitCode:       ExitCodeFor(runErr).Int(),
		ErrorCount:     int(o.logger.ErrorCount()),
		WarningCount:   int(o.logger.WarningCount()),
		CaptureMode:    stats.mode.String(),
		Resumed:        stats.resumed,
		RetriesUsed:    stats.retries,
		BytesProcessed: stats.bytes,
		FilesCaptured:  stats.filesOK,
		FilesFailed:    stats.filesFailed,
	}

	exporter := metrics.NewPrometheusExporter(o.cfg.MetricsPath, o.logger)
	if err := exporter.Export(m); err != nil {
		o.logger.Warning("Failed to export Prometheus metrics: %v", err)
	}
}

// validateTask rejects malformed tasks before any side effect.
func validateTask(task types.BackupTask) error {
	if strings.TrimSpace(task.DeviceID) == "" {
		return &types.ValidationError{Field: "device_id", Msg: "missing"}
	}
	if !task.BackupType.Valid() {
		return &types.ValidationError{Field: "backup_type", Msg: fmt.Sprintf("unknown type %q", task.BackupType)}
	}
	if strings.TrimSpace(task.RemoteAddress) == "" {
		return &types.ValidationError{Field: "remote_address", Msg: "missing"}
	}
	if task.Credentials.User == "" || task.Credentials.Pass == "" {
		return &types.ValidationError{Field: "credentials", Msg: "missing user or password"}
	}
	switch task.BackupType {
	case types.BackupImage:
		if strings.TrimSpace(task.SourceVolume) == "" {
			return &types.ValidationError{Field: "source_volume", Msg: "missing"}
		}
	case types.BackupFiles:
		if len(task.Paths) == 0 {
			return &types.ValidationError{Field: "paths", Msg: "no paths configured"}
		}
	}
	return nil
}

// sanitizeVolumeName turns "C:" or "/dev/sda1" into a filename fragment.
func sanitizeVolumeName(volume string) string {
	keep := func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}
	name := strings.ToLower(strings.Map(keep, volume))
	if name == "" {
		name = "volume"
	}
	return name
}

// volumeRoot is the filesystem root the changed-file paths are relative to.
func volumeRoot(volume string) string {
	if strings.HasSuffix(volume, ":") {
		return volume + `\`
	}
	return volume
}
