package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tis24dev/hostsave/internal/checkpoint"
	"github.com/tis24dev/hostsave/internal/config"
	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/orchestrator"
	"github.com/tis24dev/hostsave/internal/types"
)

const version = "0.3.0"

// Build-time variables (injected via ldflags)
var buildTime = ""

func main() {
	os.Exit(run())
}

func run() int {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			logger := logging.GetDefaultLogger()
			logger.Error("Panic: %v", r)
			if path := logger.GetLogFilePath(); path != "" {
				fmt.Fprintf(os.Stderr, "details logged to %s\n", path)
			}
			os.Exit(types.ExitPanicError.Int())
		}
	}()

	var (
		configPath  = flag.String("config", "", "path to hostsave.env configuration file")
		backupType  = flag.String("type", "files", "backup type: image or files")
		deviceID    = flag.String("device", "", "device identifier (default: hostname)")
		remoteAddr  = flag.String("remote", "", "remote share address")
		shareName   = flag.String("share", "", "remote share name (overrides configuration)")
		smbUser     = flag.String("user", "", "share account (password via HOSTSAVE_SMB_PASS)")
		volume      = flag.String("volume", "C:", "source volume for image backups")
		auxVolumes  = flag.String("aux", "", "comma-separated auxiliary volumes (image mode)")
		paths       = flag.String("paths", "", "comma-separated folders for file backups (overrides configuration)")
		listResumes = flag.Bool("list-checkpoints", false, "list resumable checkpoints and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("hostsave %s", version)
		if buildTime != "" {
			fmt.Printf(" (built %s)", buildTime)
		}
		fmt.Println()
		return types.ExitSuccess.Int()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostsave: %v\n", err)
		return types.ExitConfigError.Int()
	}

	useColor := cfg.UseColor && term.IsTerminal(int(os.Stdout.Fd()))
	logger, logPath, closeLog, err := logging.StartSessionLogger("backup", cfg.DebugLevel, useColor)
	if err != nil {
		// Degrade to console-only logging rather than refusing to run.
		logger = logging.New(cfg.DebugLevel, useColor)
		logger.Warning("Session log unavailable: %v", err)
		closeLog = func() {}
	} else {
		logger.Debug("Session log: %s", logPath)
	}
	defer closeLog()
	logging.SetDefaultLogger(logger)

	store, err := checkpoint.NewStore(logger, cfg.StateDir)
	if err != nil {
		logger.Error("Cannot open checkpoint store: %v", err)
		return types.ExitStateError.Int()
	}
	store.SetExpiry(time.Duration(cfg.CheckpointExpiryHours) * time.Hour)

	if *listResumes {
		return listCheckpoints(logger, store)
	}

	task, err := buildTask(cfg, *backupType, *deviceID, *remoteAddr, *shareName, *smbUser, *volume, *auxVolumes, *paths)
	if err != nil {
		logger.Error("%v", err)
		return types.ExitConfigError.Int()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warning("Received signal %v, shutting down (the run will resume from its checkpoint)", sig)
		cancel()
	}()

	logger.Info("hostsave %s starting", version)
	orch := orchestrator.New(logger, cfg, store)
	result, err := orch.Run(ctx, task)
	if err != nil {
		logger.Error("Backup failed: %v", err)
		return orchestrator.ExitCodeFor(err).Int()
	}

	summarize(logger, result)
	if logger.HasWarnings() {
		return types.ExitGenericError.Int()
	}
	return types.ExitSuccess.Int()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func buildTask(cfg *config.Config, backupType, deviceID, remoteAddr, shareName, smbUser, volume, auxVolumes, paths string) (types.BackupTask, error) {
	bt := types.BackupType(strings.ToLower(strings.TrimSpace(backupType)))
	if !bt.Valid() {
		return types.BackupTask{}, fmt.Errorf("unknown backup type %q (want image or files)", backupType)
	}

	if deviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return types.BackupTask{}, fmt.Errorf("cannot determine device id: %w", err)
		}
		deviceID = host
	}

	if shareName == "" {
		shareName = cfg.ShareName
	}

	pass := os.Getenv("HOSTSAVE_SMB_PASS")
	if smbUser == "" {
		smbUser = os.Getenv("HOSTSAVE_SMB_USER")
	}

	task := types.BackupTask{
		DeviceID:      deviceID,
		BackupType:    bt,
		RemoteAddress: remoteAddr,
		ShareName:     shareName,
		Credentials:   types.Credentials{User: smbUser, Pass: pass},
		SourceVolume:  volume,
		AuxVolumes:    splitList(auxVolumes),
	}
	if bt == types.BackupFiles {
		task.Paths = splitList(paths)
		if len(task.Paths) == 0 {
			task.Paths = append([]string(nil), cfg.BackupPaths...)
		}
	}
	return task, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func listCheckpoints(logger *logging.Logger, store *checkpoint.Store) int {
	active, err := store.ListActive()
	if err != nil {
		logger.Error("Cannot list checkpoints: %v", err)
		return types.ExitStateError.Int()
	}
	if len(active) == 0 {
		logger.Info("No resumable checkpoints")
		return types.ExitSuccess.Int()
	}
	for _, cp := range active {
		logger.Info("%s: phase=%s updated=%s completed_files=%d",
			cp.ID, cp.Phase, cp.UpdatedAt.Format(time.RFC3339), len(cp.CompletedFiles))
	}
	return types.ExitSuccess.Int()
}

func summarize(logger *logging.Logger, result *types.BackupResult) {
	if result == nil {
		return
	}
	if len(result.Results) == 0 {
		logger.Info("Backup completed (%s)", result.Type)
		return
	}
	ok, warned := 0, 0
	for _, r := range result.Results {
		if r.Success {
			ok++
			if r.Warning != "" {
				warned++
			}
		}
	}
	logger.Info("Backup completed (%s): %d/%d paths, %d with warnings",
		result.Type, ok, len(result.Results), warned)
}
