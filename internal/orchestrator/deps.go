package orchestrator

import (
	"context"
	"os/exec"
	"time"

	"github.com/tis24dev/hostsave/internal/backup"
	"github.com/tis24dev/hostsave/internal/checkpoint"
	"github.com/tis24dev/hostsave/internal/journal"
	"github.com/tis24dev/hostsave/internal/mount"
	"github.com/tis24dev/hostsave/internal/types"
)

// TimeProvider abstracts the clock for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// CommandRunner abstracts external command execution.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ProgressSink receives coarse progress updates during a run. The default
// sink discards them; schedulers plug in their own.
type ProgressSink interface {
	SetProgress(phase types.Phase, percent int, detail string)
}

type noopProgress struct{}

func (noopProgress) SetProgress(types.Phase, int, string) {}

// remoteMounter, volumeSnapshotter, capturePipeline, strategyDecider,
// fileStager and pathCopier are the orchestrator's views of its
// collaborators, kept minimal so tests can substitute fakes.

type remoteMounter interface {
	Connect(ctx context.Context, remoteAddress, shareName string, creds types.Credentials) (*mount.Connection, error)
	Disconnect(ctx context.Context, conn *mount.Connection) error
}

type volumeSnapshotter interface {
	CreateSnapshot(ctx context.Context, sourceVolume string) (*backup.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

type capturePipeline interface {
	Run(ctx context.Context, producer, consumer backup.Stage, destination string) error
}

type strategyDecider interface {
	DetermineStrategy(ctx context.Context, cp *checkpoint.Checkpoint, volume string) *journal.Strategy
	SaveCursor(ctx context.Context, store *checkpoint.Store, id, volume string) bool
}

type fileStager interface {
	Stage(ctx context.Context, root string, paths []string, stagingDir string) (*backup.StageResult, error)
	Remove(stagingDir string)
}

type pathCopier interface {
	CopyPath(ctx context.Context, src, destDir string) (*backup.CopyOutcome, error)
}
