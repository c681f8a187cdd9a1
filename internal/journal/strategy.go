package journal

import (
	"context"
	"fmt"
	"math"

	"github.com/tis24dev/hostsave/internal/checkpoint"
	"github.com/tis24dev/hostsave/internal/types"
)

// Strategy is the capture decision for one run. Mode is always set;
// ChangedFiles and the estimates are populated only for incremental.
type Strategy struct {
	Mode                     types.CaptureMode
	Reason                   string
	ChangedFiles             []ChangedFile
	EstimatedSizeMB          int64
	EstimatedDurationMinutes int
}

// DetermineStrategy decides between full and incremental capture for a
// volume. It never returns an error: any condition that prevents a safe
// incremental answer produces a full-capture strategy carrying the reason.
func (t *Tracker) DetermineStrategy(ctx context.Context, cp *checkpoint.Checkpoint, volume string) *Strategy {
	strategy, err := t.decide(ctx, cp, volume)
	if err != nil {
		t.logger.Warning("Incremental decision unavailable for %s, using full capture: %v", volume, err)
		return &Strategy{
			Mode:   types.CaptureFull,
			Reason: fmt.Sprintf("falling back to full capture: %v", err),
		}
	}
	if strategy.Mode == types.CaptureFull {
		t.logger.Info("Capture strategy for %s: full (%s)", volume, strategy.Reason)
	} else {
		t.logger.Info("Capture strategy for %s: incremental, %d files, ~%d MB, ~%d min",
			volume, len(strategy.ChangedFiles), strategy.EstimatedSizeMB, strategy.EstimatedDurationMinutes)
	}
	return strategy
}

// decide holds the single decision path. Returning an error means "could
// not determine"; DetermineStrategy maps every error to a full capture.
func (t *Tracker) decide(ctx context.Context, cp *checkpoint.Checkpoint, volume string) (*Strategy, error) {
	cursor := cp.SavedCursor()
	if cursor == nil {
		return &Strategy{
			Mode:   types.CaptureFull,
			Reason: "no saved journal cursor (first backup or expired state)",
		}, nil
	}

	saved, err := ParseUSN(cursor.NextUSN)
	if err != nil {
		return nil, fmt.Errorf("saved cursor %q unreadable: %w", cursor.NextUSN, err)
	}

	state, err := t.QueryJournalState(ctx, volume)
	if err != nil {
		return nil, err
	}

	if cursor.JournalID != "" && state.JournalID != cursor.JournalID {
		return &Strategy{
			Mode: types.CaptureFull,
			Reason: fmt.Sprintf("journal recreated (id %s, saved %s), change history lost",
				state.JournalID, cursor.JournalID),
		}, nil
	}

	// Unsigned compare. A cursor equal to the oldest retained record is
	// still inside the journal window and remains valid.
	if saved < state.OldestUSN {
		return &Strategy{
			Mode: types.CaptureFull,
			Reason: fmt.Sprintf("journal rollover (saved %s below oldest %s), change history lost",
				FormatUSN(saved), FormatUSN(state.OldestUSN)),
		}, nil
	}

	changed, err := t.GetChangedFiles(ctx, volume, saved)
	if err != nil {
		return nil, err
	}

	sizeMB, minutes := t.Estimate(changed)
	return &Strategy{
		Mode:                     types.CaptureIncremental,
		Reason:                   fmt.Sprintf("%d files changed since %s", len(changed), FormatUSN(saved)),
		ChangedFiles:             changed,
		EstimatedSizeMB:          sizeMB,
		EstimatedDurationMinutes: minutes,
	}, nil
}

// Estimate predicts incremental capture size and duration from the changed
// file set, assuming a fixed throughput with a floor covering per-run
// overhead.
func (t *Tracker) Estimate(changed []ChangedFile) (sizeMB int64, minutes int) {
	var totalBytes int64
	for _, f := range changed {
		totalBytes += f.Size
	}
	sizeMB = totalBytes / (1024 * 1024)

	minutes = int(math.Ceil(float64(sizeMB) / t.throughputMBPerMin))
	if minutes < t.minDurationMinutes {
		minutes = t.minDurationMinutes
	}
	return sizeMB, minutes
}

// SaveCursor reads the live journal position and stores it in the task's
// checkpoint so the next run can capture incrementally. Failure is
// non-fatal: the backup already succeeded, the next run simply falls back
// to full capture.
func (t *Tracker) SaveCursor(ctx context.Context, store *checkpoint.Store, id, volume string) bool {
	state, err := t.QueryJournalState(ctx, volume)
	if err != nil {
		t.logger.Warning("Could not save journal cursor for %s: %v", volume, err)
		return false
	}

	data := checkpoint.PhaseData{Journal: &checkpoint.JournalCursor{
		JournalID: state.JournalID,
		NextUSN:   FormatUSN(state.NextUSN),
		SavedAt:   t.now(),
	}}
	if _, err := store.Update(id, types.PhasePostProcess, data, nil); err != nil {
		t.logger.Warning("Could not save journal cursor for %s: %v", volume, err)
		return false
	}
	t.logger.Debug("Saved journal cursor %s for %s", FormatUSN(state.NextUSN), volume)
	return true
}
