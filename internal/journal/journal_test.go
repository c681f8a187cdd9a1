package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/tis24dev/hostsave/internal/checkpoint"
	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/types"
)

type fakeRunner struct {
	outputs map[string][]byte
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	for prefix, err := range f.errs {
		if strings.HasPrefix(key, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return nil, fmt.Errorf("unexpected command: %s", key)
}

const queryJournalOutput = `Usn Journal ID   : 0x01d9f2a4c3b21000
First Usn        : 0x0000000000001000
Next Usn         : 0x0000000000042000
Lowest Valid Usn : 0x0000000000000000
Max Usn          : 0x7fffffffffff0000
Maximum Size     : 0x0000000002000000
Allocation Delta : 0x0000000000400000
`

const readJournalOutput = `Usn            : 8192
File name      : report.docx
File name length : 22
Reason         : 0x80000002: Data extend | Close
Time stamp     : 03/15/2026 10:11:12
File attributes : 0x00000020: Archive
File ID        : 0001000000001234
Parent file ID : 0001000000000005

Usn            : 8448
File name      : pagefile.sys
File name length : 24
Reason         : 0x00000002: Data extend
Time stamp     : 03/15/2026 10:11:13
File attributes : 0x00000020: Archive

Usn            : 8704
File name      : report.docx
File name length : 22
Reason         : 0x80000001: Data overwrite | Close
Time stamp     : 03/15/2026 10:12:44
File attributes : 0x00000020: Archive
`

func testLogger() *logging.Logger {
	return logging.New(types.LogLevelError, false)
}

func newTestTracker(t *testing.T, runner *fakeRunner) *Tracker {
	t.Helper()
	tracker := NewTracker(testLogger(), runner)
	tracker.SetPlatform("windows")
	tracker.SetStatFunc(func(string) (os.FileInfo, error) {
		return nil, os.ErrNotExist
	})
	return tracker
}

func TestQueryJournalStateParsesFields(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"fsutil usn queryjournal": []byte(queryJournalOutput),
	}}
	tracker := newTestTracker(t, runner)

	state, err := tracker.QueryJournalState(context.Background(), `C:`)
	if err != nil {
		t.Fatalf("QueryJournalState failed: %v", err)
	}
	if state.JournalID != "0x01d9f2a4c3b21000" {
		t.Errorf("journal id = %q", state.JournalID)
	}
	if state.OldestUSN != 0x1000 {
		t.Errorf("oldest usn = %#x, want 0x1000", state.OldestUSN)
	}
	if state.NextUSN != 0x42000 {
		t.Errorf("next usn = %#x, want 0x42000", state.NextUSN)
	}
}

func TestQueryJournalStateUTF16Output(t *testing.T) {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	encoded, _, err := transform.Bytes(encoder, []byte(queryJournalOutput))
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	runner := &fakeRunner{outputs: map[string][]byte{
		"fsutil usn queryjournal": encoded,
	}}
	tracker := newTestTracker(t, runner)

	state, err := tracker.QueryJournalState(context.Background(), `C:`)
	if err != nil {
		t.Fatalf("QueryJournalState failed on UTF-16 output: %v", err)
	}
	if state.NextUSN != 0x42000 {
		t.Errorf("next usn = %#x, want 0x42000", state.NextUSN)
	}
}

func TestQueryJournalStateToolFailure(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"fsutil usn queryjournal": errors.New("access is denied"),
	}}
	tracker := newTestTracker(t, runner)

	_, err := tracker.QueryJournalState(context.Background(), `C:`)
	if err == nil {
		t.Fatal("expected error from failing tool")
	}
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QueryError, got %T: %v", err, err)
	}
}

func TestQueryJournalStateIncompleteOutput(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"fsutil usn queryjournal": []byte("Usn Journal ID : 0x1\n"),
	}}
	tracker := newTestTracker(t, runner)

	if _, err := tracker.QueryJournalState(context.Background(), `C:`); err == nil {
		t.Fatal("expected error for incomplete output")
	}
}

func TestQueryJournalStateUnsupportedPlatform(t *testing.T) {
	tracker := newTestTracker(t, &fakeRunner{})
	tracker.SetPlatform("linux")

	_, err := tracker.QueryJournalState(context.Background(), `C:`)
	if !types.IsUnsupportedPlatform(err) {
		t.Fatalf("expected unsupported platform error, got %v", err)
	}
}

func TestGetChangedFilesFiltersAndDeduplicates(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"fsutil usn readjournal": []byte(readJournalOutput),
	}}
	tracker := newTestTracker(t, runner)

	changed, err := tracker.GetChangedFiles(context.Background(), `C:`, 0x1000)
	if err != nil {
		t.Fatalf("GetChangedFiles failed: %v", err)
	}
	// pagefile.sys excluded, report.docx deduplicated to its newest record.
	if len(changed) != 1 {
		t.Fatalf("changed files = %d, want 1: %+v", len(changed), changed)
	}
	f := changed[0]
	if f.Path != `C:\report.docx` {
		t.Errorf("path = %q", f.Path)
	}
	if f.USN != 8704 {
		t.Errorf("usn = %d, want the newest record 8704", f.USN)
	}
	if f.Attributes != "Archive" {
		t.Errorf("attributes = %q", f.Attributes)
	}
	want := time.Date(2026, 3, 15, 10, 12, 44, 0, time.UTC)
	if !f.ChangeTime.Equal(want) {
		t.Errorf("change time = %v, want %v", f.ChangeTime, want)
	}
}

func TestGetChangedFilesSkipsRecordsAtOrBelowCursor(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"fsutil usn readjournal": []byte(readJournalOutput),
	}}
	tracker := newTestTracker(t, runner)

	changed, err := tracker.GetChangedFiles(context.Background(), `C:`, 8704)
	if err != nil {
		t.Fatalf("GetChangedFiles failed: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("changed files = %d, want 0", len(changed))
	}
}

func TestGetChangedFilesToolFailure(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"fsutil usn readjournal": errors.New("the volume change journal is not active"),
	}}
	tracker := newTestTracker(t, runner)

	changed, err := tracker.GetChangedFiles(context.Background(), `C:`, 0)
	if err == nil {
		t.Fatal("expected error from failing tool")
	}
	if len(changed) != 0 {
		t.Fatalf("expected no files alongside the error, got %d", len(changed))
	}
}

func TestParseUSN(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0x1f4", 0x1f4, true},
		{"0X1F4", 0x1f4, true},
		{"500", 500, true},
		{"  0x10  ", 16, true},
		{"", 0, false},
		{"bogus", 0, false},
	}
	for _, c := range cases {
		got, err := ParseUSN(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("ParseUSN(%q) = %d, %v; want %d", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseUSN(%q) succeeded, want error", c.in)
		}
	}
}

func TestExcludedPatterns(t *testing.T) {
	patterns := DefaultExcludePatterns()
	excluded := []string{
		`C:\pagefile.sys`,
		`C:\Windows\Temp\scratch.tmp`,
		`C:\Users\amy\AppData\Local\Temp\setup.log`,
		`C:\$Recycle.Bin\S-1-5-21\file`,
		`C:\System Volume Information\tracking.log`,
		`C:\Users\amy\mail.ost`,
		`C:/Windows/Temp/forward-slashes.tmp`,
	}
	for _, path := range excluded {
		if !Excluded(path, patterns) {
			t.Errorf("expected %q to be excluded", path)
		}
	}
	included := []string{
		`C:\Users\amy\Documents\report.docx`,
		`C:\data\hostel.db`,
	}
	for _, path := range included {
		if Excluded(path, patterns) {
			t.Errorf("expected %q to be included", path)
		}
	}
}

func TestEstimateFloorAndThroughput(t *testing.T) {
	tracker := newTestTracker(t, &fakeRunner{})

	// Tiny change set still gets the overhead floor.
	sizeMB, minutes := tracker.Estimate([]ChangedFile{{Size: 10 * 1024 * 1024}})
	if sizeMB != 10 {
		t.Errorf("size = %d MB, want 10", sizeMB)
	}
	if minutes != 5 {
		t.Errorf("minutes = %d, want floor of 5", minutes)
	}

	// 500 MB at 50 MB/min is 10 minutes.
	files := make([]ChangedFile, 10)
	for i := range files {
		files[i] = ChangedFile{Size: 50 * 1024 * 1024}
	}
	sizeMB, minutes = tracker.Estimate(files)
	if sizeMB != 500 {
		t.Errorf("size = %d MB, want 500", sizeMB)
	}
	if minutes != 10 {
		t.Errorf("minutes = %d, want 10", minutes)
	}
}

func checkpointWithCursor(journalID, nextUSN string) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		PhaseData: checkpoint.PhaseData{Journal: &checkpoint.JournalCursor{
			JournalID: journalID,
			NextUSN:   nextUSN,
			SavedAt:   time.Now(),
		}},
	}
}

func TestDetermineStrategyNoCursorIsFull(t *testing.T) {
	tracker := newTestTracker(t, &fakeRunner{})

	for _, cp := range []*checkpoint.Checkpoint{nil, {}} {
		strategy := tracker.DetermineStrategy(context.Background(), cp, `C:`)
		if strategy.Mode != types.CaptureFull {
			t.Fatalf("mode = %s, want full", strategy.Mode)
		}
		if !strings.Contains(strategy.Reason, "no saved journal cursor") {
			t.Errorf("reason = %q", strategy.Reason)
		}
	}
}

func TestDetermineStrategyRolloverIsFull(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"fsutil usn queryjournal": []byte(queryJournalOutput),
	}}
	tracker := newTestTracker(t, runner)

	// Saved cursor below First Usn (0x1000): history lost.
	cp := checkpointWithCursor("0x01d9f2a4c3b21000", "0xfff")
	strategy := tracker.DetermineStrategy(context.Background(), cp, `C:`)
	if strategy.Mode != types.CaptureFull {
		t.Fatalf("mode = %s, want full", strategy.Mode)
	}
	if !strings.Contains(strategy.Reason, "rollover") {
		t.Errorf("reason = %q, want rollover mention", strategy.Reason)
	}
}

func TestDetermineStrategyCursorAtOldestStillValid(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"fsutil usn queryjournal": []byte(queryJournalOutput),
		"fsutil usn readjournal":  []byte(readJournalOutput),
	}}
	tracker := newTestTracker(t, runner)

	cp := checkpointWithCursor("0x01d9f2a4c3b21000", "0x1000")
	strategy := tracker.DetermineStrategy(context.Background(), cp, `C:`)
	if strategy.Mode != types.CaptureIncremental {
		t.Fatalf("mode = %s, want incremental (cursor equal to oldest is valid)", strategy.Mode)
	}
}

func TestDetermineStrategyJournalIDChangeIsFull(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"fsutil usn queryjournal": []byte(queryJournalOutput),
	}}
	tracker := newTestTracker(t, runner)

	cp := checkpointWithCursor("0xdeadbeef", "0x2000")
	strategy := tracker.DetermineStrategy(context.Background(), cp, `C:`)
	if strategy.Mode != types.CaptureFull {
		t.Fatalf("mode = %s, want full", strategy.Mode)
	}
	if !strings.Contains(strategy.Reason, "recreated") {
		t.Errorf("reason = %q", strategy.Reason)
	}
}

func TestDetermineStrategyQueryFailureFallsBackToFull(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"fsutil usn queryjournal": errors.New("access is denied"),
	}}
	tracker := newTestTracker(t, runner)

	cp := checkpointWithCursor("0x1", "0x2000")
	strategy := tracker.DetermineStrategy(context.Background(), cp, `C:`)
	if strategy.Mode != types.CaptureFull {
		t.Fatalf("mode = %s, want full", strategy.Mode)
	}
	if !strings.Contains(strategy.Reason, "falling back to full capture") {
		t.Errorf("reason = %q", strategy.Reason)
	}
}

func TestDetermineStrategyCorruptCursorFallsBackToFull(t *testing.T) {
	tracker := newTestTracker(t, &fakeRunner{})

	cp := checkpointWithCursor("0x1", "not-a-usn")
	strategy := tracker.DetermineStrategy(context.Background(), cp, `C:`)
	if strategy.Mode != types.CaptureFull {
		t.Fatalf("mode = %s, want full", strategy.Mode)
	}
}

func TestDetermineStrategyNonWindowsFallsBackToFull(t *testing.T) {
	tracker := newTestTracker(t, &fakeRunner{})
	tracker.SetPlatform("linux")

	cp := checkpointWithCursor("0x1", "0x2000")
	strategy := tracker.DetermineStrategy(context.Background(), cp, `C:`)
	if strategy.Mode != types.CaptureFull {
		t.Fatalf("mode = %s, want full", strategy.Mode)
	}
}

func TestSaveCursorWritesCheckpoint(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{
		"fsutil usn queryjournal": []byte(queryJournalOutput),
	}}
	tracker := newTestTracker(t, runner)

	store, err := checkpoint.NewStore(testLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	id := checkpoint.ID("host-1", types.BackupFiles)
	if _, err := store.Create(id, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !tracker.SaveCursor(context.Background(), store, id, `C:`) {
		t.Fatal("SaveCursor reported failure")
	}
	cp, err := store.Load(id)
	if err != nil || cp == nil {
		t.Fatalf("Load failed: cp=%v err=%v", cp, err)
	}
	cursor := cp.SavedCursor()
	if cursor == nil {
		t.Fatal("no cursor saved")
	}
	if cursor.NextUSN != "0x42000" {
		t.Errorf("saved next usn = %q, want 0x42000", cursor.NextUSN)
	}
	if cursor.JournalID != "0x01d9f2a4c3b21000" {
		t.Errorf("saved journal id = %q", cursor.JournalID)
	}
}

func TestSaveCursorFailureIsNonFatal(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"fsutil usn queryjournal": errors.New("access is denied"),
	}}
	tracker := newTestTracker(t, runner)

	store, err := checkpoint.NewStore(testLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if tracker.SaveCursor(context.Background(), store, "host-1-files", `C:`) {
		t.Fatal("SaveCursor should report failure when the query fails")
	}
}
