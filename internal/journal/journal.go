// Package journal queries the filesystem change journal and decides
// between full and incremental capture. Incremental capture is always a
// best-effort optimization: every failure path here degrades to a full
// capture, never to a failed backup.
package journal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/types"
)

// CommandRunner executes system commands (fsutil on Windows).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// State is the live journal's identity and cursor window.
type State struct {
	JournalID string
	NextUSN   uint64

	// OldestUSN is the oldest cursor still retained. A saved cursor below
	// it means history has been lost (rollover) and only full capture is
	// valid.
	OldestUSN uint64
}

// ChangedFile is one journal entry surviving the exclusion filter.
type ChangedFile struct {
	Path       string
	Size       int64
	Attributes string
	ChangeTime time.Time
	USN        uint64
}

// QueryError reports a failure of the platform journal tool (permissions,
// journal disabled, unparsable output).
type QueryError struct {
	Volume string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("change journal query failed for %s: %v", e.Volume, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Tracker queries journal state and enumerates changed files through an
// injectable command runner.
type Tracker struct {
	logger   *logging.Logger
	runner   CommandRunner
	goos     string
	excludes []string

	// Estimation knobs; see DefaultThroughputMBPerMin.
	throughputMBPerMin float64
	minDurationMinutes int

	statFile func(string) (os.FileInfo, error)
	now      func() time.Time
}

const (
	// DefaultThroughputMBPerMin is the fixed throughput assumed when
	// estimating incremental capture duration.
	DefaultThroughputMBPerMin = 50.0

	// minEstimateMinutes floors every estimate to cover fixed per-run
	// overhead (mount, snapshot, manifest).
	minEstimateMinutes = 5
)

// NewTracker creates a Tracker with the default exclusion filter.
func NewTracker(logger *logging.Logger, runner CommandRunner) *Tracker {
	return &Tracker{
		logger:             logger,
		runner:             runner,
		goos:               runtime.GOOS,
		excludes:           DefaultExcludePatterns(),
		throughputMBPerMin: DefaultThroughputMBPerMin,
		minDurationMinutes: minEstimateMinutes,
		statFile:           os.Stat,
		now:                time.Now,
	}
}

// SetPlatform overrides the detected OS (useful for tests).
func (t *Tracker) SetPlatform(goos string) {
	if goos != "" {
		t.goos = goos
	}
}

// SetExcludePatterns replaces the default exclusion filter.
func (t *Tracker) SetExcludePatterns(patterns []string) {
	t.excludes = append([]string(nil), patterns...)
}

// SetThroughput overrides the assumed capture throughput used by Estimate.
func (t *Tracker) SetThroughput(mbPerMin float64) {
	if mbPerMin > 0 {
		t.throughputMBPerMin = mbPerMin
	}
}

// SetStatFunc overrides file metadata lookup (useful for tests).
func (t *Tracker) SetStatFunc(fn func(string) (os.FileInfo, error)) {
	if fn != nil {
		t.statFile = fn
	}
}

// FormatUSN serializes a journal cursor as a hex string.
func FormatUSN(usn uint64) string {
	return fmt.Sprintf("0x%x", usn)
}

// ParseUSN parses a cursor in either hex ("0x1f4") or decimal form.
func ParseUSN(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty USN value")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// QueryJournalState reads the live journal's id, next cursor and oldest
// retained cursor for a volume.
func (t *Tracker) QueryJournalState(ctx context.Context, volume string) (*State, error) {
	if t.goos != "windows" {
		return nil, &types.UnsupportedPlatformError{Feature: "change journal", Platform: t.goos}
	}

	out, err := t.runner.Run(ctx, "fsutil", "usn", "queryjournal", volume)
	if err != nil {
		return nil, &QueryError{Volume: volume, Err: err}
	}

	state, err := parseJournalState(decodeToolOutput(out))
	if err != nil {
		return nil, &QueryError{Volume: volume, Err: err}
	}
	t.logger.Debug("Journal state for %s: id=%s next=%s oldest=%s",
		volume, state.JournalID, FormatUSN(state.NextUSN), FormatUSN(state.OldestUSN))
	return state, nil
}

// GetChangedFiles returns the journal entries with a cursor strictly above
// sinceUSN, after applying the exclusion filter. On tool failure it
// returns an empty sequence together with the error; the caller must treat
// that as "cannot determine changes", not as "nothing changed".
func (t *Tracker) GetChangedFiles(ctx context.Context, volume string, sinceUSN uint64) ([]ChangedFile, error) {
	if t.goos != "windows" {
		return nil, &types.UnsupportedPlatformError{Feature: "change journal", Platform: t.goos}
	}

	out, err := t.runner.Run(ctx, "fsutil", "usn", "readjournal", volume,
		fmt.Sprintf("startusn=%s", FormatUSN(sinceUSN)))
	if err != nil {
		return nil, &QueryError{Volume: volume, Err: err}
	}

	entries := parseJournalEntries(decodeToolOutput(out), volume)

	// Keep the newest record per path, drop excluded paths, attach sizes.
	newest := make(map[string]ChangedFile, len(entries))
	for _, entry := range entries {
		if entry.USN <= sinceUSN {
			continue
		}
		if Excluded(entry.Path, t.excludes) {
			continue
		}
		if prev, ok := newest[entry.Path]; ok && prev.USN >= entry.USN {
			continue
		}
		if info, statErr := t.statFile(entry.Path); statErr == nil && !info.IsDir() {
			entry.Size = info.Size()
		}
		newest[entry.Path] = entry
	}

	changed := make([]ChangedFile, 0, len(newest))
	for _, entry := range newest {
		changed = append(changed, entry)
	}
	t.logger.Debug("Journal for %s: %d changed files since %s", volume, len(changed), FormatUSN(sinceUSN))
	return changed, nil
}

// decodeToolOutput strips a UTF-8/UTF-16 BOM and decodes accordingly.
// Windows tools emit UTF-16 when their output is captured through some
// shells; everything else passes through unchanged.
func decodeToolOutput(raw []byte) string {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	decoded, _, err := transform.Bytes(decoder, raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}

// parseJournalState extracts id/next/oldest from `fsutil usn queryjournal`
// output.
func parseJournalState(out string) (*State, error) {
	state := &State{}
	seen := 0

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, ok := splitToolLine(scanner.Text())
		if !ok {
			continue
		}
		switch key {
		case "usn journal id":
			state.JournalID = value
			seen++
		case "first usn":
			usn, err := ParseUSN(value)
			if err != nil {
				return nil, fmt.Errorf("parse first usn %q: %w", value, err)
			}
			state.OldestUSN = usn
			seen++
		case "next usn":
			usn, err := ParseUSN(value)
			if err != nil {
				return nil, fmt.Errorf("parse next usn %q: %w", value, err)
			}
			state.NextUSN = usn
			seen++
		}
	}
	if seen < 3 {
		return nil, fmt.Errorf("journal state output incomplete (%d of 3 fields)", seen)
	}
	return state, nil
}

// parseJournalEntries extracts per-file records from `fsutil usn
// readjournal` output. Records are blank-line separated blocks of
// "Key : Value" lines.
func parseJournalEntries(out, volume string) []ChangedFile {
	var entries []ChangedFile
	var current ChangedFile
	var hasUSN bool

	flush := func() {
		if hasUSN && current.Path != "" {
			entries = append(entries, current)
		}
		current = ChangedFile{}
		hasUSN = false
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		key, value, ok := splitToolLine(line)
		if !ok {
			continue
		}
		switch key {
		case "usn":
			if usn, err := ParseUSN(value); err == nil {
				// A new Usn line starts the next record even without a
				// separating blank line.
				if hasUSN {
					flush()
				}
				current.USN = usn
				hasUSN = true
			}
		case "file name":
			current.Path = joinVolumePath(volume, value)
		case "file attributes":
			current.Attributes = attributeText(value)
		case "time stamp":
			if ts, err := time.Parse("01/02/2006 15:04:05", value); err == nil {
				current.ChangeTime = ts
			}
		}
	}
	flush()
	return entries
}

func splitToolLine(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(line[:idx]))
	value = strings.TrimSpace(line[idx+1:])
	return key, value, true
}

// attributeText strips the numeric prefix from "0x00000020: Archive".
func attributeText(value string) string {
	if idx := strings.Index(value, ":"); idx >= 0 {
		return strings.TrimSpace(value[idx+1:])
	}
	return value
}

// joinVolumePath resolves a journal file name against the volume root.
// fsutil reports bare names; full parent resolution would need file-id
// lookups, so paths are best effort and later stat failures leave size 0.
func joinVolumePath(volume, name string) string {
	name = strings.Trim(name, `"`)
	if name == "" {
		return ""
	}
	if strings.Contains(name, ":") || strings.HasPrefix(name, `\\`) {
		return name
	}
	root := volume
	if !strings.HasSuffix(root, `\`) && !strings.HasSuffix(root, "/") {
		root += `\`
	}
	return root + name
}
