package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/types"
)

type fakeRunner struct {
	errs  map[string]error
	calls []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	for prefix, err := range f.errs {
		if strings.HasPrefix(key, prefix) {
			return []byte("tool output"), err
		}
	}
	return nil, nil
}

func testLogger() *logging.Logger {
	return logging.New(types.LogLevelError, false)
}

func testCreds() types.Credentials {
	return types.Credentials{User: "backup-svc", Pass: "s3cret"}
}

func newTestMounter(t *testing.T, runner *fakeRunner, goos string) *Mounter {
	t.Helper()
	m := NewMounter(testLogger(), runner, t.TempDir())
	m.SetPlatform(goos)
	m.SetVerifyFunc(func(context.Context, string) error { return nil })
	return m
}

func TestUNCPathDefaultShareName(t *testing.T) {
	if got := UNCPath("10.0.0.5", ""); got != `\\10.0.0.5\backups` {
		t.Errorf("UNCPath = %q", got)
	}
	if got := UNCPath("10.0.0.5", "archive"); got != `\\10.0.0.5\archive` {
		t.Errorf("UNCPath = %q", got)
	}
}

func TestConnectValidatesInput(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestMounter(t, runner, "linux")

	if _, err := m.Connect(context.Background(), "", "share", testCreds()); !types.IsValidation(err) {
		t.Errorf("missing address: err = %v", err)
	}
	if _, err := m.Connect(context.Background(), "10.0.0.5", "share", types.Credentials{}); !types.IsValidation(err) {
		t.Errorf("missing credentials: err = %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("validation failures must not run commands, got %v", runner.calls)
	}
}

func TestConnectWindowsRunsNetUse(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestMounter(t, runner, "windows")

	conn, err := m.Connect(context.Background(), "10.0.0.5", "", testCreds())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if conn.LocalPath != `\\10.0.0.5\backups` {
		t.Errorf("local path = %q", conn.LocalPath)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("calls = %v", runner.calls)
	}
	want := `net use \\10.0.0.5\backups s3cret /user:backup-svc`
	if runner.calls[0] != want {
		t.Errorf("command = %q, want %q", runner.calls[0], want)
	}
}

func TestConnectCIFSWritesAndProtectsCredentialsFile(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestMounter(t, runner, "linux")

	var credsPath string
	var credsMode os.FileMode
	origWrite := m.writeFile
	m.writeFile = func(path string, data []byte, mode os.FileMode) error {
		credsPath = path
		credsMode = mode
		if !strings.Contains(string(data), "username=backup-svc") {
			t.Errorf("credentials content = %q", data)
		}
		return origWrite(path, data, mode)
	}

	conn, err := m.Connect(context.Background(), "10.0.0.5", "archive", testCreds())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if credsMode != 0600 {
		t.Errorf("credentials file mode = %o, want 0600", credsMode)
	}
	if len(runner.calls) != 1 || !strings.HasPrefix(runner.calls[0], "mount -t cifs //10.0.0.5/archive ") {
		t.Fatalf("calls = %v", runner.calls)
	}
	if !strings.Contains(runner.calls[0], "credentials="+credsPath) {
		t.Errorf("mount should reference the credentials file: %q", runner.calls[0])
	}

	if err := m.Disconnect(context.Background(), conn); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if _, err := os.Stat(credsPath); !os.IsNotExist(err) {
		t.Fatalf("credentials file should be removed, stat err = %v", err)
	}
}

func TestConnectCIFSRemovesCredentialsOnMountFailure(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"mount": errors.New("mount error(13): permission denied")}}
	m := newTestMounter(t, runner, "linux")

	var credsPath string
	origWrite := m.writeFile
	m.writeFile = func(path string, data []byte, mode os.FileMode) error {
		credsPath = path
		return origWrite(path, data, mode)
	}

	if _, err := m.Connect(context.Background(), "10.0.0.5", "archive", testCreds()); err == nil {
		t.Fatal("expected mount failure")
	}
	if credsPath == "" {
		t.Fatal("credentials file was never written")
	}
	if _, err := os.Stat(credsPath); !os.IsNotExist(err) {
		t.Fatalf("credentials file should be removed after failure, stat err = %v", err)
	}
}

func TestConnectVerificationFailureDisconnects(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestMounter(t, runner, "windows")
	m.SetVerifyFunc(func(context.Context, string) error {
		return fmt.Errorf("share not reachable")
	})

	if _, err := m.Connect(context.Background(), "10.0.0.5", "", testCreds()); err == nil {
		t.Fatal("expected verification failure")
	}
	if len(runner.calls) != 2 || !strings.HasPrefix(runner.calls[1], "net use") || !strings.Contains(runner.calls[1], "/delete") {
		t.Fatalf("expected connect then disconnect, got %v", runner.calls)
	}
}

func TestVerifyStatsAndListsMountPoint(t *testing.T) {
	m := NewMounter(testLogger(), &fakeRunner{}, t.TempDir())

	dir := t.TempDir()
	if err := os.WriteFile(dir+"/marker", []byte("x"), 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if err := m.verify(context.Background(), dir); err != nil {
		t.Fatalf("verify on a readable directory: %v", err)
	}

	if err := m.verify(context.Background(), dir+"/absent"); err == nil {
		t.Fatal("expected verify failure on a missing mount point")
	}
}

func TestDisconnectNilConnection(t *testing.T) {
	m := newTestMounter(t, &fakeRunner{}, "linux")
	if err := m.Disconnect(context.Background(), nil); err != nil {
		t.Fatalf("nil connection must be a no-op: %v", err)
	}
}

func TestDisconnectUnmountFailureStillRemovesCredentials(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"umount": errors.New("target is busy")}}
	m := newTestMounter(t, runner, "linux")

	conn, err := m.Connect(context.Background(), "10.0.0.5", "archive", testCreds())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	credsFile := conn.credentialsFile

	if err := m.Disconnect(context.Background(), conn); err == nil {
		t.Fatal("expected unmount error to be reported")
	}
	if _, err := os.Stat(credsFile); !os.IsNotExist(err) {
		t.Fatalf("credentials file should be removed despite unmount failure, stat err = %v", err)
	}
}
