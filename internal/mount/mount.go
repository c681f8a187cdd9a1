// Package mount connects and disconnects the remote backup share. Remote
// access is filesystem-mount semantics: after Connect the share is a local
// path, and every remote operation above this package is a plain file
// operation.
package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/tis24dev/hostsave/internal/logging"
	"github.com/tis24dev/hostsave/internal/safefs"
	"github.com/tis24dev/hostsave/internal/types"
)

// DefaultShareName is applied when a task omits the share name.
const DefaultShareName = "backups"

// verifyTimeout bounds the post-mount reachability check. A mounted but
// dead share would otherwise hang a plain Stat indefinitely.
const verifyTimeout = 15 * time.Second

// CommandRunner executes mount tooling (net use / mount.cifs).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Connection is an established share mount and what is needed to undo it.
type Connection struct {
	LocalPath string
	UNCPath   string

	// credentialsFile is the temporary cifs credentials file, removed on
	// Disconnect. Empty on Windows where credentials ride the command line
	// session.
	credentialsFile string
}

// Mounter connects a remote share to a local path.
type Mounter struct {
	logger   *logging.Logger
	runner   CommandRunner
	goos     string
	mountDir string

	writeFile func(string, []byte, os.FileMode) error
	remove    func(string) error
	verifyFn  func(context.Context, string) error
}

// NewMounter creates a Mounter. mountDir is the base directory for
// non-Windows mount points.
func NewMounter(logger *logging.Logger, runner CommandRunner, mountDir string) *Mounter {
	return &Mounter{
		logger:    logger,
		runner:    runner,
		goos:      runtime.GOOS,
		mountDir:  mountDir,
		writeFile: os.WriteFile,
		remove:    os.Remove,
	}
}

// SetPlatform overrides the detected OS (useful for tests).
func (m *Mounter) SetPlatform(goos string) {
	if goos != "" {
		m.goos = goos
	}
}

// UNCPath builds \\address\share from task fields, applying the default
// share name.
func UNCPath(remoteAddress, shareName string) string {
	if shareName == "" {
		shareName = DefaultShareName
	}
	return fmt.Sprintf(`\\%s\%s`, remoteAddress, shareName)
}

// Connect mounts the remote share and verifies it is reachable. The
// returned Connection must be passed to Disconnect during cleanup.
func (m *Mounter) Connect(ctx context.Context, remoteAddress, shareName string, creds types.Credentials) (*Connection, error) {
	if remoteAddress == "" {
		return nil, &types.ValidationError{Field: "remote_address", Msg: "missing"}
	}
	if creds.User == "" || creds.Pass == "" {
		return nil, &types.ValidationError{Field: "credentials", Msg: "missing user or password"}
	}

	unc := UNCPath(remoteAddress, shareName)
	if m.goos == "windows" {
		return m.connectWindows(ctx, unc, creds)
	}
	return m.connectCIFS(ctx, remoteAddress, shareName, unc, creds)
}

// connectWindows maps the share with net use. Windows tracks the session
// itself, so the UNC path doubles as the local path.
func (m *Mounter) connectWindows(ctx context.Context, unc string, creds types.Credentials) (*Connection, error) {
	m.logger.Step("Connecting to %s", unc)
	out, err := m.runner.Run(ctx, "net", "use", unc, creds.Pass, "/user:"+creds.User)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w: %s", unc, err, strings.TrimSpace(string(out)))
	}

	conn := &Connection{LocalPath: unc, UNCPath: unc}
	if err := m.verify(ctx, conn.LocalPath); err != nil {
		m.Disconnect(context.WithoutCancel(ctx), conn)
		return nil, err
	}
	return conn, nil
}

// connectCIFS mounts the share with mount.cifs. Credentials go through a
// 0600 temp file so they never appear on the command line or in the
// process list.
func (m *Mounter) connectCIFS(ctx context.Context, remoteAddress, shareName, unc string, creds types.Credentials) (*Connection, error) {
	if shareName == "" {
		shareName = DefaultShareName
	}
	mountPoint := filepath.Join(m.mountDir, fmt.Sprintf("%s-%s", sanitizeMountName(remoteAddress), sanitizeMountName(shareName)))
	if err := os.MkdirAll(mountPoint, 0700); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	credsFile, err := m.writeCredentialsFile(creds)
	if err != nil {
		return nil, err
	}

	source := fmt.Sprintf("//%s/%s", remoteAddress, shareName)
	m.logger.Step("Mounting %s at %s", source, mountPoint)
	out, err := m.runner.Run(ctx, "mount", "-t", "cifs", source, mountPoint,
		"-o", "credentials="+credsFile+",iocharset=utf8")
	if err != nil {
		if rerr := m.remove(credsFile); rerr != nil {
			m.logger.Warning("Failed to remove credentials file: %v", rerr)
		}
		return nil, fmt.Errorf("mount %s: %w: %s", source, err, strings.TrimSpace(string(out)))
	}

	conn := &Connection{LocalPath: mountPoint, UNCPath: unc, credentialsFile: credsFile}
	if err := m.verify(ctx, conn.LocalPath); err != nil {
		m.Disconnect(context.WithoutCancel(ctx), conn)
		return nil, err
	}
	return conn, nil
}

func (m *Mounter) writeCredentialsFile(creds types.Credentials) (string, error) {
	tmp, err := os.CreateTemp("", "hostsave-cifs-*")
	if err != nil {
		return "", fmt.Errorf("create credentials file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()

	content := fmt.Sprintf("username=%s\npassword=%s\n", creds.User, creds.Pass)
	if err := m.writeFile(path, []byte(content), 0600); err != nil {
		m.remove(path)
		return "", fmt.Errorf("write credentials file: %w", err)
	}
	return path, nil
}

// SetVerifyFunc overrides the post-mount reachability check (useful for
// tests).
func (m *Mounter) SetVerifyFunc(fn func(context.Context, string) error) {
	if fn != nil {
		m.verifyFn = fn
	}
}

// verify checks the mounted path answers within a bounded time. Stat alone
// can be satisfied from the local mount table on a dead share; listing the
// share root forces a round trip to the server.
func (m *Mounter) verify(ctx context.Context, path string) error {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, path)
	}
	if _, err := safefs.Stat(ctx, path, verifyTimeout); err != nil {
		return fmt.Errorf("mounted share %s not reachable: %w", path, err)
	}
	if _, err := safefs.ReadDir(ctx, path, verifyTimeout); err != nil {
		return fmt.Errorf("mounted share %s not listable: %w", path, err)
	}
	return nil
}

// Disconnect unmounts the share and removes credential material. Each step
// failure is logged; the first is returned so cleanup can be counted, but
// callers treat it as a warning.
func (m *Mounter) Disconnect(ctx context.Context, conn *Connection) error {
	if conn == nil {
		return nil
	}

	var firstErr error
	if m.goos == "windows" {
		if out, err := m.runner.Run(ctx, "net", "use", conn.UNCPath, "/delete", "/y"); err != nil {
			firstErr = fmt.Errorf("disconnect %s: %w: %s", conn.UNCPath, err, strings.TrimSpace(string(out)))
			m.logger.Warning("%v", firstErr)
		}
	} else {
		if out, err := m.runner.Run(ctx, "umount", conn.LocalPath); err != nil {
			firstErr = fmt.Errorf("unmount %s: %w: %s", conn.LocalPath, err, strings.TrimSpace(string(out)))
			m.logger.Warning("%v", firstErr)
		}
	}

	if conn.credentialsFile != "" {
		if err := m.remove(conn.credentialsFile); err != nil && !os.IsNotExist(err) {
			m.logger.Warning("Failed to remove credentials file: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		conn.credentialsFile = ""
	}
	return firstErr
}

func sanitizeMountName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
