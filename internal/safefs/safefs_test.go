package safefs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"
)

func TestStatCompletesNormally(t *testing.T) {
	dir := t.TempDir()
	info, err := Stat(context.Background(), dir, time.Second)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}
}

func TestStatTimesOutOnHangingOperation(t *testing.T) {
	original := osStat
	osStat = func(string) (fs.FileInfo, error) {
		time.Sleep(time.Second)
		return nil, nil
	}
	defer func() { osStat = original }()

	_, err := Stat(context.Background(), "/mnt/dead", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Op != "stat" {
		t.Fatalf("unexpected error detail: %v", err)
	}
}

func TestStatHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Stat(ctx, "/", time.Second); err == nil {
		t.Fatal("expected context error")
	}
}

func TestReadDirZeroTimeoutRunsDirect(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/f", []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := ReadDir(context.Background(), dir, 0)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
}

func TestReadDirTimesOut(t *testing.T) {
	original := osReadDir
	osReadDir = func(string) ([]os.DirEntry, error) {
		time.Sleep(time.Second)
		return nil, nil
	}
	defer func() { osReadDir = original }()

	_, err := ReadDir(context.Background(), "/mnt/dead", 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
