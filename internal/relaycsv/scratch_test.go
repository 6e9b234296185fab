//go:build unix

package relaycsv

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScratchAcquireAndRelease(t *testing.T) {
	scratch, err := NewScratch(filepath.Join(t.TempDir(), "csv"))
	if err != nil {
		t.Fatalf("new scratch failed: %v", err)
	}
	first, err := scratch.Acquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	second, err := scratch.Acquire()
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if first.Path == second.Path {
		t.Fatalf("expected isolated directories, both got %s", first.Path)
	}
	if err := os.WriteFile(first.File("output.csv"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write scratch file failed: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(first.Path); !os.IsNotExist(err) {
		t.Fatalf("expected released dir to be removed, stat err=%v", err)
	}
	if err := second.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
}

func TestScratchFileStaysInsideDirectory(t *testing.T) {
	dir := &ScratchDir{Path: "/tmp/attempt-1"}
	if got := dir.File("../../etc/passwd"); got != "/tmp/attempt-1/passwd" {
		t.Fatalf("expected name to be confined, got %s", got)
	}
}

func TestScratchSweepKeepsLockedDirectories(t *testing.T) {
	root := t.TempDir()
	scratch, err := NewScratch(root)
	if err != nil {
		t.Fatalf("new scratch failed: %v", err)
	}
	live, err := scratch.Acquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer live.Release()

	abandoned := filepath.Join(root, scratchPrefix+"crashed")
	if err := os.MkdirAll(abandoned, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(abandoned, scratchLockName), nil, 0o600); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(abandoned, scratchDocumentName), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write doc failed: %v", err)
	}
	unrelated := filepath.Join(root, "keep-me")
	if err := os.MkdirAll(unrelated, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	removed, err := scratch.Sweep()
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 directory removed, got %d", removed)
	}
	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Fatalf("expected abandoned dir removed, stat err=%v", err)
	}
	if _, err := os.Stat(live.Path); err != nil {
		t.Fatalf("expected live dir kept: %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("expected unrelated dir kept: %v", err)
	}
}

func TestScratchSweepWaitsOutUnlockedFreshDirectories(t *testing.T) {
	root := t.TempDir()
	scratch, err := NewScratch(root)
	if err != nil {
		t.Fatalf("new scratch failed: %v", err)
	}
	fresh := filepath.Join(root, scratchPrefix+"starting")
	if err := os.MkdirAll(fresh, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if removed, err := scratch.Sweep(); err != nil || removed != 0 {
		t.Fatalf("expected fresh dir without lock to be kept, removed=%d err=%v", removed, err)
	}

	scratch.now = func() time.Time { return time.Now().Add(2 * scratchStaleAge) }
	if removed, err := scratch.Sweep(); err != nil || removed != 1 {
		t.Fatalf("expected stale dir without lock to be removed, removed=%d err=%v", removed, err)
	}
}
