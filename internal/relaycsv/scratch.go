package relaycsv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultScratchRoot = "/csv"

	scratchPrefix   = "attempt-"
	scratchLockName = ".lock"
	scratchStaleAge = time.Minute
)

// Scratch hands out one private directory per processing attempt under Root.
// Each directory is held by an exclusive lock until it is released, so a
// sweep never removes a directory that a live worker is using.
type Scratch struct {
	Root string
	now  func() time.Time
}

type ScratchDir struct {
	Path string
	lock *os.File
}

func NewScratch(root string) (*Scratch, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = DefaultScratchRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Scratch{Root: root, now: time.Now}, nil
}

func (s *Scratch) Acquire() (*ScratchDir, error) {
	path, err := os.MkdirTemp(s.Root, scratchPrefix)
	if err != nil {
		return nil, err
	}
	lock, err := os.OpenFile(filepath.Join(path, scratchLockName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}
	if err := lockFile(lock); err != nil {
		_ = lock.Close()
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("lock scratch dir: %w", err)
	}
	return &ScratchDir{Path: path, lock: lock}, nil
}

// File returns the path of name inside the directory.
func (d *ScratchDir) File(name string) string {
	return filepath.Join(d.Path, filepath.Base(name))
}

// Release removes the directory and drops its lock.
func (d *ScratchDir) Release() error {
	if d == nil {
		return nil
	}
	err := os.RemoveAll(d.Path)
	if d.lock != nil {
		_ = unlockFile(d.lock)
		_ = d.lock.Close()
		d.lock = nil
	}
	return err
}

// Sweep removes attempt directories left behind by workers that died
// mid-attempt. It returns the number of directories removed.
func (s *Scratch) Sweep() (int, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), scratchPrefix) {
			continue
		}
		path := filepath.Join(s.Root, entry.Name())
		stale, err := s.stale(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !stale {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *Scratch) stale(path string) (bool, error) {
	lock, err := os.OpenFile(filepath.Join(path, scratchLockName), os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		// The owner may be between creating the directory and locking it.
		info, statErr := os.Stat(path)
		if statErr != nil {
			return false, statErr
		}
		return s.now().Sub(info.ModTime()) > scratchStaleAge, nil
	}
	if err != nil {
		return false, err
	}
	defer lock.Close()
	ok, err := tryLockFile(lock)
	if err != nil || !ok {
		return false, err
	}
	_ = unlockFile(lock)
	return true, nil
}
