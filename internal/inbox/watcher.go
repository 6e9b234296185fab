// Package inbox turns files dropped into a local directory into object-created
// notifications, so a file-backed input store can feed the consumer the same
// way a bucket feeds it through S3 event notifications.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycsv/internal/relaycsv"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultSuffix = ".json"
	DefaultSettle = 500 * time.Millisecond

	minFlushInterval = 10 * time.Millisecond
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Root   string
	Bucket string
	Suffix string
	// Settle is how long a file must stay unchanged before it is announced.
	Settle time.Duration
	Logger Logger
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

type Watcher struct {
	queue  relaycsv.Queue
	root   string
	bucket string
	suffix string
	settle time.Duration
	logger Logger
	now    func() time.Time

	mu      sync.Mutex
	sent    map[string]fileStamp
	pending map[string]time.Time
}

func NewWatcher(queue relaycsv.Queue, opts Options) (*Watcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, err
	}
	suffix := opts.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		queue:   queue,
		root:    absRoot,
		bucket:  opts.Bucket,
		suffix:  suffix,
		settle:  settle,
		logger:  opts.Logger,
		now:     time.Now,
		sent:    map[string]fileStamp{},
		pending: map[string]time.Time{},
	}, nil
}

// ScanOnce announces every matching file that is new or changed since it was
// last announced, and returns how many were sent.
func (w *Watcher) ScanOnce(ctx context.Context) (int, error) {
	var paths []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !w.matches(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return 0, err
	}
	sent := 0
	var errs []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		ok, err := w.announce(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

// Run scans the root once, then announces files as they settle until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}
	if n, err := w.ScanOnce(ctx); err != nil {
		w.logf("initial scan failed: %v", err)
	} else if n > 0 {
		w.logf("initial scan announced %d files", n)
	}

	tick := w.settle / 2
	if tick < minFlushInterval {
		tick = minFlushInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logf("watch error: %v", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.mu.Lock()
		delete(w.pending, event.Name)
		delete(w.sent, event.Name)
		w.mu.Unlock()
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := w.addTree(fsw, event.Name); err != nil {
			w.logf("watch %s failed: %v", event.Name, err)
		}
		// Files can land in a new directory before its watch is registered.
		_ = filepath.WalkDir(event.Name, func(path string, d fs.DirEntry, err error) error {
			if err == nil && !d.IsDir() && w.matches(path) {
				w.schedule(path)
			}
			return nil
		})
		return
	}
	if w.matches(event.Name) {
		w.schedule(event.Name)
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	w.pending[path] = w.now().Add(w.settle)
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	now := w.now()
	var due []string
	w.mu.Lock()
	for path, at := range w.pending {
		if !at.After(now) {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	for _, path := range due {
		if _, err := w.announce(ctx, path); err != nil {
			w.logf("announce %s failed: %v", path, err)
		}
	}
}

func (w *Watcher) announce(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	stamp := fileStamp{size: info.Size(), modTime: info.ModTime()}
	w.mu.Lock()
	prev, seen := w.sent[path]
	w.mu.Unlock()
	if seen && prev == stamp {
		return false, nil
	}
	key, err := w.keyFor(path)
	if err != nil {
		return false, err
	}
	body, err := relaycsv.EncodeNotification(w.bucket, key)
	if err != nil {
		return false, err
	}
	id, err := w.queue.Send(ctx, body)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	w.sent[path] = stamp
	w.mu.Unlock()
	w.logf("announced %s as message %s", key, id)
	return true, nil
}

func (w *Watcher) keyFor(path string) (string, error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", err
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside %s", path, w.root)
	}
	return filepath.ToSlash(rel), nil
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, w.suffix)
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return fsw.Add(path)
	})
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
