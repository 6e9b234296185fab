package relaycsv

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileQueue is a visibility queue whose state is a JSON snapshot on disk,
// rewritten atomically after every change. It survives restarts of a single
// worker; it is not safe to share between processes.
type FileQueue struct {
	path string
	core *visibilityQueue
}

type fileQueueState struct {
	Items       []queuedMessage `json:"items"`
	DeadLetters []queuedMessage `json:"deadLetters"`
}

func NewFileQueue(path string, maxReceives int) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &FileQueue{
		path: path,
		core: newVisibilityQueue(maxReceives),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	q.core.persist = q.saveLocked
	return q, nil
}

func (q *FileQueue) Send(_ context.Context, body string) (string, error) {
	return q.core.send(body)
}

func (q *FileQueue) Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	return q.core.receive(ctx, opts)
}

func (q *FileQueue) Delete(_ context.Context, receiptHandle string) error {
	return q.core.delete(receiptHandle)
}

func (q *FileQueue) ChangeVisibility(_ context.Context, receiptHandle string, timeout time.Duration) error {
	return q.core.changeVisibility(receiptHandle, timeout)
}

func (q *FileQueue) Stats() QueueStats {
	return q.core.stats()
}

func (q *FileQueue) DeadLetters() []Message {
	return q.core.snapshotDeadLetters()
}

func (q *FileQueue) Close() error {
	return nil
}

func (q *FileQueue) load() error {
	q.core.mu.Lock()
	defer q.core.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Items != nil {
		q.core.items = snapshot.Items
	}
	if snapshot.DeadLetters != nil {
		q.core.deadLetters = snapshot.DeadLetters
	}
	return nil
}

func (q *FileQueue) saveLocked() error {
	snapshot := fileQueueState{
		Items:       q.core.items,
		DeadLetters: q.core.deadLetters,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
