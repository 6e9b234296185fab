package relaycsv

import (
	"context"
	"time"
)

type InMemoryQueue struct {
	core *visibilityQueue
}

// NewInMemoryQueue returns a process-local queue. maxReceives bounds the
// deliveries of one message before it is dead-lettered; zero disables
// redrive.
func NewInMemoryQueue(maxReceives int) *InMemoryQueue {
	return &InMemoryQueue{core: newVisibilityQueue(maxReceives)}
}

func (q *InMemoryQueue) Send(_ context.Context, body string) (string, error) {
	return q.core.send(body)
}

func (q *InMemoryQueue) Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	return q.core.receive(ctx, opts)
}

func (q *InMemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	return q.core.delete(receiptHandle)
}

func (q *InMemoryQueue) ChangeVisibility(_ context.Context, receiptHandle string, timeout time.Duration) error {
	return q.core.changeVisibility(receiptHandle, timeout)
}

func (q *InMemoryQueue) Stats() QueueStats {
	return q.core.stats()
}

func (q *InMemoryQueue) DeadLetters() []Message {
	return q.core.snapshotDeadLetters()
}

func (q *InMemoryQueue) Close() error {
	return nil
}
