package relaycsv

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxMessages       = 10
	DefaultVisibilityTimeout = 120 * time.Second
	DefaultWaitTime          = 20 * time.Second
	DefaultMaxReceives       = 5

	localQueuePollInterval = 10 * time.Millisecond
)

// Message is one delivery of a queued notification. ReceiptHandle is only
// valid for this delivery.
type Message struct {
	ID            string `json:"id"`
	Body          string `json:"body"`
	ReceiptHandle string `json:"receiptHandle"`
	ReceiveCount  int    `json:"receiveCount"`
}

type ReceiveOptions struct {
	MaxMessages       int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
}

func (o ReceiveOptions) withDefaults() ReceiveOptions {
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.WaitTime < 0 {
		o.WaitTime = 0
	}
	return o
}

// Queue is a message queue with visibility timeouts. A received message is
// hidden until it is deleted or its visibility timeout lapses.
type Queue interface {
	Send(ctx context.Context, body string) (string, error)
	Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
	Close() error
}

type QueueStats struct {
	Visible      int `json:"visible"`
	InFlight     int `json:"inFlight"`
	DeadLettered int `json:"deadLettered"`
}

type queueStatter interface {
	Stats() QueueStats
}

// QueueStatsOf returns the stats of q when its backend tracks them.
func QueueStatsOf(q Queue) (QueueStats, bool) {
	statter, ok := q.(queueStatter)
	if !ok {
		return QueueStats{}, false
	}
	return statter.Stats(), true
}

type queuedMessage struct {
	ID            string    `json:"id"`
	Body          string    `json:"body"`
	ReceiveCount  int       `json:"receiveCount"`
	VisibleAt     time.Time `json:"visibleAt"`
	ReceiptHandle string    `json:"receiptHandle,omitempty"`
	SentAt        time.Time `json:"sentAt"`
}

// visibilityQueue is the shared core of the in-process backends. persist,
// when set, is called with the lock held after every mutation; a failed
// persist rolls the mutation back.
type visibilityQueue struct {
	mu           sync.Mutex
	items        []queuedMessage
	deadLetters  []queuedMessage
	maxReceives  int
	pollInterval time.Duration
	now          func() time.Time
	persist      func() error
}

func newVisibilityQueue(maxReceives int) *visibilityQueue {
	return &visibilityQueue{
		items:        []queuedMessage{},
		deadLetters:  []queuedMessage{},
		maxReceives:  maxReceives,
		pollInterval: localQueuePollInterval,
		now:          time.Now,
	}
}

func (q *visibilityQueue) send(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	msg := queuedMessage{
		ID:        uuid.NewString(),
		Body:      body,
		VisibleAt: now,
		SentAt:    now,
	}
	q.items = append(q.items, msg)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return "", err
	}
	return msg.ID, nil
}

func (q *visibilityQueue) receive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	opts = opts.withDefaults()
	deadline := q.now().Add(opts.WaitTime)
	for {
		batch, err := q.tryReceive(opts)
		if err != nil || len(batch) > 0 {
			return batch, err
		}
		if !q.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *visibilityQueue) tryReceive(opts ReceiveOptions) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prevItems := append([]queuedMessage(nil), q.items...)
	prevDead := len(q.deadLetters)

	now := q.now()
	batch := make([]Message, 0, opts.MaxMessages)
	kept := q.items[:0]
	for _, item := range q.items {
		if len(batch) >= opts.MaxMessages || item.VisibleAt.After(now) {
			kept = append(kept, item)
			continue
		}
		if q.maxReceives > 0 && item.ReceiveCount >= q.maxReceives {
			item.ReceiptHandle = ""
			q.deadLetters = append(q.deadLetters, item)
			continue
		}
		item.ReceiveCount++
		item.ReceiptHandle = uuid.NewString()
		item.VisibleAt = now.Add(opts.VisibilityTimeout)
		kept = append(kept, item)
		batch = append(batch, Message{
			ID:            item.ID,
			Body:          item.Body,
			ReceiptHandle: item.ReceiptHandle,
			ReceiveCount:  item.ReceiveCount,
		})
	}
	q.items = kept
	if len(batch) == 0 && len(q.deadLetters) == prevDead {
		return nil, nil
	}
	if err := q.persistLocked(); err != nil {
		q.items = prevItems
		q.deadLetters = q.deadLetters[:prevDead]
		return nil, err
	}
	return batch, nil
}

func (q *visibilityQueue) delete(receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(receiptHandle)
	if idx < 0 {
		return ErrReceiptHandle
	}
	removed := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	if err := q.persistLocked(); err != nil {
		q.items = append(q.items[:idx], append([]queuedMessage{removed}, q.items[idx:]...)...)
		return err
	}
	return nil
}

func (q *visibilityQueue) changeVisibility(receiptHandle string, timeout time.Duration) error {
	if timeout < 0 {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(receiptHandle)
	if idx < 0 {
		return ErrReceiptHandle
	}
	prev := q.items[idx].VisibleAt
	q.items[idx].VisibleAt = q.now().Add(timeout)
	if err := q.persistLocked(); err != nil {
		q.items[idx].VisibleAt = prev
		return err
	}
	return nil
}

// indexLocked finds the in-flight message holding receiptHandle. A handle
// stops matching once its visibility has lapsed and the message was handed
// out again.
func (q *visibilityQueue) indexLocked(receiptHandle string) int {
	if strings.TrimSpace(receiptHandle) == "" {
		return -1
	}
	for i, item := range q.items {
		if item.ReceiptHandle == receiptHandle {
			return i
		}
	}
	return -1
}

func (q *visibilityQueue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	stats := QueueStats{DeadLettered: len(q.deadLetters)}
	for _, item := range q.items {
		if item.VisibleAt.After(now) {
			stats.InFlight++
		} else {
			stats.Visible++
		}
	}
	return stats
}

func (q *visibilityQueue) snapshotDeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.deadLetters))
	for _, item := range q.deadLetters {
		out = append(out, Message{ID: item.ID, Body: item.Body, ReceiveCount: item.ReceiveCount})
	}
	return out
}

func (q *visibilityQueue) persistLocked() error {
	if q.persist == nil {
		return nil
	}
	return q.persist()
}
