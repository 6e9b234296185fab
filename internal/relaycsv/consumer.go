package relaycsv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Delivery states. acked and requeued end a delivery attempt.
const (
	StateReceived   = "received"
	StateProcessing = "processing"
	StateAcked      = "acked"
	StateRequeued   = "requeued"

	eventProcess = "process"
	eventAck     = "ack"
	eventRequeue = "requeue"
	eventRelease = "release"

	defaultReceiveBackoff = time.Second
)

// Outcome is the result of one delivery attempt.
type Outcome struct {
	MessageID    string    `json:"messageId"`
	Key          string    `json:"key,omitempty"`
	State        string    `json:"state"`
	States       []string  `json:"states"`
	Stage        Stage     `json:"stage,omitempty"`
	Error        string    `json:"error,omitempty"`
	OutputKey    string    `json:"outputKey,omitempty"`
	Rows         int       `json:"rows"`
	ReceiveCount int       `json:"receiveCount"`
	DurationMs   int64     `json:"durationMs"`
	At           time.Time `json:"at"`

	Err error `json:"-"`
}

// OutcomeSink receives every outcome as soon as its delivery attempt ends.
type OutcomeSink interface {
	Publish(Outcome)
}

type ConsumerOptions struct {
	MaxMessages       int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	ReceiveBackoff    time.Duration
	Logger            Logger
	Metrics           *Metrics
	Sink              OutcomeSink
}

type ConsumerStats struct {
	Batches     int64     `json:"batches"`
	Received    int64     `json:"received"`
	Acked       int64     `json:"acked"`
	Requeued    int64     `json:"requeued"`
	Released    int64     `json:"released"`
	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitempty"`
	LastBatchAt time.Time `json:"lastBatchAt,omitempty"`
}

// Consumer pulls notifications in batches and runs the pipeline for each one
// in turn. A processed notification is deleted; a failed one is made visible
// again at once so the queue's redrive policy counts the attempt.
type Consumer struct {
	queue    Queue
	pipeline *Pipeline
	receive  ReceiveOptions
	backoff  time.Duration
	logger   Logger
	metrics  *Metrics
	sink     OutcomeSink
	now      func() time.Time

	mu    sync.Mutex
	stats ConsumerStats
}

func NewConsumer(queue Queue, pipeline *Pipeline, opts ConsumerOptions) (*Consumer, error) {
	if queue == nil || pipeline == nil {
		return nil, ErrInvalidInput
	}
	if pipeline.Input == nil || pipeline.Output == nil || pipeline.Scratch == nil {
		return nil, ErrInvalidInput
	}
	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	wait := opts.WaitTime
	if wait < 0 {
		wait = 0
	}
	backoff := opts.ReceiveBackoff
	if backoff <= 0 {
		backoff = defaultReceiveBackoff
	}
	return &Consumer{
		queue:    queue,
		pipeline: pipeline,
		receive: ReceiveOptions{
			MaxMessages:       maxMessages,
			VisibilityTimeout: visibility,
			WaitTime:          wait,
		},
		backoff: backoff,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		sink:    opts.Sink,
		now:     time.Now,
	}, nil
}

// Run processes batches until ctx is cancelled. Receive failures are logged
// and retried after the backoff. Cancellation is not an error.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := c.ProcessBatch(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		logf(c.logger, "receive failed: %v", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.backoff):
		}
	}
}

// ProcessBatch receives one batch and settles every message in it. When ctx
// is cancelled part way, the messages not yet started are released back to
// the queue and ctx.Err() is returned with the outcomes so far.
func (c *Consumer) ProcessBatch(ctx context.Context) ([]Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := c.queue.Receive(ctx, c.receive)
	if err != nil {
		if ctx.Err() == nil {
			c.metrics.observeCallError("receive")
			c.recordError(err)
		}
		return nil, err
	}
	c.metrics.observeReceived(len(batch))
	c.mu.Lock()
	c.stats.Batches++
	c.stats.Received += int64(len(batch))
	c.stats.LastBatchAt = c.now()
	c.mu.Unlock()

	outcomes := make([]Outcome, 0, len(batch))
	for i, msg := range batch {
		if err := ctx.Err(); err != nil {
			for _, rest := range batch[i:] {
				outcomes = append(outcomes, c.release(ctx, rest, err))
			}
			return outcomes, err
		}
		outcomes = append(outcomes, c.handle(ctx, msg))
	}
	return outcomes, nil
}

func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

type delivery struct {
	fsm    *fsm.FSM
	states []string
}

func newDelivery() *delivery {
	d := &delivery{states: []string{StateReceived}}
	d.fsm = fsm.NewFSM(
		StateReceived,
		fsm.Events{
			{Name: eventProcess, Src: []string{StateReceived}, Dst: StateProcessing},
			{Name: eventAck, Src: []string{StateProcessing}, Dst: StateAcked},
			{Name: eventRequeue, Src: []string{StateProcessing}, Dst: StateRequeued},
			{Name: eventRelease, Src: []string{StateReceived}, Dst: StateRequeued},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.states = append(d.states, e.Dst)
			},
		},
	)
	return d
}

func (d *delivery) fire(ctx context.Context, event string) {
	_ = d.fsm.Event(context.WithoutCancel(ctx), event)
}

func (c *Consumer) handle(ctx context.Context, msg Message) Outcome {
	started := c.now()
	d := newDelivery()
	d.fire(ctx, eventProcess)

	var result Result
	key, err := DecodeNotification(msg.Body)
	if err != nil {
		err = stageError(StageDecode, "", err)
	} else {
		result, err = c.pipeline.Process(ctx, key)
	}

	// Settling must reach the queue even while shutting down.
	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		if delErr := c.queue.Delete(settleCtx, msg.ReceiptHandle); delErr != nil {
			c.metrics.observeCallError("delete")
			err = stageError(StageAck, key, delErr)
		}
	}
	if err == nil {
		d.fire(ctx, eventAck)
		c.metrics.observeAcked(result.Rows)
		c.mu.Lock()
		c.stats.Acked++
		c.mu.Unlock()
	} else {
		if StageOf(err) != StageAck {
			if visErr := c.queue.ChangeVisibility(settleCtx, msg.ReceiptHandle, 0); visErr != nil {
				c.metrics.observeCallError("change_visibility")
				logf(c.logger, "requeue %s: %v", msg.ID, visErr)
			}
		}
		d.fire(ctx, eventRequeue)
		c.metrics.observeRequeued(StageOf(err))
		logf(c.logger, "requeued message %s key=%q attempt=%d stage=%s: %v", msg.ID, key, msg.ReceiveCount, StageOf(err), err)
		c.mu.Lock()
		c.stats.Requeued++
		c.mu.Unlock()
		c.recordError(err)
	}
	elapsed := c.now().Sub(started)
	c.metrics.observeDuration(elapsed)

	outcome := Outcome{
		MessageID:    msg.ID,
		Key:          key,
		State:        d.fsm.Current(),
		States:       d.states,
		OutputKey:    result.OutputKey,
		Rows:         result.Rows,
		ReceiveCount: msg.ReceiveCount,
		DurationMs:   elapsed.Milliseconds(),
		At:           c.now(),
		Err:          err,
	}
	if err != nil {
		outcome.Stage = StageOf(err)
		outcome.Error = err.Error()
	}
	c.publish(outcome)
	return outcome
}

// release hands an unstarted message straight back to the queue.
func (c *Consumer) release(ctx context.Context, msg Message, cause error) Outcome {
	d := newDelivery()
	if err := c.queue.ChangeVisibility(context.WithoutCancel(ctx), msg.ReceiptHandle, 0); err != nil {
		c.metrics.observeCallError("change_visibility")
		logf(c.logger, "release %s: %v", msg.ID, err)
	}
	d.fire(ctx, eventRelease)
	c.mu.Lock()
	c.stats.Released++
	c.mu.Unlock()
	outcome := Outcome{
		MessageID:    msg.ID,
		State:        d.fsm.Current(),
		States:       d.states,
		ReceiveCount: msg.ReceiveCount,
		At:           c.now(),
		Err:          cause,
	}
	if cause != nil {
		outcome.Error = cause.Error()
	}
	c.publish(outcome)
	return outcome
}

func (c *Consumer) publish(outcome Outcome) {
	if c.sink == nil {
		return
	}
	c.sink.Publish(outcome)
}

func (c *Consumer) recordError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	c.mu.Lock()
	c.stats.LastError = err.Error()
	c.stats.LastErrorAt = c.now()
	c.mu.Unlock()
}
