package relaycsv

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is everything a worker needs. It is built once at startup.
type Config struct {
	InputDSN          string
	OutputDSN         string
	QueueDSN          string
	Region            string
	OutputPrefix      string
	ScratchDir        string
	MaxMessages       int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	MaxReceives       int
	HTTPAddr          string
}

func (c Config) WithDefaults() Config {
	if c.OutputPrefix == "" {
		c.OutputPrefix = DefaultOutputPrefix
	}
	if strings.TrimSpace(c.ScratchDir) == "" {
		c.ScratchDir = DefaultScratchRoot
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.WaitTime < 0 {
		c.WaitTime = 0
	}
	if c.MaxReceives <= 0 {
		c.MaxReceives = DefaultMaxReceives
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.InputDSN) == "" {
		errs = append(errs, errors.New("input store is required"))
	}
	if strings.TrimSpace(c.OutputDSN) == "" {
		errs = append(errs, errors.New("output store is required"))
	}
	if strings.TrimSpace(c.QueueDSN) == "" {
		errs = append(errs, errors.New("queue is required"))
	}
	if c.MaxMessages > 10 {
		errs = append(errs, fmt.Errorf("max messages %d exceeds 10", c.MaxMessages))
	}
	if c.VisibilityTimeout > 12*time.Hour {
		errs = append(errs, fmt.Errorf("visibility timeout %s exceeds 12h", c.VisibilityTimeout))
	}
	if c.WaitTime > 20*time.Second {
		errs = append(errs, fmt.Errorf("wait time %s exceeds 20s", c.WaitTime))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, errors.Join(errs...))
}

type WorkerOptions struct {
	Logger  Logger
	Metrics *Metrics
	Sink    OutcomeSink
}

// Worker owns the backends opened for a Config.
type Worker struct {
	Config   Config
	Queue    Queue
	Input    ObjectStore
	Output   ObjectStore
	Pipeline *Pipeline
	Consumer *Consumer
}

// NewWorker opens the configured backends, sweeps scratch directories left
// by earlier crashes and wires the consumer.
func NewWorker(cfg Config, opts WorkerOptions) (*Worker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Worker{Config: cfg}
	input, err := BuildObjectStoreFromDSN(cfg.InputDSN, StoreOptions{Region: cfg.Region})
	if err != nil {
		return nil, fmt.Errorf("input store: %w", err)
	}
	w.Input = input
	output, err := BuildObjectStoreFromDSN(cfg.OutputDSN, StoreOptions{Region: cfg.Region})
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("output store: %w", err)
	}
	w.Output = output
	queue, err := BuildQueueFromDSN(cfg.QueueDSN, QueueOptions{Region: cfg.Region, MaxReceives: cfg.MaxReceives})
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}
	w.Queue = queue
	scratch, err := NewScratch(cfg.ScratchDir)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("scratch: %w", err)
	}
	if removed, err := scratch.Sweep(); err != nil {
		logf(opts.Logger, "scratch sweep: %v", err)
	} else if removed > 0 {
		logf(opts.Logger, "removed %d abandoned scratch directories", removed)
	}
	w.Pipeline = &Pipeline{
		Input:        w.Input,
		Output:       w.Output,
		Scratch:      scratch,
		OutputPrefix: cfg.OutputPrefix,
		Logger:       opts.Logger,
	}
	w.Consumer, err = NewConsumer(w.Queue, w.Pipeline, ConsumerOptions{
		MaxMessages:       cfg.MaxMessages,
		VisibilityTimeout: cfg.VisibilityTimeout,
		WaitTime:          cfg.WaitTime,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
		Sink:              opts.Sink,
	})
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Worker) Close() error {
	return errors.Join(CloseBackend(w.Queue), CloseBackend(w.Input), CloseBackend(w.Output))
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
