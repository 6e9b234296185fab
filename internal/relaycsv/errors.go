package relaycsv

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrInvalidNotification = errors.New("invalid notification")
	ErrReceiptHandle       = errors.New("unknown receipt handle")
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageDecode    Stage = "decode"
	StageScratch   Stage = "scratch"
	StageFetch     Stage = "fetch"
	StageParse     Stage = "parse"
	StageSerialize Stage = "serialize"
	StageStore     Stage = "store"
	StageAck       Stage = "ack"
)

// StageError reports which step failed for which document key.
type StageError struct {
	Stage Stage
	Key   string
	Err   error
}

func (e *StageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Key, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Key: key, Err: err}
}

// StageOf returns the stage recorded in err, or "unknown".
func StageOf(err error) Stage {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return "unknown"
}
