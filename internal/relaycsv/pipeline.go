package relaycsv

import (
	"context"
	"os"
	"strings"

	"github.com/agentworkforce/relaycsv/internal/flatten"
)

const (
	DefaultOutputPrefix = "csv/"

	scratchDocumentName = "document.json"
	scratchTableName    = "output.csv"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Pipeline turns one input document into one CSV artifact.
type Pipeline struct {
	Input        ObjectStore
	Output       ObjectStore
	Scratch      *Scratch
	OutputPrefix string
	Logger       Logger
}

// Result describes a stored table.
type Result struct {
	Key       string `json:"key"`
	OutputKey string `json:"outputKey"`
	Rows      int    `json:"rows"`
	Columns   int    `json:"columns"`
}

// OutputKey is the key the table for key is stored under.
func (p *Pipeline) OutputKey(key string) string {
	prefix := p.OutputPrefix
	if prefix == "" {
		prefix = DefaultOutputPrefix
	}
	return prefix + key + ".csv"
}

func (p *Pipeline) Run(ctx context.Context, key string) error {
	_, err := p.Process(ctx, key)
	return err
}

// Process runs every step for key. Any failure is returned as a *StageError
// and nothing is retried here. The attempt's scratch files are removed
// whether or not it succeeded.
func (p *Pipeline) Process(ctx context.Context, key string) (Result, error) {
	if strings.TrimSpace(key) == "" {
		return Result{}, stageError(StageDecode, key, ErrInvalidInput)
	}
	dir, err := p.Scratch.Acquire()
	if err != nil {
		return Result{}, stageError(StageScratch, key, err)
	}
	defer func() {
		if err := dir.Release(); err != nil {
			logf(p.Logger, "release scratch %s: %v", dir.Path, err)
		}
	}()

	docPath := dir.File(scratchDocumentName)
	if err := p.fetch(ctx, key, docPath); err != nil {
		return Result{}, stageError(StageFetch, key, err)
	}
	data, err := os.ReadFile(docPath)
	if err != nil {
		return Result{}, stageError(StageFetch, key, err)
	}
	doc, err := flatten.ParseDocument(data)
	if err != nil {
		return Result{}, stageError(StageParse, key, err)
	}
	table := doc.Tabulate()

	tablePath := dir.File(scratchTableName)
	if err := writeTable(tablePath, table); err != nil {
		return Result{}, stageError(StageSerialize, key, err)
	}
	outputKey := p.OutputKey(key)
	if err := p.store(ctx, outputKey, tablePath); err != nil {
		return Result{}, stageError(StageStore, key, err)
	}
	return Result{
		Key:       key,
		OutputKey: outputKey,
		Rows:      table.Len(),
		Columns:   len(table.Columns()),
	}, nil
}

func (p *Pipeline) fetch(ctx context.Context, key, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.Input.Download(ctx, key, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeTable(path string, table *flatten.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := table.WriteCSV(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *Pipeline) store(ctx context.Context, outputKey, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Output.Upload(ctx, outputKey, f)
}
