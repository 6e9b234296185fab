package relaycsv

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentworkforce/relaycsv/internal/flatten"
)

const scenarioDocument = `{"id":"A1","meta":{"lastUpdated":"2020-01-01"},"resourceType":"Bundle","type":"collection","entry":[{"x":{"v":1}},{"x":{"v":2}}]}`

const scenarioTable = "x.v,id,meta.lastUpdated,resourceType,type\n" +
	"1,A1,2020-01-01,Bundle,collection\n" +
	"2,A1,2020-01-01,Bundle,collection\n"

// flakyStore fails the first failures calls of the chosen operation.
type flakyStore struct {
	ObjectStore
	mu       sync.Mutex
	failures int
	upload   bool
}

var errInjected = errors.New("injected failure")

func (s *flakyStore) fail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures <= 0 {
		return false
	}
	s.failures--
	return true
}

func (s *flakyStore) Download(ctx context.Context, key string, dst io.Writer) error {
	if !s.upload && s.fail() {
		_, _ = io.WriteString(dst, `{"id":"partial`)
		return errInjected
	}
	return s.ObjectStore.Download(ctx, key, dst)
}

func (s *flakyStore) Upload(ctx context.Context, key string, src io.Reader) error {
	if s.upload && s.fail() {
		_, _ = io.CopyN(io.Discard, src, 3)
		return errInjected
	}
	return s.ObjectStore.Upload(ctx, key, src)
}

func newTestPipeline(t *testing.T) (*Pipeline, *InMemoryObjectStore, *InMemoryObjectStore) {
	t.Helper()
	scratch, err := NewScratch(filepath.Join(t.TempDir(), "csv"))
	if err != nil {
		t.Fatalf("new scratch failed: %v", err)
	}
	input := NewInMemoryObjectStore()
	output := NewInMemoryObjectStore()
	return &Pipeline{Input: input, Output: output, Scratch: scratch}, input, output
}

func assertScratchEmpty(t *testing.T, scratch *Scratch) {
	t.Helper()
	entries, err := os.ReadDir(scratch.Root)
	if err != nil {
		t.Fatalf("read scratch root failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected scratch root to be empty, found %d entries", len(entries))
	}
}

func TestPipelineWritesTableUnderOutputKey(t *testing.T) {
	pipeline, input, output := newTestPipeline(t)
	input.Put("incoming/scenario.json", []byte(scenarioDocument))

	result, err := pipeline.Process(context.Background(), "incoming/scenario.json")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.OutputKey != "csv/incoming/scenario.json.csv" || result.Rows != 2 || result.Columns != 5 {
		t.Fatalf("unexpected result %+v", result)
	}
	data, ok := output.Get("csv/incoming/scenario.json.csv")
	if !ok {
		t.Fatalf("expected table in output store, keys=%v", output.Keys())
	}
	if string(data) != scenarioTable {
		t.Fatalf("expected table:\n%s\ngot:\n%s", scenarioTable, data)
	}
	assertScratchEmpty(t, pipeline.Scratch)
}

func TestPipelineOutputPrefix(t *testing.T) {
	pipeline, input, output := newTestPipeline(t)
	pipeline.OutputPrefix = "tables/"
	input.Put("a.json", []byte(scenarioDocument))
	if err := pipeline.Run(context.Background(), "a.json"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, ok := output.Get("tables/a.json.csv"); !ok {
		t.Fatalf("expected tables/a.json.csv, got keys %v", output.Keys())
	}
}

func TestPipelineReportsFailingStage(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		stage  Stage
		target error
	}{
		{name: "missing object", stage: StageFetch, target: ErrNotFound},
		{name: "malformed json", input: `{"id":`, stage: StageParse, target: flatten.ErrInvalidDocument},
		{name: "missing entry", input: `{"id":"A1","meta":{"lastUpdated":"x"},"resourceType":"Bundle","type":"collection"}`, stage: StageParse, target: flatten.ErrInvalidDocument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipeline, input, output := newTestPipeline(t)
			if tc.input != "" {
				input.Put("doc.json", []byte(tc.input))
			}
			err := pipeline.Run(context.Background(), "doc.json")
			var stageErr *StageError
			if !errors.As(err, &stageErr) {
				t.Fatalf("expected *StageError, got %v", err)
			}
			if stageErr.Stage != tc.stage || stageErr.Key != "doc.json" {
				t.Fatalf("expected stage %s for doc.json, got %s for %s", tc.stage, stageErr.Stage, stageErr.Key)
			}
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v in chain, got %v", tc.target, err)
			}
			if keys := output.Keys(); len(keys) != 0 {
				t.Fatalf("expected no artifact, got %v", keys)
			}
			assertScratchEmpty(t, pipeline.Scratch)
		})
	}
}

func TestPipelineStoreFailureLeavesNoArtifact(t *testing.T) {
	pipeline, input, output := newTestPipeline(t)
	pipeline.Output = &flakyStore{ObjectStore: output, failures: 1, upload: true}
	input.Put("a.json", []byte(scenarioDocument))

	err := pipeline.Run(context.Background(), "a.json")
	if StageOf(err) != StageStore || !errors.Is(err, errInjected) {
		t.Fatalf("expected store stage failure, got %v", err)
	}
	if keys := output.Keys(); len(keys) != 0 {
		t.Fatalf("expected no artifact, got %v", keys)
	}
	assertScratchEmpty(t, pipeline.Scratch)
}

func TestPipelineRetryAfterFailureIsByteIdentical(t *testing.T) {
	clean, cleanInput, cleanOutput := newTestPipeline(t)
	cleanInput.Put("a.json", []byte(scenarioDocument))
	if err := clean.Run(context.Background(), "a.json"); err != nil {
		t.Fatalf("clean run failed: %v", err)
	}
	want, _ := cleanOutput.Get("csv/a.json.csv")

	retried, input, output := newTestPipeline(t)
	input.Put("a.json", []byte(scenarioDocument))
	retried.Input = &flakyStore{ObjectStore: input, failures: 1}
	retried.Output = &flakyStore{ObjectStore: output, failures: 1, upload: true}

	if err := retried.Run(context.Background(), "a.json"); StageOf(err) != StageFetch {
		t.Fatalf("expected first attempt to fail fetching, got %v", err)
	}
	if err := retried.Run(context.Background(), "a.json"); StageOf(err) != StageStore {
		t.Fatalf("expected second attempt to fail storing, got %v", err)
	}
	if err := retried.Run(context.Background(), "a.json"); err != nil {
		t.Fatalf("third attempt failed: %v", err)
	}
	got, _ := output.Get("csv/a.json.csv")
	if string(got) != string(want) {
		t.Fatalf("expected retried table to match clean run:\n%s\ngot:\n%s", want, got)
	}
	assertScratchEmpty(t, retried.Scratch)
}

func TestPipelineRejectsBlankKey(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)
	if err := pipeline.Run(context.Background(), " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStageOfUnknown(t *testing.T) {
	if got := StageOf(errors.New("plain")); got != "unknown" {
		t.Fatalf("expected unknown, got %s", got)
	}
	if stageError(StageFetch, "k", nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}
}
