package relaycsv

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
)

func stubAWSConfig(t *testing.T) *string {
	t.Helper()
	var region string
	previous := loadAWSConfig
	loadAWSConfig = func(_ context.Context, r string) (aws.Config, error) {
		region = r
		return aws.Config{Region: r}, nil
	}
	t.Cleanup(func() { loadAWSConfig = previous })
	return &region
}

func TestBuildQueueFromDSNMemory(t *testing.T) {
	queue, err := BuildQueueFromDSN("memory://", QueueOptions{MaxReceives: 3})
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	memory, ok := queue.(*InMemoryQueue)
	if !ok {
		t.Fatalf("expected *InMemoryQueue, got %T", queue)
	}
	if memory.core.maxReceives != 3 {
		t.Fatalf("expected max receives 3, got %d", memory.core.maxReceives)
	}
}

func TestBuildQueueFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	for _, dsn := range []string{"file://" + path, path} {
		queue, err := BuildQueueFromDSN(dsn, QueueOptions{})
		if err != nil {
			t.Fatalf("build file queue from %q failed: %v", dsn, err)
		}
		fileQueue, ok := queue.(*FileQueue)
		if !ok {
			t.Fatalf("expected *FileQueue, got %T", queue)
		}
		if fileQueue.path != path {
			t.Fatalf("expected path %s, got %s", path, fileQueue.path)
		}
	}
}

func TestBuildQueueFromDSNSQS(t *testing.T) {
	region := stubAWSConfig(t)
	queue, err := BuildQueueFromDSN("sqs://batch-queue?endpoint=http://localhost:4566", QueueOptions{Region: "eu-west-1"})
	if err != nil {
		t.Fatalf("build sqs queue failed: %v", err)
	}
	sqsQueue, ok := queue.(*SQSQueue)
	if !ok {
		t.Fatalf("expected *SQSQueue, got %T", queue)
	}
	if sqsQueue.queueName != "batch-queue" {
		t.Fatalf("expected queue name batch-queue, got %s", sqsQueue.queueName)
	}
	if *region != "eu-west-1" {
		t.Fatalf("expected region from options, got %q", *region)
	}

	if _, err := BuildQueueFromDSN("sqs://batch-queue?region=us-east-2", QueueOptions{Region: "eu-west-1"}); err != nil {
		t.Fatalf("build sqs queue failed: %v", err)
	}
	if *region != "us-east-2" {
		t.Fatalf("expected region from dsn to win, got %q", *region)
	}
	if _, err := BuildQueueFromDSN("sqs://", QueueOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing queue name, got %v", err)
	}
}

func TestBuildQueueFromDSNRejectsUnsupportedScheme(t *testing.T) {
	if _, err := BuildQueueFromDSN("redis://localhost:6379/0", QueueOptions{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error, got %v", err)
	}
	if _, err := BuildQueueFromDSN("carrier-pigeon://loft", QueueOptions{}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := BuildQueueFromDSN("  ", QueueOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestBuildObjectStoreFromDSN(t *testing.T) {
	stubAWSConfig(t)
	root := t.TempDir()

	store, err := BuildObjectStoreFromDSN("file://"+root, StoreOptions{})
	if err != nil {
		t.Fatalf("build file store failed: %v", err)
	}
	if fileStore, ok := store.(*FileObjectStore); !ok || fileStore.Root != root {
		t.Fatalf("expected file store at %s, got %#v", root, store)
	}

	store, err = BuildObjectStoreFromDSN("memory://", StoreOptions{})
	if err != nil {
		t.Fatalf("build memory store failed: %v", err)
	}
	if _, ok := store.(*InMemoryObjectStore); !ok {
		t.Fatalf("expected *InMemoryObjectStore, got %T", store)
	}

	store, err = BuildObjectStoreFromDSN("s3://output-bucket/exports?endpoint=http://localhost:4566", StoreOptions{Region: "us-east-1"})
	if err != nil {
		t.Fatalf("build s3 store failed: %v", err)
	}
	s3Store, ok := store.(*S3ObjectStore)
	if !ok {
		t.Fatalf("expected *S3ObjectStore, got %T", store)
	}
	if s3Store.bucket != "output-bucket" || s3Store.prefix != "exports/" {
		t.Fatalf("unexpected bucket/prefix %q %q", s3Store.bucket, s3Store.prefix)
	}

	if _, err := BuildObjectStoreFromDSN("gs://bucket", StoreOptions{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error, got %v", err)
	}
}

func TestRegisterQueueFactory(t *testing.T) {
	scheme := "queuetestcustom"
	RegisterQueueFactory(scheme, func(dsn string, opts QueueOptions) (Queue, error) {
		return NewInMemoryQueue(opts.MaxReceives), nil
	})
	queue, err := BuildQueueFromDSN(scheme+"://example", QueueOptions{MaxReceives: 7})
	if err != nil {
		t.Fatalf("build queue via registered factory failed: %v", err)
	}
	if memory, ok := queue.(*InMemoryQueue); !ok || memory.core.maxReceives != 7 {
		t.Fatalf("expected registered in-memory queue with max receives 7, got %#v", queue)
	}
}

func TestRegisterObjectStoreFactory(t *testing.T) {
	scheme := "StoreTestCustom"
	custom := NewInMemoryObjectStore()
	RegisterObjectStoreFactory(scheme, func(dsn string, opts StoreOptions) (ObjectStore, error) {
		return custom, nil
	})
	store, err := BuildObjectStoreFromDSN("storetestcustom://bucket", StoreOptions{})
	if err != nil {
		t.Fatalf("build store via registered factory failed: %v", err)
	}
	if store != custom {
		t.Fatalf("expected registered store instance")
	}
}

func TestDSNPath(t *testing.T) {
	cases := map[string]string{
		"file:///var/lib/relaycsv/q.json": "/var/lib/relaycsv/q.json",
		"file://./data/q.json":            "./data/q.json",
		"file://q.json":                   "q.json",
		"sqlite:///tmp/relaycsv.db":       "/tmp/relaycsv.db",
		"relative/queue.json":             "relative/queue.json",
	}
	for raw, want := range cases {
		parsed, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		got, err := dsnPath(parsed, raw)
		if err != nil {
			t.Fatalf("dsnPath(%q) failed: %v", raw, err)
		}
		if got != want {
			t.Fatalf("dsnPath(%q): expected %q, got %q", raw, want, got)
		}
	}
	parsed, _ := url.Parse("file://")
	if _, err := dsnPath(parsed, "file://"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty path, got %v", err)
	}
}

func TestSplitDSNParam(t *testing.T) {
	base, value := splitDSNParam("postgres://u@h/db?sslmode=disable&namespace=input", "namespace")
	if base != "postgres://u@h/db?sslmode=disable" || value != "input" {
		t.Fatalf("unexpected split %q %q", base, value)
	}
	base, value = splitDSNParam("postgres://u@h/db?namespace=output", "namespace")
	if base != "postgres://u@h/db" || value != "output" {
		t.Fatalf("unexpected split %q %q", base, value)
	}
	base, value = splitDSNParam("postgres://u@h/db", "namespace")
	if base != "postgres://u@h/db" || value != "" {
		t.Fatalf("unexpected split %q %q", base, value)
	}
}
