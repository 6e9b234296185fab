package main

import (
	"strings"
	"testing"
	"time"
)

var configEnvNames = []string{
	"RELAYCSV_INPUT_DSN", "RELAYCSV_OUTPUT_DSN", "RELAYCSV_QUEUE_DSN",
	"s3InputBucket", "s3OutputBucket", "SQSBatchQueue",
	"RELAYCSV_REGION", "AWSRegion",
	"RELAYCSV_OUTPUT_PREFIX", "RELAYCSV_SCRATCH_DIR",
	"RELAYCSV_MAX_MESSAGES", "RELAYCSV_VISIBILITY_TIMEOUT", "RELAYCSV_WAIT_TIME", "RELAYCSV_MAX_RECEIVES",
	"RELAYCSV_HTTP_ADDR", "RELAYCSV_BACKEND_PROFILE", "RELAYCSV_DATA_DIR",
	"RELAYCSV_PRODUCTION_DSN", "RELAYCSV_POSTGRES_DSN",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, name := range configEnvNames {
		t.Setenv(name, "")
	}
}

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYCSV_TEST_INT", "42")
	got := intEnv("RELAYCSV_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYCSV_TEST_INT_BAD", "not-a-number")
	got := intEnv("RELAYCSV_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYCSV_TEST_DURATION", "150ms")
	got := durationEnv("RELAYCSV_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYCSV_TEST_DURATION_BAD", "soon")
	got := durationEnv("RELAYCSV_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestListEnvSplitsAndTrims(t *testing.T) {
	t.Setenv("RELAYCSV_TEST_ORIGINS", " app.example.com, ,*.internal.example.com ")
	got := listEnv("RELAYCSV_TEST_ORIGINS")
	if len(got) != 2 || got[0] != "app.example.com" || got[1] != "*.internal.example.com" {
		t.Fatalf("expected two trimmed origins, got %q", got)
	}
	t.Setenv("RELAYCSV_TEST_ORIGINS", "")
	if got := listEnv("RELAYCSV_TEST_ORIGINS"); got != nil {
		t.Fatalf("expected nil for unset list, got %q", got)
	}
}

func TestConfigFromEnvUsesLegacyNames(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("s3InputBucket", "raw-bundles")
	t.Setenv("s3OutputBucket", "tables")
	t.Setenv("SQSBatchQueue", "bundle-events")
	t.Setenv("AWSRegion", "eu-west-1")

	cfg, err := configFromEnv()
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if cfg.InputDSN != "s3://raw-bundles" || cfg.OutputDSN != "s3://tables" || cfg.QueueDSN != "sqs://bundle-events" {
		t.Fatalf("unexpected DSNs %+v", cfg)
	}
	if cfg.Region != "eu-west-1" {
		t.Fatalf("expected legacy region, got %q", cfg.Region)
	}
	if cfg.MaxMessages != 10 || cfg.VisibilityTimeout != 120*time.Second || cfg.WaitTime != 20*time.Second || cfg.MaxReceives != 5 {
		t.Fatalf("unexpected receive defaults %+v", cfg)
	}
	if cfg.OutputPrefix != "csv/" || cfg.ScratchDir != "/csv" {
		t.Fatalf("unexpected output defaults %+v", cfg)
	}
}

func TestConfigFromEnvPrefersExplicitDSN(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("RELAYCSV_BACKEND_PROFILE", "memory")
	t.Setenv("s3InputBucket", "raw-bundles")
	t.Setenv("RELAYCSV_INPUT_DSN", "file:///data/in")
	t.Setenv("RELAYCSV_WAIT_TIME", "0s")

	cfg, err := configFromEnv()
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if cfg.InputDSN != "file:///data/in" {
		t.Fatalf("expected explicit input DSN, got %q", cfg.InputDSN)
	}
	if cfg.OutputDSN != "memory://" || cfg.QueueDSN != "memory://" {
		t.Fatalf("expected profile defaults for the rest, got %+v", cfg)
	}
	if cfg.WaitTime != 0 {
		t.Fatalf("expected short polling, got %s", cfg.WaitTime)
	}
}

func TestConfigFromEnvRejectsMissingBackends(t *testing.T) {
	clearConfigEnv(t)
	if _, err := configFromEnv(); err == nil {
		t.Fatalf("expected error without any backend configured")
	}
}

func TestConfigFromEnvRejectsOversizedBatch(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("RELAYCSV_BACKEND_PROFILE", "memory")
	t.Setenv("RELAYCSV_MAX_MESSAGES", "11")
	if _, err := configFromEnv(); err == nil || !strings.Contains(err.Error(), "max messages") {
		t.Fatalf("expected batch size error, got %v", err)
	}
}

func TestBackendProfileDefaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("RELAYCSV_BACKEND_PROFILE", "durable-local")
	t.Setenv("RELAYCSV_DATA_DIR", "/var/lib/relaycsv")
	input, output, queue, err := backendProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("durable-local profile failed: %v", err)
	}
	if input != "file:///var/lib/relaycsv/inbox" || output != "file:///var/lib/relaycsv/output" || queue != "sqlite:///var/lib/relaycsv/queue.db" {
		t.Fatalf("unexpected durable-local DSNs %q %q %q", input, output, queue)
	}

	t.Setenv("RELAYCSV_BACKEND_PROFILE", "production")
	if _, _, _, err := backendProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected production profile to require a DSN")
	}
	t.Setenv("RELAYCSV_POSTGRES_DSN", "postgres://db/relaycsv?sslmode=disable")
	input, output, queue, err = backendProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("production profile failed: %v", err)
	}
	if input != "postgres://db/relaycsv?sslmode=disable&namespace=input" ||
		output != "postgres://db/relaycsv?sslmode=disable&namespace=output" ||
		queue != "postgres://db/relaycsv?sslmode=disable&namespace=queue" {
		t.Fatalf("unexpected production DSNs %q %q %q", input, output, queue)
	}

	t.Setenv("RELAYCSV_BACKEND_PROFILE", "cloud")
	if _, _, _, err := backendProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}
