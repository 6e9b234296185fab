package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaycsv/internal/httpapi"
	"github.com/agentworkforce/relaycsv/internal/relaycsv"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := configFromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	registry := prometheus.NewRegistry()
	hub := httpapi.NewEventHub(intEnv("RELAYCSV_RECENT_OUTCOMES", 0))
	worker, err := relaycsv.NewWorker(cfg, relaycsv.WorkerOptions{
		Logger:  log.Default(),
		Metrics: relaycsv.NewMetrics(registry),
		Sink:    hub,
	})
	if err != nil {
		log.Fatalf("failed to initialize worker: %v", err)
	}
	defer func() {
		if err := worker.Close(); err != nil {
			log.Printf("closing backends: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HTTPAddr != "" {
		server := &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: httpapi.NewServerWithConfig(worker.Queue, worker.Consumer, registry, hub, httpapi.ServerConfig{
				JWTSecret:       os.Getenv("RELAYCSV_JWT_SECRET"),
				RateLimitMax:    intEnv("RELAYCSV_RATE_LIMIT_MAX", 0),
				RateLimitWindow: durationEnv("RELAYCSV_RATE_LIMIT_WINDOW", time.Minute),
				MaxBodyBytes:    int64Env("RELAYCSV_MAX_BODY_BYTES", 0),
				Bucket:          strings.TrimSpace(os.Getenv("s3InputBucket")),
				AllowedOrigins:  listEnv("RELAYCSV_ALLOWED_ORIGINS"),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("relaycsv admin listening on %s", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("admin server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	log.Printf("relaycsv consuming %s (batch=%d visibility=%s wait=%s)", cfg.QueueDSN, cfg.MaxMessages, cfg.VisibilityTimeout, cfg.WaitTime)
	if err := worker.Consumer.Run(ctx); err != nil {
		log.Printf("consumer stopped: %v", err)
		return
	}
	log.Printf("relaycsv stopped")
}

func configFromEnv() (relaycsv.Config, error) {
	inputDSN, outputDSN, queueDSN, err := backendProfileDefaultsFromEnv()
	if err != nil {
		return relaycsv.Config{}, err
	}
	cfg := relaycsv.Config{
		InputDSN:          firstNonEmpty(env("RELAYCSV_INPUT_DSN"), prefixed("s3://", env("s3InputBucket")), inputDSN),
		OutputDSN:         firstNonEmpty(env("RELAYCSV_OUTPUT_DSN"), prefixed("s3://", env("s3OutputBucket")), outputDSN),
		QueueDSN:          firstNonEmpty(env("RELAYCSV_QUEUE_DSN"), prefixed("sqs://", env("SQSBatchQueue")), queueDSN),
		Region:            firstNonEmpty(env("RELAYCSV_REGION"), env("AWSRegion")),
		OutputPrefix:      env("RELAYCSV_OUTPUT_PREFIX"),
		ScratchDir:        env("RELAYCSV_SCRATCH_DIR"),
		MaxMessages:       intEnv("RELAYCSV_MAX_MESSAGES", relaycsv.DefaultMaxMessages),
		VisibilityTimeout: durationEnv("RELAYCSV_VISIBILITY_TIMEOUT", relaycsv.DefaultVisibilityTimeout),
		WaitTime:          durationEnv("RELAYCSV_WAIT_TIME", relaycsv.DefaultWaitTime),
		MaxReceives:       intEnv("RELAYCSV_MAX_RECEIVES", relaycsv.DefaultMaxReceives),
		HTTPAddr:          env("RELAYCSV_HTTP_ADDR"),
	}.WithDefaults()
	return cfg, cfg.Validate()
}

// backendProfileDefaultsFromEnv fills in DSNs for the named profile. Explicit
// DSN variables still take precedence.
func backendProfileDefaultsFromEnv() (inputDSN, outputDSN, queueDSN string, err error) {
	profile := strings.ToLower(env("RELAYCSV_BACKEND_PROFILE"))
	dataDir := env("RELAYCSV_DATA_DIR")
	if dataDir == "" {
		dataDir = ".relaycsv"
	}
	switch profile {
	case "", "custom":
		return "", "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "inbox"),
			"file://" + filepath.Join(dataDir, "output"),
			"sqlite://" + filepath.Join(dataDir, "queue.db"),
			nil
	case "production", "prod":
		productionDSN := firstNonEmpty(env("RELAYCSV_PRODUCTION_DSN"), env("RELAYCSV_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", "", fmt.Errorf("RELAYCSV_PRODUCTION_DSN or RELAYCSV_POSTGRES_DSN is required when RELAYCSV_BACKEND_PROFILE=%s", profile)
		}
		return withNamespace(productionDSN, "input"),
			withNamespace(productionDSN, "output"),
			withNamespace(productionDSN, "queue"),
			nil
	default:
		return "", "", "", fmt.Errorf("unsupported RELAYCSV_BACKEND_PROFILE: %s", profile)
	}
}

func withNamespace(dsn, namespace string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "namespace=" + url.QueryEscape(namespace)
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

// listEnv splits a comma-separated variable, dropping blank entries.
func listEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func prefixed(prefix, value string) string {
	if value == "" {
		return ""
	}
	return prefix + value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
