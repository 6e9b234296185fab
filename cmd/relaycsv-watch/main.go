package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaycsv/internal/inbox"
	"github.com/agentworkforce/relaycsv/internal/relaycsv"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")

	dir := flag.String("dir", strings.TrimSpace(os.Getenv("RELAYCSV_WATCH_DIR")), "directory to watch for documents")
	queueDSN := flag.String("queue", strings.TrimSpace(os.Getenv("RELAYCSV_QUEUE_DSN")), "queue DSN notifications are sent to")
	region := flag.String("region", envOrDefault("RELAYCSV_REGION", strings.TrimSpace(os.Getenv("AWSRegion"))), "AWS region for sqs:// queues")
	bucket := flag.String("bucket", envOrDefault("RELAYCSV_WATCH_BUCKET", "local"), "bucket name stamped on notifications")
	suffix := flag.String("suffix", envOrDefault("RELAYCSV_WATCH_SUFFIX", inbox.DefaultSuffix), "file suffix to announce")
	settle := flag.Duration("settle", durationEnv("RELAYCSV_WATCH_SETTLE", inbox.DefaultSettle), "quiet period before a file is announced")
	poll := flag.Duration("poll", durationEnv("RELAYCSV_WATCH_POLL", 0), "rescan interval instead of filesystem events (0 uses events)")
	pollJitter := flag.Float64("poll-jitter", floatEnv("RELAYCSV_WATCH_POLL_JITTER", 0.2), "rescan interval jitter ratio (0.0-1.0)")
	once := flag.Bool("once", false, "announce existing files and exit")
	flag.Parse()

	if strings.TrimSpace(*dir) == "" {
		log.Fatalf("dir is required (--dir or RELAYCSV_WATCH_DIR)")
	}
	if strings.TrimSpace(*queueDSN) == "" {
		log.Fatalf("queue is required (--queue or RELAYCSV_QUEUE_DSN)")
	}
	*pollJitter = clampJitterRatio(*pollJitter)

	queue, err := relaycsv.BuildQueueFromDSN(*queueDSN, relaycsv.QueueOptions{
		Region:      *region,
		MaxReceives: intEnv("RELAYCSV_MAX_RECEIVES", relaycsv.DefaultMaxReceives),
	})
	if err != nil {
		log.Fatalf("failed to open queue: %v", err)
	}
	defer queue.Close()

	watcher, err := inbox.NewWatcher(queue, inbox.Options{
		Root:   *dir,
		Bucket: *bucket,
		Suffix: *suffix,
		Settle: *settle,
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize watcher: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scan := func() {
		sent, err := watcher.ScanOnce(rootCtx)
		if err != nil {
			log.Printf("scan failed: %v", err)
			return
		}
		log.Printf("scan announced %d files", sent)
	}

	if *once {
		scan()
		return
	}
	if *poll <= 0 {
		if err := watcher.Run(rootCtx); err != nil {
			log.Printf("watcher stopped: %v", err)
		}
		return
	}

	scan()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*poll, *pollJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("watch stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			scan()
			timer.Reset(jitteredIntervalWithSample(*poll, *pollJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
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

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	delay := time.Duration(float64(base) * (1 + (sample*2-1)*jitterRatio))
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
