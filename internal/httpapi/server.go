package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycsv/internal/relaycsv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Bucket is stamped on notifications enqueued through the admin API.
	Bucket         string
	AllowedOrigins []string
}

// StatsProvider reports consumer counters; *relaycsv.Consumer satisfies it.
type StatsProvider interface {
	Stats() relaycsv.ConsumerStats
}

type Server struct {
	cfg      ServerConfig
	queue    relaycsv.Queue
	consumer StatsProvider
	gatherer prometheus.Gatherer
	hub      *EventHub
	limiter  *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type deadLetterLister interface {
	DeadLetters() []relaycsv.Message
}

type enqueueRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type enqueueResponse struct {
	MessageID string `json:"messageId"`
	Key       string `json:"key"`
}

func NewServer(queue relaycsv.Queue, consumer StatsProvider, gatherer prometheus.Gatherer, hub *EventHub) *Server {
	return NewServerWithConfig(queue, consumer, gatherer, hub, ServerConfig{})
}

func NewServerWithConfig(queue relaycsv.Queue, consumer StatsProvider, gatherer prometheus.Gatherer, hub *EventHub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:      cfg,
		queue:    queue,
		consumer: consumer,
		gatherer: gatherer,
		hub:      hub,
		limiter:  limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.handleMetrics(w, r)
		return
	}

	var requiredScopes []string
	var handler http.HandlerFunc
	switch {
	case r.URL.Path == "/v1/admin/queue" && r.Method == http.MethodGet:
		requiredScopes = []string{"admin:read", "admin:write"}
		handler = s.handleAdminQueue
	case r.URL.Path == "/v1/admin/queue" && r.Method == http.MethodPost:
		requiredScopes = []string{"admin:write"}
		handler = s.handleAdminEnqueue
	case r.URL.Path == "/v1/admin/dead-letters" && r.Method == http.MethodGet:
		requiredScopes = []string{"admin:read", "admin:write"}
		handler = s.handleAdminDeadLetters
	case r.URL.Path == "/v1/admin/consumer" && r.Method == http.MethodGet:
		requiredScopes = []string{"admin:read", "admin:write"}
		handler = s.handleAdminConsumer
	case r.URL.Path == "/v1/admin/outcomes" && r.Method == http.MethodGet:
		requiredScopes = []string{"admin:read", "admin:write"}
		handler = s.handleAdminOutcomes
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet:
		requiredScopes = []string{"events:read", "admin:read"}
		handler = s.handleEvents
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC(), requiredScopes...)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if s.limiter != nil && !s.limiter.allow(claims.Subject, time.Now()) {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RateLimitWindow.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		return
	}
	handler(w, r)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer == nil {
		writeError(w, http.StatusNotFound, "not_found", "metrics disabled", getCorrelationID(r))
		return
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	stats, ok := relaycsv.QueueStatsOf(s.queue)
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_implemented", "queue backend does not report stats", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminEnqueue(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	var req enqueueRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	bucket := req.Bucket
	if bucket == "" {
		bucket = s.cfg.Bucket
	}
	key := strings.TrimSpace(req.Key)
	body, err := relaycsv.EncodeNotification(bucket, key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	id, err := s.queue.Send(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "queue_unavailable", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{MessageID: id, Key: key})
}

func (s *Server) handleAdminDeadLetters(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.queue.(deadLetterLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_implemented", "dead letters are held by the external queue", getCorrelationID(r))
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	letters := lister.DeadLetters()
	if len(letters) > limit {
		letters = letters[:limit]
	}
	if letters == nil {
		letters = []relaycsv.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": letters})
}

func (s *Server) handleAdminConsumer(w http.ResponseWriter, r *http.Request) {
	if s.consumer == nil {
		writeError(w, http.StatusNotFound, "not_found", "consumer not running", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.consumer.Stats())
}

func (s *Server) handleAdminOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "outcome history disabled", getCorrelationID(r))
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, defaultRecentOutcomes)
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   s.hub.Recent(limit),
		"dropped": s.hub.Dropped(),
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
