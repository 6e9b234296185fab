package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/relaycsv/internal/relaycsv"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultRecentOutcomes = 100
	subscriberBuffer      = 32
	eventWriteTimeout     = 5 * time.Second
)

// EventHub fans consumer outcomes out to websocket subscribers and keeps the
// most recent ones for the admin API. Slow subscribers miss events rather
// than block the consumer.
type EventHub struct {
	mu          sync.Mutex
	recent      []relaycsv.Outcome
	capacity    int
	subscribers map[chan relaycsv.Outcome]struct{}
	dropped     int64
}

func NewEventHub(capacity int) *EventHub {
	if capacity <= 0 {
		capacity = defaultRecentOutcomes
	}
	return &EventHub{
		capacity:    capacity,
		subscribers: map[chan relaycsv.Outcome]struct{}{},
	}
}

func (h *EventHub) Publish(outcome relaycsv.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, outcome)
	if len(h.recent) > h.capacity {
		h.recent = append([]relaycsv.Outcome(nil), h.recent[len(h.recent)-h.capacity:]...)
	}
	for ch := range h.subscribers {
		select {
		case ch <- outcome:
		default:
			h.dropped++
		}
	}
}

// Recent returns up to limit outcomes, newest first.
func (h *EventHub) Recent(limit int) []relaycsv.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.recent) {
		limit = len(h.recent)
	}
	out := make([]relaycsv.Outcome, 0, limit)
	for i := len(h.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.recent[i])
	}
	return out
}

func (h *EventHub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *EventHub) subscribe() (chan relaycsv.Outcome, func()) {
	ch := make(chan relaycsv.Outcome, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
}

func (h *EventHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream disabled", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case outcome := <-events:
			if err := writeEvent(ctx, conn, outcome); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, outcome relaycsv.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, outcome)
}
