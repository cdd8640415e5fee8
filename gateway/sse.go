package gateway

import (
	"net/http"
	"strconv"
	"time"

	"goa.design/mcp-inspector/events"
)

// events streams the live event bus as Server-Sent Events. The stream opens
// with a retry directive and a data-only Connected greeting, replays any
// events newer than the client's Last-Event-ID that are still in the ring,
// then goes live. Keep-alive comments flow on the heartbeat interval so
// intermediaries do not idle the connection out.
func (s *Service) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Unsupported", "response writer does not support streaming")
		return
	}

	var lastID uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := events.WriteRetry(w); err != nil {
		return
	}
	greeting := events.Event{
		Type:      events.TypeConnected,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := events.WriteData(w, greeting); err != nil {
		return
	}
	flusher.Flush()

	// The replay snapshot and subscription are atomic: nothing published
	// between them can be missed or duplicated.
	replay, sub := s.bus.Subscribe(lastID)
	defer sub.Close()
	for _, ev := range replay {
		if err := events.WriteEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := events.WriteComment(w, ""); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped as a slow consumer; the client reconnects
				// with Last-Event-ID and replays what it missed.
				return
			}
			if err := events.WriteEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
