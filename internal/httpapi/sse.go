package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/svchub/svchub/internal/eventbus"
)

// keepAliveInterval is how often an SSE comment is written to hold idle
// connections open through proxies.
const keepAliveInterval = 30 * time.Second

// handleEvents streams registry events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no") // disable buffering for nginx
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe("")
	defer s.bus.Unsubscribe(sub)

	s.log.Info("sse client connected", "remote", r.RemoteAddr, "subscribers", s.bus.Count())
	defer s.log.Info("sse client disconnected", "remote", r.RemoteAddr)

	connected := eventbus.Event{
		Type: eventbus.TypeConnection,
		Data: map[string]any{"type": "connected", "message": "SSE connection established"},
	}
	if err := writeEvent(w, connected); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sub.C:
			if err := writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent renders one SSE frame: an event line, a data line with the
// JSON payload, and a terminating blank line.
func writeEvent(w http.ResponseWriter, evt eventbus.Event) error {
	payload, err := json.Marshal(evt.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
	return err
}
