package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/autarch-dev/autarch/pkg/bus"
)

const heartbeatInterval = 15 * time.Second

// handleEvents streams the bus over server-sent events. Each event is
// one `data:` frame carrying the JSON payload with its `type`
// discriminator. A subscriber that fell behind gets an `event: lagged`
// frame first, telling the client to refetch history. Heartbeat
// comments keep idle connections from being reaped by proxies.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.events.Subscribe()
	defer sub.Unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case d, open := <-sub.C:
			if !open {
				return
			}
			if d.Lagged {
				if _, err := fmt.Fprint(w, "event: lagged\ndata: {}\n\n"); err != nil {
					return
				}
			}
			payload, err := bus.Marshal(d.Event)
			if err != nil {
				s.log.Error("failed to marshal event", "type", d.Event.EventType(), "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
