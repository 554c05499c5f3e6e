package httpapi

import (
	"fmt"
	"net/http"
)

// handleStream serves the /stream SSE endpoint. Writes are best-effort: the
// hub never blocks on a slow subscriber, and a write error here simply ends
// this connection's loop.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.h.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			frame, err := evt.Encode()
			if err != nil {
				continue
			}
			if _, err := fmt.Fprint(w, string(frame)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
