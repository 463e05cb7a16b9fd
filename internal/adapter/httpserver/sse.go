package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSE event names emitted by the chat endpoint.
const (
	eventMetadata = "metadata"
	eventToken    = "token"
	eventError    = "error"
	eventDone     = "done"
)

type sseWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, fl: fl}, true
}

// start commits the event-stream headers with a 200 status.
func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) event(name string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return fmt.Errorf("write sse payload: %w", err)
	}
	s.fl.Flush()
	return nil
}
