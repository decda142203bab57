package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"jobmate/scoring-service/internal/scoring"
)

// sseWriter writes server-sent events and implements scoring.Emitter.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) open() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.f.Flush()
}

func (s *sseWriter) send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) Score(ev scoring.ScoreEvent) error { return s.send("score", ev) }

func (s *sseWriter) Done(total int) error {
	return s.send("done", map[string]int{"total": total})
}

func (s *sseWriter) Fail(message string) error {
	return s.send("error", map[string]string{"message": message})
}
