package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"echo.app/echo-server/internal/core"
	"echo.app/echo-server/internal/metrics"
)

// sseStream writes one chat turn as server-sent events. Headers and the 200
// status are committed by Start, so later failures can only be reported as an
// error event.
type sseStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	metrics *metrics.Metrics
	started bool
}

func newSSEStream(w http.ResponseWriter, m *metrics.Metrics) *sseStream {
	return &sseStream{w: w, rc: http.NewResponseController(w), metrics: m}
}

func (s *sseStream) Start(quota core.QuotaStatus) error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	s.metrics.ActiveStreams.Inc()
	return s.send("start", map[string]any{"type": "start", "chatLimit": quota})
}

func (s *sseStream) Chunk(content string) error {
	return s.send("chunk", map[string]any{"type": "chunk", "content": content})
}

func (s *sseStream) End(res *core.ChatResult) error {
	return s.send("end", map[string]any{
		"type":        "end",
		"fullContent": res.Answer,
		"chatLimit":   res.Quota,
		"sources":     res.Sources,
	})
}

func (s *sseStream) Error(msg string) error {
	return s.send("error", map[string]any{"type": "error", "error": msg})
}

func (s *sseStream) Close() {
	if s.started {
		s.metrics.ActiveStreams.Dec()
	}
}

func (s *sseStream) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return s.rc.Flush()
}
