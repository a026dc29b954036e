package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseDone = "[DONE]"

// sseSink writes chat turn events as server-sent events. Headers are sent
// with the first event so a turn rejected up front can still answer with a
// plain JSON error.
type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	// Generation can outlive the server's write timeout.
	_ = s.rc.SetWriteDeadline(time.Time{})
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseSink) Delta(text string) error {
	return s.event(map[string]string{"delta": text})
}

func (s *sseSink) Error(code, message string) error {
	return s.event(errorBody{Error: message, Code: code})
}

func (s *sseSink) Done() error {
	s.start()
	return s.write([]byte(sseDone))
}

func (s *sseSink) event(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.start()
	return s.write(data)
}

func (s *sseSink) write(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}
