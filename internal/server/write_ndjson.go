package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
)

// ndjsonStream writes whole JSON lines to a response and flushes after
// each one so clients see rows as they are decoded.
type ndjsonStream struct {
	mu    sync.Mutex
	out   io.Writer
	flush func()
}

func newNDJSONStream(w http.ResponseWriter) *ndjsonStream {
	w.Header().Set("Content-Type", "application/x-ndjson")
	s := &ndjsonStream{out: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
	}
	return s
}

// Send encodes v as one line.
func (s *ndjsonStream) Send(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.Write(append(line, '\n'))
	return err
}

// Fail reports err in-band; the status line has already been sent.
func (s *ndjsonStream) Fail(err error) {
	_ = s.Send(map[string]string{"type": "error", "error": err.Error()})
}

// Write lets row encoders that already produce NDJSON share the stream.
func (s *ndjsonStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.out.Write(p)
	if err == nil {
		s.flush()
	}
	return n, err
}
