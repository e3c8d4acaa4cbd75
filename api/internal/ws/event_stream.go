package ws

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("response writer cannot stream")

// EventStream writes Server-Sent Events frames to one HTTP response.
// It satisfies Subscriber so the hub can fan log events into it.
type EventStream struct {
	mu     sync.Mutex
	w      io.Writer
	flush  http.Flusher
	rc     *http.ResponseController
	name   string
	log    *slog.Logger
	broken bool
}

// OpenEventStream sends the event-stream headers and the client retry hint,
// then returns a stream whose frames are labelled name.
func OpenEventStream(w http.ResponseWriter, name string, retry time.Duration, logger *slog.Logger) (*EventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &EventStream{w: w, flush: flusher, rc: http.NewResponseController(w), name: name, log: logger}
	if retry > 0 {
		if err := s.write([]byte("retry: " + strconv.FormatInt(retry.Milliseconds(), 10) + "\n\n")); err != nil {
			return nil, err
		}
	} else {
		flusher.Flush()
	}
	return s, nil
}

// Send writes payload as one event. Embedded newlines become separate
// data lines so the frame stays well formed.
func (s *EventStream) Send(payload []byte) error {
	var frame bytes.Buffer
	if s.name != "" {
		frame.WriteString("event: ")
		frame.WriteString(s.name)
		frame.WriteByte('\n')
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(line)
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	return s.write(frame.Bytes())
}

// Heartbeat writes a comment line so idle proxies keep the connection.
func (s *EventStream) Heartbeat() error {
	return s.write([]byte(": ping\n\n"))
}

func (s *EventStream) Close() {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
}

func (s *EventStream) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return io.EOF
	}
	// A reader that stops consuming must not hold the writer forever.
	if err := s.rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.broken = true
		return err
	}
	if _, err := s.w.Write(p); err != nil {
		s.broken = true
		if s.log != nil {
			s.log.Debug("event stream write failed", "error", err)
		}
		return err
	}
	s.flush.Flush()
	return nil
}
