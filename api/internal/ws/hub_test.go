package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("boom")
	}
	r.payloads = append(r.payloads, string(p))
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) snapshot() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...), r.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubDeliversOnlyToDeploymentSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Register("d1", a)
	hub.Register("d2", b)

	hub.Broadcast("d1", []byte("one"))
	hub.Broadcast("d1", []byte("two"))

	waitFor(t, func() bool {
		got, _ := a.snapshot()
		return len(got) == 2
	})
	got, _ := a.snapshot()
	if got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected order: %v", got)
	}
	if other, _ := b.snapshot(); len(other) != 0 {
		t.Fatalf("d2 subscriber should not receive d1 payloads: %v", other)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	bad := &recordingSubscriber{fail: true}
	hub.Register("d1", bad)
	if n := hub.Subscribers("d1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	hub.Broadcast("d1", []byte("x"))
	waitFor(t, func() bool { return hub.Subscribers("d1") == 0 })
	if _, closed := bad.snapshot(); !closed {
		t.Fatal("failing subscriber should be closed")
	}
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("d1", sub)
	hub.Close()
	waitFor(t, func() bool {
		_, closed := sub.snapshot()
		return closed
	})
	hub.Broadcast("d1", []byte("ignored"))
	hub.Close()
}

func TestEventStreamFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, err := OpenEventStream(rec, "log", 15*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type %q", got)
	}
	if err := stream.Send([]byte("{\"a\":1}\nsecond")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "retry: 15000\n\nevent: log\ndata: {\"a\":1}\ndata: second\n\n: ping\n\n"
	if body := rec.Body.String(); body != want {
		t.Fatalf("unexpected frames: %q", body)
	}
	stream.Close()
	if err := stream.Send([]byte("x")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

type stalledSubscriber struct {
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (s *stalledSubscriber) Send([]byte) error {
	<-s.release
	return nil
}

func (s *stalledSubscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

func TestHubEvictsStalledSubscriberWithoutBlocking(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	stalled := &stalledSubscriber{release: make(chan struct{}), closed: make(chan struct{})}
	hub.Register("d1", stalled)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*outboxSize; i++ {
			hub.Broadcast("d1", []byte("line"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked behind a stalled subscriber")
	}

	waitFor(t, func() bool { return hub.Subscribers("d1") == 0 })
	close(stalled.release)
	select {
	case <-stalled.closed:
	case <-time.After(time.Second):
		t.Fatal("evicted subscriber was not closed")
	}
}
