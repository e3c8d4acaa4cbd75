package buildlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dumcel/deployer/pkg/api/client"
)

type recordingSink struct {
	mu       sync.Mutex
	events   []client.LogEvent
	failures []error
}

func (s *recordingSink) AppendLog(_ context.Context, deploymentID string, event client.LogEvent) (client.LogEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return client.LogEvent{}, err
	}
	event.DeploymentID = deploymentID
	s.events = append(s.events, event)
	return event, nil
}

func newTestEmitter(sink Sink) *Emitter {
	e := NewEmitter(sink, "dep-1", "proj-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.backoff = time.Millisecond
	return e
}

func TestEmitStampsIncreasingTimestamps(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEmitter(sink)
	fixed := time.Date(2025, time.November, 2, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	ctx := context.Background()
	require.NoError(t, e.Info(ctx, "Clone", "cloning"))
	require.NoError(t, e.Info(ctx, "clone", "cloned"))
	require.NoError(t, e.Complete(ctx, "Deployment completed successfully"))

	require.Len(t, sink.events, 3)
	for i := 1; i < len(sink.events); i++ {
		require.True(t, sink.events[i].Timestamp.After(sink.events[i-1].Timestamp))
		require.NotEqual(t, sink.events[i].EventID, sink.events[i-1].EventID)
	}
	require.Equal(t, fixed.Add(2*time.Microsecond), sink.events[2].Timestamp)
	require.Equal(t, "clone", sink.events[0].Step)
	require.Equal(t, "proj-1", sink.events[0].ProjectID)
	require.True(t, sink.events[2].Final)
	require.True(t, sink.events[2].MarksCompletion())
}

func TestEmitRetriesServerErrorsWithSameEventID(t *testing.T) {
	sink := &recordingSink{failures: []error{
		client.APIError{Status: http.StatusBadGateway},
		errors.New("connection reset"),
	}}
	e := newTestEmitter(sink)
	require.NoError(t, e.Fail(context.Background(), "build", "npm run build exited with code 1"))
	require.Len(t, sink.events, 1)
	require.Equal(t, "error", sink.events[0].Type)
	require.True(t, sink.events[0].Final)
}

func TestEmitDoesNotRetryClientErrors(t *testing.T) {
	sink := &recordingSink{failures: []error{
		client.APIError{Status: http.StatusNotFound},
	}}
	e := newTestEmitter(sink)
	err := e.Info(context.Background(), "install", "installing")
	require.ErrorIs(t, err, ErrSinkWrite)
	require.Empty(t, sink.events)
}

func TestEmitGivesUpAfterAttempts(t *testing.T) {
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = client.APIError{Status: http.StatusServiceUnavailable}
	}
	sink := &recordingSink{failures: failures}
	e := newTestEmitter(sink)
	e.attempts = 3
	err := e.Info(context.Background(), "build", "building")
	require.ErrorIs(t, err, ErrSinkWrite)
	require.Len(t, sink.failures, 7)
}

func TestWithRetryIgnoresNonPositiveValues(t *testing.T) {
	e := newTestEmitter(&recordingSink{})
	e.WithRetry(0, 0)
	require.EqualValues(t, 5, e.attempts)
	require.Equal(t, time.Millisecond, e.backoff)

	e.WithRetry(2, 50*time.Millisecond)
	require.EqualValues(t, 2, e.attempts)
	require.Equal(t, 50*time.Millisecond, e.backoff)
}
