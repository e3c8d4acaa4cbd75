package buildlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dumcel/deployer/pkg/api/client"
)

// ErrSinkWrite indicates a log event could not be delivered after retries.
var ErrSinkWrite = errors.New("buildlog: sink write failed")

// Sink accepts log events for a deployment.
type Sink interface {
	AppendLog(ctx context.Context, deploymentID string, event client.LogEvent) (client.LogEvent, error)
}

// Emitter stamps build output for one deployment and ships it to a Sink.
// Timestamps are strictly increasing at microsecond resolution and every
// event carries a fresh ID, so retried deliveries are idempotent.
type Emitter struct {
	sink         Sink
	deploymentID string
	projectID    string
	ids          *IDSource
	logger       *slog.Logger

	mu   sync.Mutex
	last time.Time
	now  func() time.Time

	attempts uint64
	backoff  time.Duration
}

// NewEmitter returns an emitter bound to a deployment.
func NewEmitter(sink Sink, deploymentID, projectID string, logger *slog.Logger) *Emitter {
	return &Emitter{
		sink:         sink,
		deploymentID: deploymentID,
		projectID:    projectID,
		ids:          NewIDSource(),
		logger:       logger,
		now:          time.Now,
		attempts:     5,
		backoff:      200 * time.Millisecond,
	}
}

// WithRetry overrides the delivery policy. attempts counts the first try.
func (e *Emitter) WithRetry(attempts int, backoff time.Duration) *Emitter {
	if attempts > 0 {
		e.attempts = uint64(attempts)
	}
	if backoff > 0 {
		e.backoff = backoff
	}
	return e
}

// Info emits an informational line.
func (e *Emitter) Info(ctx context.Context, step, msg string) error {
	return e.Emit(ctx, client.LogEvent{Type: "info", Step: step, Log: msg})
}

// Warn emits a warning line.
func (e *Emitter) Warn(ctx context.Context, step, msg string) error {
	return e.Emit(ctx, client.LogEvent{Type: "warn", Step: step, Log: msg})
}

// Fail emits the terminal error line for a failed build.
func (e *Emitter) Fail(ctx context.Context, step, msg string) error {
	return e.Emit(ctx, client.LogEvent{Type: "error", Step: step, Log: msg, Final: true})
}

// Complete emits the terminal success line.
func (e *Emitter) Complete(ctx context.Context, msg string) error {
	return e.Emit(ctx, client.LogEvent{Type: "success", Log: msg, Final: true})
}

// Emit stamps and delivers one event, retrying transient failures.
func (e *Emitter) Emit(ctx context.Context, event client.LogEvent) error {
	if !event.Final {
		event.Log = Unmark(event.Log)
	}
	event.Log = Truncate(event.Log, MaxLineBytes)
	event.Meta = Truncate(event.Meta, MaxLineBytes)
	event = e.stamp(event)

	b := retry.WithMaxRetries(e.attempts-1, retry.NewExponential(e.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := e.sink.AppendLog(ctx, e.deploymentID, event)
		if err == nil {
			return nil
		}
		if retryable(err) {
			e.logger.Warn("log delivery failed; retrying", "deployment_id", e.deploymentID, "event_id", event.EventID, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	return nil
}

func (e *Emitter) stamp(event client.LogEvent) client.LogEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	ts = ts.UTC().Truncate(time.Microsecond)
	if !e.last.IsZero() && !ts.After(e.last) {
		ts = e.last.Add(time.Microsecond)
	}
	e.last = ts
	event.Timestamp = ts
	event.DeploymentID = e.deploymentID
	event.ProjectID = e.projectID
	event.Step = strings.ToLower(strings.TrimSpace(event.Step))
	if event.Type == "" {
		event.Type = "info"
	}
	if event.EventID == "" {
		if id, err := e.ids.New(ts); err == nil {
			event.EventID = id
		}
	}
	return event
}

func retryable(err error) bool {
	var apiErr client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError || apiErr.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
