package logs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
	"github.com/dumcel/deployer/api/internal/ws"
	"github.com/dumcel/deployer/pkg/buildlog"
)

const (
	maxMetaLength = 4096
	maxLogLength  = 64 * 1024
)

var (
	// ErrInvalidEvent indicates a log event failed validation.
	ErrInvalidEvent = errors.New("logs: invalid event")
	// ErrInvalidCursor indicates the lastTimestamp cursor could not be parsed.
	ErrInvalidCursor = errors.New("logs: invalid cursor")
)

// Options tune query paging.
type Options struct {
	DefaultLimit int
	MaxLimit     int
}

// Service is the append-only log sink. It persists events and fans them out
// to live subscribers.
type Service struct {
	repo         repository.LogRepository
	hub          *ws.Hub
	ids          *buildlog.IDSource
	logger       *slog.Logger
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger, opts Options) Service {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 200
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = opts.DefaultLimit
	}
	return Service{
		repo:         repo,
		hub:          hub,
		ids:          buildlog.NewIDSource(),
		logger:       logger,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
		now:          time.Now,
	}
}

// Append validates, stores and broadcasts a log event. Missing event IDs and
// timestamps are filled in. The stored event is returned.
func (s Service) Append(ctx context.Context, event domain.LogEvent) (domain.LogEvent, error) {
	event.DeploymentID = strings.TrimSpace(event.DeploymentID)
	if event.DeploymentID == "" {
		return domain.LogEvent{}, fmt.Errorf("%w: deployment id required", ErrInvalidEvent)
	}
	logType, err := domain.ParseLogType(string(event.Type))
	if err != nil {
		return domain.LogEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	event.Type = logType
	event.Step = strings.ToLower(strings.TrimSpace(event.Step))
	if !event.Final {
		event.Log = buildlog.Unmark(event.Log)
	}
	event.Log = buildlog.Truncate(event.Log, maxLogLength)
	event.Meta = buildlog.Truncate(event.Meta, maxMetaLength)
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if strings.TrimSpace(event.EventID) == "" {
		id, err := s.ids.New(event.Timestamp)
		if err != nil {
			return domain.LogEvent{}, fmt.Errorf("mint event id: %w", err)
		}
		event.EventID = id
	}

	stored, err := s.repo.AppendLog(ctx, event)
	if err != nil {
		return domain.LogEvent{}, err
	}
	s.broadcast(stored)
	return stored, nil
}

// Query returns events after the cursor in stream order. An empty result is a
// non-nil empty slice.
func (s Service) Query(ctx context.Context, deploymentID string, after time.Time, limit int) ([]domain.LogEvent, error) {
	events, err := s.repo.QueryLogs(ctx, deploymentID, after.UTC(), s.Limit(limit))
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.LogEvent{}
	}
	return events, nil
}

// Limit clamps a requested page size into the configured range.
func (s Service) Limit(requested int) int {
	if requested <= 0 {
		return s.defaultLimit
	}
	if requested > s.maxLimit {
		return s.maxLimit
	}
	return requested
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcast(event domain.LogEvent) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEvent(event)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(event.DeploymentID, data)
}

// Payload is the wire form of a LogEvent.
type Payload struct {
	EventID      string `json:"event_id"`
	ProjectID    string `json:"project_id"`
	DeploymentID string `json:"deployment_id"`
	Timestamp    string `json:"timestamp"`
	Log          string `json:"log"`
	Type         string `json:"type"`
	Step         string `json:"step,omitempty"`
	Meta         string `json:"meta,omitempty"`
	Final        bool   `json:"final,omitempty"`
}

// PayloadFrom converts an event to its wire form.
func PayloadFrom(event domain.LogEvent) Payload {
	return Payload{
		EventID:      event.EventID,
		ProjectID:    event.ProjectID,
		DeploymentID: event.DeploymentID,
		Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
		Log:          event.Log,
		Type:         string(event.Type),
		Step:         event.Step,
		Meta:         event.Meta,
		Final:        event.Final,
	}
}

// Payloads converts a page of events.
func Payloads(events []domain.LogEvent) []Payload {
	out := make([]Payload, 0, len(events))
	for _, event := range events {
		out = append(out, PayloadFrom(event))
	}
	return out
}

// MarshalEvent formats a log event for streaming payloads.
func MarshalEvent(event domain.LogEvent) ([]byte, error) {
	return json.Marshal(PayloadFrom(event))
}

var cursorLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
}

// microDigits is the length from which a bare integer cursor is read as
// Unix microseconds rather than milliseconds. Millisecond values stay at 13
// digits until the year 2286.
const microDigits = 16

// ParseCursor parses a lastTimestamp value. Empty input means "from the
// start". Stored timestamps carry microseconds, so clients should echo the
// RFC3339Nano timestamp of the last event they saw. Bare digits are accepted
// as Unix microseconds when at least 16 digits long and as Unix milliseconds
// otherwise; a millisecond cursor may replay events from its last millisecond.
// Zone-less layouts are interpreted as UTC.
func ParseCursor(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if len(strings.TrimPrefix(raw, "-")) >= microDigits {
			return time.UnixMicro(n).UTC(), nil
		}
		return time.UnixMilli(n).UTC(), nil
	}
	for _, layout := range cursorLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
}
