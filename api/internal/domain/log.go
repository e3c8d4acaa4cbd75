package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/dumcel/deployer/pkg/buildlog"
)

// LogType classifies a build log event.
type LogType string

// Log event types understood by readers.
const (
	LogInfo    LogType = "info"
	LogWarn    LogType = "warn"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
)

// Pipeline step labels.
const (
	StepClone   = buildlog.StepClone
	StepInstall = buildlog.StepInstall
	StepBuild   = buildlog.StepBuild
	StepPublish = buildlog.StepPublish
)

// CompletionMarker is the legacy free-text signal older readers look for.
const CompletionMarker = "successfully"

// ErrUnknownLogType is returned for unrecognised log types.
var ErrUnknownLogType = errors.New("domain: unknown log type")

// ParseLogType parses a wire log type; empty input defaults to info.
func ParseLogType(raw string) (LogType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return LogInfo, nil
	}
	switch LogType(normalized) {
	case LogInfo, LogWarn, LogError, LogSuccess:
		return LogType(normalized), nil
	case "warning":
		return LogWarn, nil
	}
	return "", ErrUnknownLogType
}

// LogEvent is one append-only build log line.
type LogEvent struct {
	EventID      string
	DeploymentID string
	ProjectID    string
	Timestamp    time.Time
	Log          string
	Type         LogType
	Step         string
	Meta         string
	Final        bool
}

// MarksCompletion reports whether a reader may stop polling after this event.
// The Final flag is authoritative. Without it only an unscoped success event
// carrying the marker counts, so tool output such as "Successfully built"
// inside a step never ends a stream.
func (e LogEvent) MarksCompletion() bool {
	if e.Final {
		return true
	}
	if e.Type != LogSuccess || e.Step != "" {
		return false
	}
	return strings.Contains(strings.ToLower(e.Log), CompletionMarker)
}

// Before orders events by (timestamp, event id).
func (e LogEvent) Before(other LogEvent) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.EventID < other.EventID
	}
	return e.Timestamp.Before(other.Timestamp)
}
