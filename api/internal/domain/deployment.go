package domain

import (
	"errors"
	"strings"
	"time"
)

// DeploymentState is the lifecycle position of a deployment.
type DeploymentState string

// Deployment lifecycle states. queued is initial; ready and failed are terminal.
const (
	StateQueued     DeploymentState = "queued"
	StateInProgress DeploymentState = "in progress"
	StateReady      DeploymentState = "ready"
	StateFailed     DeploymentState = "failed"
)

// ErrInvalidStateTransition is returned when a transition is not permitted from the current state.
var ErrInvalidStateTransition = errors.New("domain: invalid state transition")

// ErrUnknownState is returned when parsing an unrecognised state name.
var ErrUnknownState = errors.New("domain: unknown deployment state")

// ParseState accepts the wire form of a state. Underscore and hyphen
// spellings of "in progress" are tolerated.
func ParseState(raw string) (DeploymentState, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("_", " ", "-", " ").Replace(normalized)
	switch DeploymentState(normalized) {
	case StateQueued, StateInProgress, StateReady, StateFailed:
		return DeploymentState(normalized), nil
	}
	return "", ErrUnknownState
}

// Terminal reports whether no further transitions are allowed.
func (s DeploymentState) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// Active reports whether the deployment still occupies its project's build slot.
func (s DeploymentState) Active() bool {
	return s == StateQueued || s == StateInProgress
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to DeploymentState) bool {
	switch from {
	case StateQueued:
		return to == StateInProgress
	case StateInProgress:
		return to == StateReady || to == StateFailed
	default:
		return false
	}
}

// Deployment captures a single build-and-publish attempt.
type Deployment struct {
	ID          string
	ProjectID   string
	SubDomain   string
	State       DeploymentState
	ArtifactRef string
	Message     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Finished reports whether readers can stop polling the state.
func (d Deployment) Finished() bool {
	return d.State.Terminal()
}

// StateChange describes a requested transition.
type StateChange struct {
	DeploymentID string
	From         DeploymentState
	To           DeploymentState
	ArtifactRef  string
	Message      string
	At           time.Time
}
