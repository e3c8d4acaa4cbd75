package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound matches 404 responses.
	ErrNotFound = errors.New("api: not found")
	// ErrConflict matches 409 responses other than rejected transitions.
	ErrConflict = errors.New("api: conflict")
	// ErrUnauthorized matches 401 and 403 responses.
	ErrUnauthorized = errors.New("api: unauthorized")
	// ErrInvalidTransition matches a rejected deployment state change.
	ErrInvalidTransition = errors.New("api: invalid state transition")
	// ErrPublishFailed matches a ready transition whose route could not be bound.
	ErrPublishFailed = errors.New("api: route publish failed")
)

// Client provides typed access to the deployer API for the CLI and builders.
type Client struct {
	baseURL      string
	builderToken string
	httpClient   *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithBuilderToken sets the shared secret sent on builder endpoints.
func WithBuilderToken(token string) Option {
	return func(c *Client) {
		c.builderToken = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	// Path is the request path, used to tell transition conflicts apart.
	Path string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Is lets callers match APIError against the package sentinels.
func (e APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrInvalidTransition:
		return e.Status == http.StatusConflict && strings.HasSuffix(e.Path, "/state")
	case ErrConflict:
		return e.Status == http.StatusConflict && !strings.HasSuffix(e.Path, "/state")
	case ErrPublishFailed:
		return e.Status == http.StatusBadGateway && strings.HasSuffix(e.Path, "/state")
	}
	return false
}

type auth struct {
	bearer  string
	builder bool
}

func (c *Client) do(ctx context.Context, method, path string, body any, creds auth, v any) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(creds.bearer); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if creds.builder && c.builderToken != "" {
		req.Header.Set("X-Builder-Token", c.builderToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return resp.StatusCode, APIError{Status: resp.StatusCode, Message: msg, Path: req.URL.Path}
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Project describes a deployable repository.
type Project struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	GitURL             string    `json:"gitUrl"`
	SubDomain          string    `json:"subDomain"`
	Favicon            string    `json:"favicon,omitempty"`
	InstallCommand     string    `json:"installCommand,omitempty"`
	BuildCommand       string    `json:"buildCommand,omitempty"`
	OutputPort         int       `json:"outputPort,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	LatestDeploymentID string    `json:"latestDeploymentId,omitempty"`
	State              string    `json:"state,omitempty"`
	LiveURL            string    `json:"liveUrl,omitempty"`
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	Name           string `json:"name"`
	GitURL         string `json:"gitUrl"`
	SubDomain      string `json:"subDomain,omitempty"`
	Favicon        string `json:"favicon,omitempty"`
	InstallCommand string `json:"installCommand,omitempty"`
	BuildCommand   string `json:"buildCommand,omitempty"`
	OutputPort     int    `json:"outputPort,omitempty"`
}

// Deployment is one build attempt of a project.
type Deployment struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	SubDomain   string    `json:"subDomain"`
	State       string    `json:"state"`
	ArtifactRef string    `json:"artifactRef,omitempty"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Finished    bool      `json:"finished"`
	URL         string    `json:"url,omitempty"`
}

// LogEvent is one build log line.
type LogEvent struct {
	EventID      string    `json:"event_id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Log          string    `json:"log"`
	Type         string    `json:"type"`
	Step         string    `json:"step,omitempty"`
	Meta         string    `json:"meta,omitempty"`
	Final        bool      `json:"final,omitempty"`
}

// MarksCompletion reports whether the event ends the stream for followers.
// Final wins; the marker only counts on an unscoped success event.
func (e LogEvent) MarksCompletion() bool {
	if e.Final {
		return true
	}
	if e.Type != "success" || e.Step != "" {
		return false
	}
	return strings.Contains(strings.ToLower(e.Log), "successfully")
}

// Claim is a deployment handed to a builder together with its project.
type Claim struct {
	Deployment Deployment `json:"deployment"`
	Project    Project    `json:"project"`
}

// CreateProject provisions a new project.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	var project Project
	if _, err := c.do(ctx, http.MethodPost, "/projects", input, auth{bearer: token}, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var resp struct {
		Projects []Project `json:"projects"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/projects", nil, auth{bearer: token}, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// GetProject fetches a project with its latest deployment state.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	var project Project
	if _, err := c.do(ctx, http.MethodGet, path, nil, auth{bearer: token}, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// Deploy enqueues a deployment. A project with a build already queued or
// running yields an error matching ErrConflict.
func (c *Client) Deploy(ctx context.Context, token, projectID string) (Deployment, error) {
	path := fmt.Sprintf("/deploy/%s", url.PathEscape(projectID))
	var resp struct {
		DeploymentID string     `json:"deploymentId"`
		Deployment   Deployment `json:"deployment"`
	}
	if _, err := c.do(ctx, http.MethodPost, path, nil, auth{bearer: token}, &resp); err != nil {
		return Deployment{}, err
	}
	if resp.Deployment.ID == "" {
		resp.Deployment.ID = resp.DeploymentID
	}
	return resp.Deployment, nil
}

// GetDeployment returns the current state of a deployment.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(deploymentID))
	var deployment Deployment
	if _, err := c.do(ctx, http.MethodGet, path, nil, auth{bearer: token}, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// ListDeployments fetches recent deployments for a project.
func (c *Client) ListDeployments(ctx context.Context, token, projectID string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = "?limit=" + strconv.Itoa(limit)
	}
	path := fmt.Sprintf("/projects/%s/deployments%s", url.PathEscape(projectID), query)
	var resp struct {
		Deployments []Deployment `json:"deployments"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, auth{bearer: token}, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// FetchLogs returns log events strictly after the cursor. A zero cursor
// starts from the beginning.
func (c *Client) FetchLogs(ctx context.Context, token, deploymentID string, after time.Time, limit int) ([]LogEvent, error) {
	query := url.Values{}
	if !after.IsZero() {
		query.Set("lastTimestamp", after.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/logs/%s", url.PathEscape(deploymentID))
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Data struct {
			Logs []LogEvent `json:"logs"`
		} `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, auth{bearer: token}, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Logs, nil
}

// Claim asks for the oldest queued deployment. ok is false when the queue
// is empty.
func (c *Client) Claim(ctx context.Context) (claim Claim, ok bool, err error) {
	status, err := c.do(ctx, http.MethodPost, "/builder/claim", nil, auth{builder: true}, &claim)
	if err != nil {
		return Claim{}, false, err
	}
	if status == http.StatusNoContent {
		return Claim{}, false, nil
	}
	return claim, true, nil
}

// AppendLog records a log event for a deployment. Retrying with the same
// EventID is idempotent.
func (c *Client) AppendLog(ctx context.Context, deploymentID string, event LogEvent) (LogEvent, error) {
	path := fmt.Sprintf("/builder/deployments/%s/logs", url.PathEscape(deploymentID))
	body := map[string]any{
		"event_id": event.EventID,
		"log":      event.Log,
		"type":     event.Type,
		"step":     event.Step,
		"meta":     event.Meta,
		"final":    event.Final,
	}
	if !event.Timestamp.IsZero() {
		body["timestamp"] = event.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	var stored LogEvent
	if _, err := c.do(ctx, http.MethodPost, path, body, auth{builder: true}, &stored); err != nil {
		return LogEvent{}, err
	}
	return stored, nil
}

// CurrentDeployment reads a deployment with builder credentials.
func (c *Client) CurrentDeployment(ctx context.Context, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/builder/deployments/%s", url.PathEscape(deploymentID))
	var deployment Deployment
	if _, err := c.do(ctx, http.MethodGet, path, nil, auth{builder: true}, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// TransitionInput requests a deployment state change.
type TransitionInput struct {
	State       string `json:"state"`
	ArtifactRef string `json:"artifactRef,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Transition moves a deployment to a new state.
func (c *Client) Transition(ctx context.Context, deploymentID string, input TransitionInput) (Deployment, error) {
	path := fmt.Sprintf("/builder/deployments/%s/state", url.PathEscape(deploymentID))
	var deployment Deployment
	if _, err := c.do(ctx, http.MethodPost, path, input, auth{builder: true}, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}
