package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/dumcel/deployer/api/internal/repository/memory"
	"github.com/dumcel/deployer/api/internal/service/auth"
	"github.com/dumcel/deployer/api/internal/service/deploy"
	"github.com/dumcel/deployer/api/internal/service/dispatch"
	"github.com/dumcel/deployer/api/internal/service/ingress"
	"github.com/dumcel/deployer/api/internal/service/logs"
	"github.com/dumcel/deployer/api/internal/service/project"
	"github.com/dumcel/deployer/api/internal/ws"
)

const (
	testSecret       = "router-test-secret"
	testBuilderToken = "builder-secret"
)

type testEnv struct {
	router    *Router
	authSvc   auth.Service
	registrar *ingress.Registrar
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.New()
	hub := ws.NewHub()
	t.Cleanup(hub.Close)

	registrar := ingress.NewRegistrar(ingress.NewMemoryTable(), "dumcel.test", "http", logger)
	authSvc := auth.New(testSecret, logger)
	router := NewRouter(Dependencies{
		Logger:       logger,
		Auth:         authSvc,
		Projects:     project.New(repo, repo, registrar, logger),
		Dispatch:     dispatch.New(repo, repo, logger),
		Deployments:  deploy.New(repo, registrar, logger),
		Logs:         logs.New(repo, hub, logger, logs.Options{}),
		Registrar:    registrar,
		BuilderToken: testBuilderToken,
		Health: map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
		},
	})
	t.Cleanup(router.Close)
	return &testEnv{router: router, authSvc: authSvc, registrar: registrar}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.authSvc.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) builder(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Builder-Token", testBuilderToken)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) createProject(t *testing.T, token, name string) projectView {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/projects", token, map[string]any{
		"name":   name,
		"gitUrl": "https://github.com/example/" + name + ".git",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[projectView](t, rec)
}

func TestRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/projects", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/projects", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeployConflictWhileActive(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")
	p := env.createProject(t, token, "shop")
	require.Equal(t, "shop", p.SubDomain)

	rec := env.do(t, http.MethodPost, "/deploy/"+p.ID, token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decode[struct {
		DeploymentID string         `json:"deploymentId"`
		Deployment   deploymentView `json:"deployment"`
	}](t, rec)
	require.NotEmpty(t, accepted.DeploymentID)
	require.Equal(t, "queued", accepted.Deployment.State)
	require.False(t, accepted.Deployment.Finished)

	rec = env.do(t, http.MethodPost, "/deploy/"+p.ID, token, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[map[string]any](t, rec)
	require.Equal(t, accepted.DeploymentID, conflict["activeDeploymentId"])
}

func TestProjectsHiddenFromOtherUsers(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token(t, "owner")
	other := env.token(t, "intruder")
	p := env.createProject(t, owner, "private")

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/projects/"+p.ID, owner, nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/projects/"+p.ID, other, nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/deploy/"+p.ID, other, nil).Code)
}

func TestBuilderTokenRequired(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/builder/claim", nil)
	req.Header.Set("X-Builder-Token", "wrong")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuilderClaimLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")
	p := env.createProject(t, token, "blog")

	rec := env.builder(t, http.MethodPost, "/builder/claim", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/deploy/"+p.ID, token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.builder(t, http.MethodPost, "/builder/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decode[struct {
		Deployment deploymentView `json:"deployment"`
		Project    projectView    `json:"project"`
	}](t, rec)
	require.Equal(t, "in progress", claim.Deployment.State)
	require.Equal(t, p.GitURL, claim.Project.GitURL)
	depID := claim.Deployment.ID

	rec = env.builder(t, http.MethodPost, "/builder/claim", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.builder(t, http.MethodPost, "/builder/deployments/"+depID+"/logs", map[string]any{
		"log":  "Cloning repository",
		"type": "info",
		"step": "clone",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.builder(t, http.MethodPost, "/builder/deployments/"+depID+"/state", map[string]any{
		"state":       "ready",
		"artifactRef": "http://127.0.0.1:4100",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ready := decode[deploymentView](t, rec)
	require.Equal(t, "ready", ready.State)
	require.True(t, ready.Finished)
	require.Equal(t, "http://blog.dumcel.test/", ready.URL)

	route, err := env.registrar.Resolve(context.Background(), "blog")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:4100", route.ArtifactRef)

	rec = env.builder(t, http.MethodPost, "/builder/deployments/"+depID+"/state", map[string]any{"state": "failed"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/deployments/"+depID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decode[deploymentView](t, rec).State)

	rec = env.builder(t, http.MethodGet, "/builder/deployments/"+depID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "ready", decode[deploymentView](t, rec).State)
}

func TestBuilderLogAcceptsLongLines(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")
	p := env.createProject(t, token, "wiki")
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/deploy/"+p.ID, token, nil).Code)
	claim := decode[struct {
		Deployment deploymentView `json:"deployment"`
	}](t, env.builder(t, http.MethodPost, "/builder/claim", nil))

	rec := env.builder(t, http.MethodPost, "/builder/deployments/"+claim.Deployment.ID+"/logs", map[string]any{
		"log":  "a" + strings.Repeat("é", 100*1024),
		"type": "info",
		"step": "build",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	stored := decode[map[string]any](t, rec)
	line, _ := stored["log"].(string)
	require.True(t, utf8.ValidString(line))
	require.LessOrEqual(t, len(line), 64*1024)
}

func TestReadyWithoutArtifactRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")
	p := env.createProject(t, token, "docs")
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/deploy/"+p.ID, token, nil).Code)
	claim := decode[struct {
		Deployment deploymentView `json:"deployment"`
	}](t, env.builder(t, http.MethodPost, "/builder/claim", nil))

	rec := env.builder(t, http.MethodPost, "/builder/deployments/"+claim.Deployment.ID+"/state", map[string]any{"state": "ready"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.builder(t, http.MethodPost, "/builder/deployments/"+claim.Deployment.ID+"/state", map[string]any{"state": "paused"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogPolling(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")
	p := env.createProject(t, token, "api")
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/deploy/"+p.ID, token, nil).Code)
	claim := decode[struct {
		Deployment deploymentView `json:"deployment"`
	}](t, env.builder(t, http.MethodPost, "/builder/claim", nil))
	depID := claim.Deployment.ID

	base := time.Date(2025, time.November, 3, 10, 0, 0, 0, time.UTC)
	for i, line := range []string{"one", "two", "three"} {
		rec := env.builder(t, http.MethodPost, "/builder/deployments/"+depID+"/logs", map[string]any{
			"log":       line,
			"type":      "info",
			"timestamp": base.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	type page struct {
		Data struct {
			Logs []logs.Payload `json:"logs"`
		} `json:"data"`
	}

	rec := env.do(t, http.MethodGet, "/logs/"+depID+"?limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[page](t, rec)
	require.Len(t, first.Data.Logs, 2)
	require.Equal(t, "one", first.Data.Logs[0].Log)
	require.Equal(t, depID, first.Data.Logs[0].DeploymentID)
	require.Equal(t, p.ID, first.Data.Logs[0].ProjectID)

	cursor := first.Data.Logs[1].Timestamp
	rec = env.do(t, http.MethodGet, "/api/project/logs/"+depID+"?lastTimestamp="+cursor, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[page](t, rec)
	require.Len(t, second.Data.Logs, 1)
	require.Equal(t, "three", second.Data.Logs[0].Log)

	last := second.Data.Logs[0].Timestamp
	rec = env.do(t, http.MethodGet, "/logs/"+depID+"?lastTimestamp="+last, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data":{"logs":[]}}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/logs/"+depID+"?lastTimestamp=yesterday", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzReportsDegraded(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.router.health["routes"] = func(context.Context) error { return context.DeadlineExceeded }
	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "degraded", body["status"])
}

func TestRateLimitHeaders(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-1")
	rec := env.do(t, http.MethodGet, "/projects", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "59", rec.Header().Get("X-RateLimit-Remaining"))
}
