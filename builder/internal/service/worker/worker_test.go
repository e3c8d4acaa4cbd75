package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dumcel/deployer/builder/internal/docker"
	"github.com/dumcel/deployer/builder/internal/git"
	"github.com/dumcel/deployer/pkg/api/client"
	"github.com/dumcel/deployer/pkg/buildlog"
	"github.com/dumcel/deployer/pkg/config"
)

type fakeController struct {
	mu          sync.Mutex
	events      []client.LogEvent
	transitions []client.TransitionInput
	failStep    string
	readyErr    error
	// readyCommitted applies a ready transition even when readyErr is returned.
	readyCommitted bool
	state          string
}

func (f *fakeController) AppendLog(_ context.Context, _ string, event client.LogEvent) (client.LogEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStep != "" && event.Step == f.failStep {
		return client.LogEvent{}, client.APIError{Status: http.StatusInternalServerError, Message: "sink down"}
	}
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeController) Transition(_ context.Context, id string, input client.TransitionInput) (client.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, input)
	if f.state == "ready" || f.state == "failed" {
		return client.Deployment{}, client.APIError{Status: http.StatusConflict, Message: "invalid transition"}
	}
	if input.State == "ready" && f.readyErr != nil {
		if f.readyCommitted {
			f.state = "ready"
		}
		return client.Deployment{}, f.readyErr
	}
	f.state = input.State
	return client.Deployment{ID: id, State: input.State, ArtifactRef: input.ArtifactRef}, nil
}

func (f *fakeController) CurrentDeployment(_ context.Context, id string) (client.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.state
	if state == "" {
		state = "in progress"
	}
	return client.Deployment{ID: id, State: state}, nil
}

func (f *fakeController) stepEvents(step string) []client.LogEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []client.LogEvent
	for _, e := range f.events {
		if e.Step == step {
			out = append(out, e)
		}
	}
	return out
}

type fakeCloner struct {
	files map[string]string
	err   error
}

func (f fakeCloner) Clone(_ context.Context, _ string, dest string, progress io.Writer) (git.Commit, error) {
	if f.err != nil {
		return git.Commit{}, f.err
	}
	_, _ = io.WriteString(progress, "Counting objects: 3, done.\n")
	for name, body := range f.files {
		if err := os.WriteFile(filepath.Join(dest, name), []byte(body), 0o644); err != nil {
			return git.Commit{}, err
		}
	}
	return git.Commit{Hash: "0123456789abcdef", Message: "initial commit\n\nbody"}, nil
}

type fakeImages struct {
	block  bool
	err    error
	built  []string
	output []string
}

func (f *fakeImages) BuildImage(ctx context.Context, dir, tag string, _ map[string]string, onOutput func(string)) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	onOutput("Step 1/3 : FROM nginx:1.27-alpine")
	onOutput("Step 1/3 : FROM nginx:1.27-alpine")
	for _, line := range f.output {
		onOutput(line)
	}
	f.built = append(f.built, tag)
	return f.err
}

type fakeContainers struct {
	mu      sync.Mutex
	runs    []docker.RunSpec
	removed []string
	stale   []string
}

func (f *fakeContainers) RunContainer(_ context.Context, spec docker.RunSpec) (docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, spec)
	return docker.ContainerInfo{ID: "c-" + spec.Name, HostIP: spec.HostIP, HostPort: "49153"}, nil
}

func (f *fakeContainers) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeContainers) RemoveStale(_ context.Context, projectID, keepID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = append(f.stale, projectID+"|"+keepID)
	return 1, nil
}

type fakeCommands struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]error
}

func (f *fakeCommands) Available(string) bool { return true }

func (f *fakeCommands) Run(_ context.Context, _ string, command string, onLine func(string)) error {
	f.mu.Lock()
	f.ran = append(f.ran, command)
	f.mu.Unlock()
	onLine("running " + command)
	return f.fail[command]
}

type fakeWorkspaces struct {
	root    string
	cleaned []string
}

func (f *fakeWorkspaces) Prepare(id string) (string, error) {
	dir := filepath.Join(f.root, id)
	return dir, os.MkdirAll(dir, 0o755)
}

func (f *fakeWorkspaces) Cleanup(path string) error {
	f.cleaned = append(f.cleaned, path)
	return os.RemoveAll(path)
}

type fakeProber struct{ urls []string }

func (f *fakeProber) Wait(_ context.Context, url string) error {
	f.urls = append(f.urls, url)
	return nil
}

type harness struct {
	ctrl       *fakeController
	images     *fakeImages
	containers *fakeContainers
	commands   *fakeCommands
	workspaces *fakeWorkspaces
	prober     *fakeProber
	cfg        config.BuilderConfig
	cloner     fakeCloner
}

func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()
	return &harness{
		ctrl:       &fakeController{},
		images:     &fakeImages{},
		containers: &fakeContainers{},
		commands:   &fakeCommands{fail: map[string]error{}},
		workspaces: &fakeWorkspaces{root: t.TempDir()},
		prober:     &fakeProber{},
		cloner:     fakeCloner{files: files},
		cfg: config.BuilderConfig{
			CloneTimeout:   time.Second,
			InstallTimeout: time.Second,
			BuildTimeout:   time.Second,
			PublishTimeout: time.Second,
			Registry:       "dumcel",
			LogRetries:     2,
			LogBackoff:     time.Millisecond,
			ReadinessPath:  "/",
			HostAddress:    "127.0.0.1",
		},
	}
}

func (h *harness) worker() *Worker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Dependencies{
		Controller: h.ctrl,
		Cloner:     h.cloner,
		Images:     h.images,
		Containers: h.containers,
		Commands:   h.commands,
		Workspaces: h.workspaces,
		Prober:     h.prober,
	}, h.cfg, logger)
}

func testClaim(project client.Project) client.Claim {
	project.ID = "proj-1"
	project.SubDomain = "blog"
	project.GitURL = "https://example.com/blog.git"
	return client.Claim{
		Project:    project,
		Deployment: client.Deployment{ID: "2b7d0c4e-7d1f-4a8e-9d51-0f1d2c3b4a59", ProjectID: "proj-1", State: "in progress"},
	}
}

func TestRunPublishesAndMarksReady(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "<h1>hi</h1>"})
	if err := h.worker().Run(context.Background(), testClaim(client.Project{})); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(h.ctrl.transitions) != 1 || h.ctrl.transitions[0].State != "ready" {
		t.Fatalf("expected single ready transition, got %+v", h.ctrl.transitions)
	}
	if got := h.ctrl.transitions[0].ArtifactRef; got != "http://127.0.0.1:49153" {
		t.Fatalf("unexpected artifact ref %q", got)
	}

	events := h.ctrl.events
	last := events[len(events)-1]
	if last.Type != "success" || !last.MarksCompletion() || !last.Final {
		t.Fatalf("expected completion marker last, got %+v", last)
	}
	for i := 1; i < len(events); i++ {
		if !events[i].Timestamp.After(events[i-1].Timestamp) {
			t.Fatalf("timestamps not increasing at %d", i)
		}
		if events[i].EventID <= events[i-1].EventID {
			t.Fatalf("event ids not increasing at %d", i)
		}
	}
	for i, e := range events[:len(events)-1] {
		if e.MarksCompletion() {
			t.Fatalf("event %d marks completion early: %q", i, e.Log)
		}
	}
	for _, step := range []string{StepClone, StepInstall, StepBuild, StepPublish} {
		evs := h.ctrl.stepEvents(step)
		if len(evs) < 2 || evs[0].Type != "info" || evs[len(evs)-1].Type != "success" {
			t.Fatalf("step %s: expected start and success events, got %+v", step, evs)
		}
	}

	if len(h.containers.runs) != 1 || h.containers.runs[0].ContainerPort != 80 {
		t.Fatalf("unexpected container runs %+v", h.containers.runs)
	}
	if h.containers.stale[0] != "proj-1|c-"+h.containers.runs[0].Name {
		t.Fatalf("stale containers not replaced: %+v", h.containers.stale)
	}
	if h.images.built[0] != "dumcel/blog:2b7d0c4e7d1f" {
		t.Fatalf("unexpected image tag %q", h.images.built[0])
	}
	if h.prober.urls[0] != "http://127.0.0.1:49153/" {
		t.Fatalf("unexpected probe url %q", h.prober.urls[0])
	}
	if len(h.workspaces.cleaned) != 1 {
		t.Fatalf("workspace not cleaned")
	}
}

func TestRunInstallFailureStopsPipeline(t *testing.T) {
	h := newHarness(t, map[string]string{
		"package.json": `{"scripts":{"build":"next build"}}`,
		"Dockerfile":   "FROM node:20\n",
	})
	h.commands.fail["npm ci"] = errors.New("exit status 1")

	err := h.worker().Run(context.Background(), testClaim(client.Project{InstallCommand: "npm ci"}))
	var serr *StepError
	if !errors.As(err, &serr) || serr.Step != StepInstall {
		t.Fatalf("expected install step error, got %v", err)
	}

	if len(h.ctrl.transitions) != 1 || h.ctrl.transitions[0].State != "failed" {
		t.Fatalf("expected failed transition, got %+v", h.ctrl.transitions)
	}
	errorEvents := 0
	for _, e := range h.ctrl.events {
		if e.Type == "error" {
			errorEvents++
			if e.Step != StepInstall || !strings.Contains(e.Log, "exit status 1") {
				t.Fatalf("unexpected error event %+v", e)
			}
			if !strings.Contains(e.Meta, "running npm ci") {
				t.Fatalf("expected command output in meta, got %q", e.Meta)
			}
		}
	}
	if errorEvents != 1 {
		t.Fatalf("expected exactly one error event, got %d", errorEvents)
	}
	if evs := h.ctrl.stepEvents(StepPublish); len(evs) != 0 {
		t.Fatalf("publish step should not emit, got %+v", evs)
	}
	if evs := h.ctrl.stepEvents(StepBuild); len(evs) != 0 {
		t.Fatalf("build step should not emit, got %+v", evs)
	}
	if len(h.containers.runs) != 0 || len(h.images.built) != 0 {
		t.Fatalf("later steps should not run")
	}
	if len(h.workspaces.cleaned) != 1 {
		t.Fatalf("workspace not cleaned after failure")
	}
}

func TestRunStepTimeoutFails(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "ok"})
	h.images.block = true
	h.cfg.BuildTimeout = 20 * time.Millisecond

	err := h.worker().Run(context.Background(), testClaim(client.Project{}))
	var serr *StepError
	if !errors.As(err, &serr) || serr.Step != StepBuild {
		t.Fatalf("expected build step error, got %v", err)
	}
	if !strings.Contains(serr.Error(), "timed out after 20ms") {
		t.Fatalf("unexpected error %q", serr.Error())
	}
	last := h.ctrl.events[len(h.ctrl.events)-1]
	if last.Type != "error" || last.Step != StepBuild || !last.Final {
		t.Fatalf("expected terminal build error event, got %+v", last)
	}
	if h.ctrl.transitions[0].State != "failed" {
		t.Fatalf("expected failed transition, got %+v", h.ctrl.transitions)
	}
}

func TestRunEscalatesSinkFailure(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "ok"})
	h.ctrl.failStep = StepBuild

	err := h.worker().Run(context.Background(), testClaim(client.Project{}))
	var serr *StepError
	if !errors.As(err, &serr) || serr.Step != StepBuild {
		t.Fatalf("expected build step error, got %v", err)
	}
	if !errors.Is(err, buildlog.ErrSinkWrite) {
		t.Fatalf("expected sink write failure, got %v", err)
	}
	if len(h.ctrl.transitions) != 1 || h.ctrl.transitions[0].State != "failed" {
		t.Fatalf("expected failed transition, got %+v", h.ctrl.transitions)
	}
	if len(h.images.built) != 0 {
		t.Fatalf("image should not be built after sink failure")
	}
}

func TestRunRemovesContainerWhenReadyRejected(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "ok"})
	h.ctrl.readyErr = client.APIError{Status: http.StatusConflict, Message: "invalid transition", Path: "/builder/deployments/x/state"}

	if err := h.worker().Run(context.Background(), testClaim(client.Project{})); err == nil {
		t.Fatalf("expected error when ready transition is rejected")
	}
	if len(h.containers.removed) != 1 {
		t.Fatalf("expected new container removed, got %+v", h.containers.removed)
	}
	if len(h.containers.stale) != 0 {
		t.Fatalf("previous containers must be kept")
	}
	last := h.ctrl.events[len(h.ctrl.events)-1]
	if last.Type != "error" || !last.Final || last.Step != StepPublish {
		t.Fatalf("expected terminal publish error event, got %+v", last)
	}
}

func TestRunKeepsContainerWhenReadyCommittedDespiteTimeout(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "ok"})
	h.ctrl.readyErr = context.DeadlineExceeded
	h.ctrl.readyCommitted = true

	if err := h.worker().Run(context.Background(), testClaim(client.Project{})); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.ctrl.transitions) != 1 {
		t.Fatalf("expected only the ready transition, got %+v", h.ctrl.transitions)
	}
	if len(h.containers.removed) != 0 || len(h.containers.stale) != 1 {
		t.Fatalf("unexpected container handling removed=%v stale=%v", h.containers.removed, h.containers.stale)
	}
	for _, e := range h.ctrl.events {
		if e.Type == "error" {
			t.Fatalf("unexpected error event %+v", e)
		}
	}
}

func TestRunFailsWhenReadyLostToTimeout(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "ok"})
	h.ctrl.readyErr = context.DeadlineExceeded

	err := h.worker().Run(context.Background(), testClaim(client.Project{}))
	var serr *StepError
	if !errors.As(err, &serr) || serr.Step != StepPublish {
		t.Fatalf("expected publish step error, got %v", err)
	}
	if len(h.ctrl.transitions) != 2 || h.ctrl.transitions[1].State != "failed" {
		t.Fatalf("expected ready then failed, got %+v", h.ctrl.transitions)
	}
	if len(h.containers.removed) != 1 || len(h.containers.stale) != 0 {
		t.Fatalf("unexpected container handling removed=%v stale=%v", h.containers.removed, h.containers.stale)
	}
	last := h.ctrl.events[len(h.ctrl.events)-1]
	if last.Type != "error" || !last.Final {
		t.Fatalf("expected terminal error event last, got %+v", last)
	}
}

func TestRunNeutralisesToolSuccessOutput(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "ok"})
	h.images.output = []string{"Successfully built 3f2a9c1d", "Successfully tagged dumcel/blog:2b7d0c4e7d1f"}

	if err := h.worker().Run(context.Background(), testClaim(client.Project{})); err != nil {
		t.Fatalf("run: %v", err)
	}
	events := h.ctrl.events
	for i, e := range events[:len(events)-1] {
		if e.Final || strings.Contains(strings.ToLower(e.Log), "successfully") {
			t.Fatalf("event %d could end a follower early: %+v", i, e)
		}
	}
	var sawBuilt bool
	for _, e := range h.ctrl.stepEvents(StepBuild) {
		if strings.Contains(e.Log, "built 3f2a9c1d") {
			sawBuilt = true
		}
	}
	if !sawBuilt {
		t.Fatalf("build output missing from log stream")
	}
	if !events[len(events)-1].MarksCompletion() {
		t.Fatalf("expected completion event last")
	}
}

func TestRunKeepsContainerWhenOnlyRoutePublishFailed(t *testing.T) {
	h := newHarness(t, map[string]string{"index.html": "ok"})
	h.ctrl.readyErr = client.APIError{Status: http.StatusBadGateway, Message: "route store down", Path: "/builder/deployments/x/state"}

	if err := h.worker().Run(context.Background(), testClaim(client.Project{})); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.containers.removed) != 0 || len(h.containers.stale) != 1 {
		t.Fatalf("unexpected container handling removed=%v stale=%v", h.containers.removed, h.containers.stale)
	}
}

func TestLineWriterSplitsProgress(t *testing.T) {
	var lines []string
	w := &lineWriter{onLine: func(s string) { lines = append(lines, s) }}
	_, _ = io.WriteString(w, "Receiving objects:  50%\rReceiving objects: 100%\nDone")
	_, _ = io.WriteString(w, "\n")
	want := []string{"Receiving objects:  50%", "Receiving objects: 100%", "Done"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q", lines)
	}
}
