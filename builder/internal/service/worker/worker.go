package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dumcel/deployer/builder/internal/docker"
	"github.com/dumcel/deployer/builder/internal/git"
	"github.com/dumcel/deployer/pkg/api/client"
	"github.com/dumcel/deployer/pkg/buildlog"
	"github.com/dumcel/deployer/pkg/config"
)

// Step names label the log events of each pipeline stage.
const (
	StepClone   = buildlog.StepClone
	StepInstall = buildlog.StepInstall
	StepBuild   = buildlog.StepBuild
	StepPublish = buildlog.StepPublish
)

const (
	completionMessage = "Deployment completed successfully"
	failureTailLines  = 40
	labelDeployment   = "dumcel.deployment"
)

// StepError reports the pipeline step that stopped a deployment.
type StepError struct {
	Step string
	Err  error
	// Output holds the last lines the step printed, if any.
	Output []string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Controller is the API surface a worker reports to.
type Controller interface {
	buildlog.Sink
	Transition(ctx context.Context, deploymentID string, input client.TransitionInput) (client.Deployment, error)
	CurrentDeployment(ctx context.Context, deploymentID string) (client.Deployment, error)
}

// Cloner fetches a repository into dest.
type Cloner interface {
	Clone(ctx context.Context, repoURL, dest string, progress io.Writer) (git.Commit, error)
}

// Images builds container images from a directory.
type Images interface {
	BuildImage(ctx context.Context, dir, tag string, labels map[string]string, onOutput func(string)) error
}

// Containers runs and replaces published containers.
type Containers interface {
	RunContainer(ctx context.Context, spec docker.RunSpec) (docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, nameOrID string) error
	RemoveStale(ctx context.Context, projectID, keepID string) (int, error)
}

// Commands runs project commands on the builder host.
type Commands interface {
	Available(command string) bool
	Run(ctx context.Context, dir, command string, onLine func(string)) error
}

// Workspaces hands out per-deployment checkout directories.
type Workspaces interface {
	Prepare(deploymentID string) (string, error)
	Cleanup(path string) error
}

// Prober blocks until url answers or gives up.
type Prober interface {
	Wait(ctx context.Context, url string) error
}

// Dependencies wires a Worker to its collaborators.
type Dependencies struct {
	Controller Controller
	Cloner     Cloner
	Images     Images
	Containers Containers
	Commands   Commands
	Workspaces Workspaces
	Prober     Prober
}

// Worker runs the clone, install, build and publish pipeline for one claimed
// deployment at a time. A single Worker is safe for concurrent Run calls.
type Worker struct {
	deps   Dependencies
	cfg    config.BuilderConfig
	logger *slog.Logger
}

// New constructs a Worker.
func New(deps Dependencies, cfg config.BuilderConfig, logger *slog.Logger) *Worker {
	if deps.Commands == nil {
		deps.Commands = HostRunner{}
	}
	if deps.Prober == nil {
		deps.Prober = HTTPProber{Timeout: cfg.ReadinessTimeout}
	}
	initMetrics()
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// run carries state between the steps of one deployment.
type run struct {
	claim     client.Claim
	emitter   *buildlog.Emitter
	dir       string
	plan      Plan
	image     string
	container docker.ContainerInfo
	artifact  string
}

type step struct {
	name    string
	timeout time.Duration
	start   string
	done    string
	exec    func(ctx context.Context, r *run, out *stepOutput) error
}

func (w *Worker) steps() []step {
	return []step{
		{StepClone, w.cfg.CloneTimeout, "Cloning repository", "Repository cloned", w.clone},
		{StepInstall, w.cfg.InstallTimeout, "Preparing runtime", "Runtime prepared", w.install},
		{StepBuild, w.cfg.BuildTimeout, "Building image", "Image built", w.build},
		{StepPublish, w.cfg.PublishTimeout, "Publishing container", "Container published", w.publish},
	}
}

// Run executes the pipeline for claim and leaves the deployment in ready or
// failed. The returned error is a *StepError when a step failed.
func (w *Worker) Run(ctx context.Context, claim client.Claim) error {
	dep := claim.Deployment
	log := w.logger.With("deployment_id", dep.ID, "project_id", claim.Project.ID)
	r := &run{
		claim: claim,
		emitter: buildlog.NewEmitter(w.deps.Controller, dep.ID, claim.Project.ID, w.logger).
			WithRetry(w.cfg.LogRetries+1, w.cfg.LogBackoff),
	}

	trackInFlight(1)
	defer trackInFlight(-1)

	dir, err := w.deps.Workspaces.Prepare(dep.ID)
	if err != nil {
		return w.fail(ctx, log, r, &StepError{Step: StepClone, Err: err})
	}
	r.dir = dir
	defer func() {
		if err := w.deps.Workspaces.Cleanup(dir); err != nil {
			log.Warn("workspace cleanup failed", "dir", dir, "error", err)
		}
	}()

	log.Info("deployment started", "git_url", claim.Project.GitURL)
	for _, s := range w.steps() {
		if serr := w.runStep(ctx, log, r, s); serr != nil {
			if r.container.ID != "" {
				w.discard(log, r.container.ID)
			}
			return w.fail(ctx, log, r, serr)
		}
	}
	return w.finish(ctx, log, r)
}

func (w *Worker) runStep(ctx context.Context, log *slog.Logger, r *run, s step) *StepError {
	started := time.Now()
	if err := r.emitter.Info(ctx, s.name, s.start); err != nil {
		observeStep(s.name, "error", time.Since(started))
		return &StepError{Step: s.name, Err: err}
	}

	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	out := newStepOutput(ctx, r.emitter, s.name)
	err := s.exec(stepCtx, r, out)
	out.Flush()
	timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	switch {
	case timedOut:
		err = fmt.Errorf("timed out after %s", s.timeout)
	case err == nil && out.Err() != nil:
		err = out.Err()
	}
	if err != nil {
		observeStep(s.name, "error", time.Since(started))
		log.Error("step failed", "step", s.name, "error", err)
		return &StepError{Step: s.name, Err: err, Output: out.Tail()}
	}

	if err := r.emitter.Emit(ctx, client.LogEvent{Type: "success", Step: s.name, Log: s.done}); err != nil {
		observeStep(s.name, "error", time.Since(started))
		return &StepError{Step: s.name, Err: err}
	}
	observeStep(s.name, "success", time.Since(started))
	log.Info("step finished", "step", s.name, "duration", time.Since(started).String())
	return nil
}

func (w *Worker) clone(ctx context.Context, r *run, out *stepOutput) error {
	commit, err := w.deps.Cloner.Clone(ctx, r.claim.Project.GitURL, r.dir, out.Writer())
	if err != nil {
		return err
	}
	out.Printf("Checked out %s %s", commit.Short(), firstLine(commit.Message))
	return nil
}

func (w *Worker) install(ctx context.Context, r *run, out *stepOutput) error {
	plan, err := PlanBuild(r.dir, r.claim.Project)
	if err != nil {
		return err
	}
	r.plan = plan
	if plan.DockerfileGenerated {
		out.Printf("Detected %s runtime; generated Dockerfile", plan.Runtime)
	} else {
		out.Printf("Using repository Dockerfile")
	}
	return w.hostCommand(ctx, r, out, plan.HostInstall)
}

func (w *Worker) build(ctx context.Context, r *run, out *stepOutput) error {
	if err := w.hostCommand(ctx, r, out, r.plan.HostBuild); err != nil {
		return err
	}
	r.image = imageRef(w.cfg.Registry, r.claim.Project, r.claim.Deployment)
	out.Printf("Building %s", r.image)
	labels := map[string]string{
		docker.LabelProject: r.claim.Project.ID,
		labelDeployment:     r.claim.Deployment.ID,
	}
	return w.deps.Images.BuildImage(ctx, r.dir, r.image, labels, out.Line)
}

func (w *Worker) publish(ctx context.Context, r *run, out *stepOutput) error {
	proj, dep := r.claim.Project, r.claim.Deployment
	info, err := w.deps.Containers.RunContainer(ctx, docker.RunSpec{
		Name:          containerName(proj, dep),
		Image:         r.image,
		ContainerPort: r.plan.ContainerPort,
		HostIP:        bindAddress(w.cfg.HostAddress),
		Env:           []string{fmt.Sprintf("PORT=%d", r.plan.ContainerPort)},
		Labels: map[string]string{
			docker.LabelProject: proj.ID,
			labelDeployment:     dep.ID,
		},
	})
	if err != nil {
		return err
	}
	r.container = info
	r.artifact = fmt.Sprintf("http://%s", net.JoinHostPort(w.cfg.HostAddress, info.HostPort))
	out.Printf("Container %s listening on %s", shortID(info.ID), r.artifact)

	probeURL := r.artifact + "/" + strings.TrimPrefix(w.cfg.ReadinessPath, "/")
	if err := w.deps.Prober.Wait(ctx, probeURL); err != nil {
		return err
	}
	out.Printf("Container answered %s", probeURL)
	return nil
}

func (w *Worker) hostCommand(ctx context.Context, r *run, out *stepOutput, command string) error {
	if command == "" {
		return nil
	}
	if !w.deps.Commands.Available(command) {
		out.Printf("Skipping %q: executable not available on builder host", command)
		return nil
	}
	out.Printf("$ %s", command)
	return w.deps.Commands.Run(ctx, r.dir, command, out.Line)
}

func (w *Worker) finish(ctx context.Context, log *slog.Logger, r *run) error {
	dep := r.claim.Deployment
	if err := r.emitter.Complete(ctx, completionMessage); err != nil {
		w.discard(log, r.container.ID)
		return w.fail(ctx, log, r, &StepError{Step: StepPublish, Err: err})
	}

	_, err := w.deps.Controller.Transition(ctx, dep.ID, client.TransitionInput{
		State:       "ready",
		ArtifactRef: r.artifact,
		Message:     completionMessage,
	})
	switch {
	case err == nil:
	case errors.Is(err, client.ErrPublishFailed):
		log.Warn("deployment ready but route publish failed; route will be repaired on sync", "error", err)
	default:
		log.Error("transition to ready failed", "error", err)
		if !w.readyCommitted(ctx, log, dep.ID) {
			return w.abandon(ctx, log, r, &StepError{Step: StepPublish, Err: err})
		}
		log.Warn("ready transition was committed despite the error")
	}

	removed, err := w.deps.Containers.RemoveStale(ctx, r.claim.Project.ID, r.container.ID)
	if err != nil {
		log.Warn("removing previous containers failed", "error", err)
	} else if removed > 0 {
		log.Info("previous containers removed", "count", removed)
	}
	countRun("ready")
	log.Info("deployment ready", "artifact_ref", r.artifact, "image", r.image)
	return nil
}

// readyCommitted re-reads the deployment after an ambiguous ready transition.
// A transport error does not tell whether the server applied the change.
func (w *Worker) readyCommitted(ctx context.Context, log *slog.Logger, deploymentID string) bool {
	current, err := w.deps.Controller.CurrentDeployment(ctx, deploymentID)
	if err != nil {
		log.Warn("reading deployment state failed", "error", err)
		return false
	}
	return current.State == "ready"
}

// abandon fails a run whose container is already up. The container is only
// removed once the deployment is known not to be ready, since it may be the
// routed artifact.
func (w *Worker) abandon(ctx context.Context, log *slog.Logger, r *run, serr *StepError) error {
	dep := r.claim.Deployment
	if err := w.markFailed(ctx, log, dep.ID, serr.Error()); err != nil {
		current, gerr := w.deps.Controller.CurrentDeployment(ctx, dep.ID)
		if gerr != nil || current.State != "failed" {
			log.Error("deployment state unknown; keeping container", "container_id", r.container.ID)
			countRun("failed")
			return serr
		}
	}
	event := client.LogEvent{Type: "error", Step: serr.Step, Log: serr.Error(), Final: true}
	if err := r.emitter.Emit(ctx, event); err != nil {
		log.Error("failure event not delivered", "step", serr.Step, "error", err)
	}
	w.discard(log, r.container.ID)
	countRun("failed")
	return serr
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, r *run, serr *StepError) error {
	event := client.LogEvent{Type: "error", Step: serr.Step, Log: serr.Error(), Final: true}
	if len(serr.Output) > 0 {
		event.Meta = strings.Join(serr.Output, "\n")
	}
	if err := r.emitter.Emit(ctx, event); err != nil {
		log.Error("failure event not delivered", "step", serr.Step, "error", err)
	}
	_ = w.markFailed(ctx, log, r.claim.Deployment.ID, serr.Error())
	countRun("failed")
	return serr
}

func (w *Worker) markFailed(ctx context.Context, log *slog.Logger, deploymentID, message string) error {
	_, err := w.deps.Controller.Transition(ctx, deploymentID, client.TransitionInput{State: "failed", Message: message})
	if err != nil {
		log.Error("transition to failed rejected", "error", err)
	}
	return err
}

func (w *Worker) discard(log *slog.Logger, containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.deps.Containers.RemoveContainer(ctx, containerID); err != nil {
		log.Warn("container cleanup failed", "container_id", containerID, "error", err)
	}
}

// stepOutput turns subprocess output into log events for one step. The first
// delivery error is kept and fails the step once it returns.
type stepOutput struct {
	ctx     context.Context
	emitter *buildlog.Emitter
	step    string
	folder  *lineFolder

	mu  sync.Mutex
	err error
}

func newStepOutput(ctx context.Context, emitter *buildlog.Emitter, step string) *stepOutput {
	o := &stepOutput{ctx: ctx, emitter: emitter, step: step}
	o.folder = newLineFolder(failureTailLines, o.send)
	return o
}

func (o *stepOutput) Line(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.folder.Add(line)
}

func (o *stepOutput) Printf(format string, args ...any) {
	o.Line(fmt.Sprintf(format, args...))
}

func (o *stepOutput) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.folder.Flush()
}

func (o *stepOutput) Tail() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.folder.Tail(failureTailLines)
}

func (o *stepOutput) send(line string) {
	if o.err != nil {
		return
	}
	if err := o.emitter.Info(o.ctx, o.step, line); err != nil {
		o.err = err
	}
}

func (o *stepOutput) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Writer adapts the output to an io.Writer, splitting on newlines and
// carriage returns so progress meters become separate lines.
func (o *stepOutput) Writer() io.Writer {
	return &lineWriter{onLine: o.Line}
}

type lineWriter struct {
	onLine func(string)
	buf    bytes.Buffer
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.buf.Write(p)
	for {
		data := lw.buf.Bytes()
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		line := string(data[:i])
		lw.buf.Next(i + 1)
		if strings.TrimSpace(line) != "" {
			lw.onLine(line)
		}
	}
	return len(p), nil
}

func imageRef(registry string, proj client.Project, dep client.Deployment) string {
	name := strings.ToLower(proj.SubDomain)
	if name == "" {
		name = "project-" + shortID(proj.ID)
	}
	tag := strings.ToLower(shortID(dep.ID))
	if registry = strings.Trim(strings.ToLower(registry), "/"); registry != "" {
		return registry + "/" + name + ":" + tag
	}
	return name + ":" + tag
}

func containerName(proj client.Project, dep client.Deployment) string {
	name := proj.SubDomain
	if name == "" {
		name = shortID(proj.ID)
	}
	return "dumcel-" + strings.ToLower(name) + "-" + strings.ToLower(shortID(dep.ID))
}

func bindAddress(host string) string {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return "127.0.0.1"
	default:
		return "0.0.0.0"
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
