package httpx

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/service/deploy"
	"github.com/dumcel/deployer/api/internal/service/logs"
)

const maxBuilderBody = 1 << 20

type builderLogRequest struct {
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Log       string `json:"log"`
	Type      string `json:"type"`
	Step      string `json:"step"`
	Meta      string `json:"meta"`
	Final     bool   `json:"final"`
}

type builderStateRequest struct {
	State       string `json:"state"`
	ArtifactRef string `json:"artifactRef"`
	Message     string `json:"message"`
}

// handleBuilderClaim hands the oldest queued deployment to a builder.
func (r *Router) handleBuilderClaim(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	claim, ok, err := r.dispatch.DequeueNext(req.Context())
	if err != nil {
		r.recordClaim("error")
		r.writeServiceError(w, req, err)
		return
	}
	if !ok {
		r.recordClaim("empty")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	r.recordClaim("claimed")
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment": r.toDeploymentView(claim.Deployment),
		"project":    toProjectView(claim.Project),
	})
}

// handleBuilderDeployment serves builder writes under /builder/deployments/{id}/.
func (r *Router) handleBuilderDeployment(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/builder/deployments/"), "/")
	deploymentID, sub, _ := strings.Cut(rest, "/")
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	if sub == "" {
		r.handleBuilderDeploymentRead(w, req, deploymentID)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	switch sub {
	case "logs":
		r.handleBuilderLog(w, req, deploymentID)
	case "state":
		r.handleBuilderState(w, req, deploymentID)
	default:
		r.notFound(w)
	}
}

// handleBuilderDeploymentRead lets a builder confirm a deployment's state
// after a transition response was lost.
func (r *Router) handleBuilderDeploymentRead(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	d, err := r.deployments.Get(req.Context(), deploymentID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.toDeploymentView(*d))
}

func (r *Router) handleBuilderLog(w http.ResponseWriter, req *http.Request, deploymentID string) {
	var body builderLogRequest
	if err := decodeJSON(w, req, maxBuilderBody, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	deployment, err := r.deployments.Get(req.Context(), deploymentID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	event := domain.LogEvent{
		EventID:      strings.TrimSpace(body.EventID),
		DeploymentID: deployment.ID,
		ProjectID:    deployment.ProjectID,
		Log:          body.Log,
		Type:         domain.LogType(body.Type),
		Step:         body.Step,
		Meta:         body.Meta,
		Final:        body.Final,
	}
	if raw := strings.TrimSpace(body.Timestamp); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp")
			return
		}
		event.Timestamp = ts
	}
	stored, err := r.logs.Append(req.Context(), event)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, logs.PayloadFrom(stored))
}

func (r *Router) handleBuilderState(w http.ResponseWriter, req *http.Request, deploymentID string) {
	var body builderStateRequest
	if err := decodeJSON(w, req, maxBuilderBody, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to, err := domain.ParseState(body.State)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	updated, err := r.deployments.Transition(req.Context(), deploymentID, deploy.TransitionRequest{
		To:          to,
		ArtifactRef: body.ArtifactRef,
		Message:     body.Message,
	})
	if errors.Is(err, deploy.ErrPublishFailed) && updated != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":      err.Error(),
			"deployment": r.toDeploymentView(*updated),
		})
		return
	}
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.toDeploymentView(*updated))
}
