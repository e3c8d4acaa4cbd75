package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dumcel/deployer/api/internal/service/dispatch"
)

// handleDeploy enqueues a deployment for POST /deploy/{projectId}.
func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deploy/"), "/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	if _, ok := r.ownedProject(w, req, projectID); !ok {
		return
	}
	deployment, err := r.dispatch.Enqueue(req.Context(), projectID)
	if err != nil {
		if errors.Is(err, dispatch.ErrConflict) {
			r.recordEnqueue("conflict")
		} else {
			r.recordEnqueue("error")
		}
		r.writeServiceError(w, req, err)
		return
	}
	r.recordEnqueue("queued")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"deploymentId": deployment.ID,
		"deployment":   r.toDeploymentView(*deployment),
	})
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if deploymentID == "" || strings.Contains(deploymentID, "/") {
		r.notFound(w)
		return
	}
	deployment, ok := r.ownedDeployment(w, req, deploymentID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, r.toDeploymentView(*deployment))
}
