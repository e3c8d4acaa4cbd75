package httpx

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/repository"
	"github.com/dumcel/deployer/api/internal/service/project"
)

const maxProjectBody = 64 * 1024

type createProjectRequest struct {
	Name           string `json:"name"`
	GitURL         string `json:"gitUrl"`
	SubDomain      string `json:"subDomain"`
	Favicon        string `json:"favicon"`
	InstallCommand string `json:"installCommand"`
	BuildCommand   string `json:"buildCommand"`
	OutputPort     int    `json:"outputPort"`
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, _ := principalFrom(req.Context())
	switch req.Method {
	case http.MethodPost:
		var body createProjectRequest
		if err := decodeJSON(w, req, maxProjectBody, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.projects.Create(req.Context(), project.CreateInput{
			UserID:         info.UserID,
			Name:           body.Name,
			GitURL:         body.GitURL,
			SubDomain:      body.SubDomain,
			Favicon:        body.Favicon,
			InstallCommand: body.InstallCommand,
			BuildCommand:   body.BuildCommand,
			OutputPort:     body.OutputPort,
		})
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, toProjectView(*created))
	case http.MethodGet:
		list, err := r.projects.ListByUser(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		out := make([]projectView, 0, len(list))
		for _, p := range list {
			out = append(out, toProjectView(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": out})
	default:
		r.methodNotAllowed(w)
	}
}

// handleProjectSubroutes serves /projects/{id} and /projects/{id}/deployments.
func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	projectID, sub, _ := strings.Cut(rest, "/")
	if projectID == "" {
		r.notFound(w)
		return
	}
	if _, ok := r.ownedProject(w, req, projectID); !ok {
		return
	}
	switch sub {
	case "":
		summary, err := r.projects.Summary(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, toProjectSummaryView(*summary))
	case "deployments":
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		list, err := r.deployments.ListByProject(req.Context(), projectID, limit)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": r.toDeploymentViews(list)})
	default:
		r.notFound(w)
	}
}

// ownedProject loads a project and hides it from callers that do not own it.
func (r *Router) ownedProject(w http.ResponseWriter, req *http.Request, projectID string) (*domain.Project, bool) {
	info, _ := principalFrom(req.Context())
	p, err := r.projects.Get(req.Context(), projectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return nil, false
	}
	if p.UserID != info.UserID {
		r.writeServiceError(w, req, repository.ErrNotFound)
		return nil, false
	}
	return p, true
}

// ownedDeployment loads a deployment whose project the caller owns.
func (r *Router) ownedDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) (*domain.Deployment, bool) {
	d, err := r.deployments.Get(req.Context(), deploymentID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return nil, false
	}
	if _, ok := r.ownedProject(w, req, d.ProjectID); !ok {
		return nil, false
	}
	return d, true
}
