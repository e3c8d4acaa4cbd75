package httpx

import (
	"time"

	"github.com/dumcel/deployer/api/internal/domain"
	"github.com/dumcel/deployer/api/internal/service/logs"
)

type projectView struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	GitURL         string    `json:"gitUrl"`
	SubDomain      string    `json:"subDomain"`
	Favicon        string    `json:"favicon,omitempty"`
	InstallCommand string    `json:"installCommand,omitempty"`
	BuildCommand   string    `json:"buildCommand,omitempty"`
	OutputPort     int       `json:"outputPort,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type projectSummaryView struct {
	projectView
	LatestDeploymentID string `json:"latestDeploymentId,omitempty"`
	State              string `json:"state,omitempty"`
	LiveURL            string `json:"liveUrl,omitempty"`
}

type deploymentView struct {
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

type logsPage struct {
	Logs []logs.Payload `json:"logs"`
}

func toProjectView(p domain.Project) projectView {
	return projectView{
		ID:             p.ID,
		Name:           p.Name,
		GitURL:         p.GitURL,
		SubDomain:      p.SubDomain,
		Favicon:        p.Favicon,
		InstallCommand: p.InstallCommand,
		BuildCommand:   p.BuildCommand,
		OutputPort:     p.OutputPort,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func toProjectSummaryView(s domain.ProjectSummary) projectSummaryView {
	return projectSummaryView{
		projectView:        toProjectView(s.Project),
		LatestDeploymentID: s.LatestDeploymentID,
		State:              string(s.State),
		LiveURL:            s.LiveURL,
	}
}

func (r *Router) toDeploymentView(d domain.Deployment) deploymentView {
	view := deploymentView{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		SubDomain:   d.SubDomain,
		State:       string(d.State),
		ArtifactRef: d.ArtifactRef,
		Message:     d.Message,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		Finished:    d.Finished(),
	}
	if d.State == domain.StateReady && r.registrar != nil {
		view.URL = r.registrar.LiveURL(d.SubDomain)
	}
	return view
}

func (r *Router) toDeploymentViews(list []domain.Deployment) []deploymentView {
	out := make([]deploymentView, 0, len(list))
	for _, d := range list {
		out = append(out, r.toDeploymentView(d))
	}
	return out
}
