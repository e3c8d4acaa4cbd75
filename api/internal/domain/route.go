package domain

import "time"

// Route binds a public subdomain to a published artifact.
type Route struct {
	SubDomain           string
	ProjectID           string
	DeploymentID        string
	ArtifactRef         string
	DeploymentCreatedAt time.Time
	UpdatedAt           time.Time
}

// Supersedes reports whether r should replace current under
// last-writer-wins by deployment creation time.
func (r Route) Supersedes(current Route) bool {
	if current.DeploymentID == "" {
		return true
	}
	if r.DeploymentID == current.DeploymentID {
		return true
	}
	return !r.DeploymentCreatedAt.Before(current.DeploymentCreatedAt)
}
