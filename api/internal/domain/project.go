package domain

import "time"

// Project describes a deployable repository owned by a user.
type Project struct {
	ID             string
	UserID         string
	Name           string
	GitURL         string
	SubDomain      string
	Favicon        string
	InstallCommand string
	BuildCommand   string
	OutputPort     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProjectSummary pairs a project with the state of its newest deployment.
type ProjectSummary struct {
	Project            Project
	LatestDeploymentID string
	State              DeploymentState
	LiveURL            string
}
