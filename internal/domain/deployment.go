package domain

import "time"

// DeploymentStatus enumerates the lifecycle states of a deployment.
type DeploymentStatus string

const (
	StatusUploading DeploymentStatus = "uploading"
	StatusBuilding  DeploymentStatus = "building"
	StatusStarting  DeploymentStatus = "starting"
	StatusRunning   DeploymentStatus = "running"
	StatusFailed    DeploymentStatus = "failed"
	StatusStopped   DeploymentStatus = "stopped"
)

// ProjectType is the build strategy chosen during classification.
type ProjectType string

const (
	ProjectDocker  ProjectType = "docker"
	ProjectNode    ProjectType = "node"
	ProjectStatic  ProjectType = "static"
	ProjectUnknown ProjectType = "unknown"
)

// Deployment is one managed unit: a container, its host port and hostname.
type Deployment struct {
	Name         string           `json:"name"`
	Type         ProjectType      `json:"type"`
	Status       DeploymentStatus `json:"status"`
	Port         int              `json:"port,omitempty"`
	ContainerRef string           `json:"containerRef,omitempty"`
	Directory    string           `json:"directory,omitempty"`
	AutoBackup   bool             `json:"autoBackup"`
	Discoverable bool             `json:"discoverable"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Reachable reports whether the proxy may forward traffic to the deployment.
func (d Deployment) Reachable() bool {
	return d.Status == StatusRunning && d.Port > 0
}

// DeploymentSettings captures the operator-editable flags of a deployment.
type DeploymentSettings struct {
	AutoBackup   *bool `json:"autoBackup,omitempty"`
	Discoverable *bool `json:"discoverable,omitempty"`
}

// Empty reports whether no setting is being changed.
func (s DeploymentSettings) Empty() bool {
	return s.AutoBackup == nil && s.Discoverable == nil
}
