package domain

import "time"

// HistoryKind classifies a deployment history entry.
type HistoryKind string

const (
	HistoryDeployStarted   HistoryKind = "deploy_started"
	HistoryDeployed        HistoryKind = "deployed"
	HistoryBuildFailed     HistoryKind = "build_failed"
	HistoryDeployFailed    HistoryKind = "deploy_failed"
	HistoryRestarted       HistoryKind = "restarted"
	HistoryBackupCreated   HistoryKind = "backup_created"
	HistoryBackupFailed    HistoryKind = "backup_failed"
	HistorySettingsUpdated HistoryKind = "settings_updated"
)

// HistoryEvent is a persisted audit entry for a deployment.
type HistoryEvent struct {
	ID             string      `json:"id"`
	DeploymentName string      `json:"deploymentName"`
	Kind           HistoryKind `json:"kind"`
	Message        string      `json:"message,omitempty"`
	DurationMS     int64       `json:"durationMs,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// RequestLog records one proxied application request.
type RequestLog struct {
	ID             string    `json:"id"`
	DeploymentName string    `json:"deploymentName"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	Status         int       `json:"status"`
	DurationMS     float64   `json:"durationMs"`
	RemoteAddr     string    `json:"remoteAddr,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Backup describes an archive of a deployment's persistent volumes.
type Backup struct {
	ID             string    `json:"id"`
	DeploymentName string    `json:"deploymentName"`
	Path           string    `json:"path"`
	SizeBytes      int64     `json:"sizeBytes"`
	CreatedAt      time.Time `json:"createdAt"`
}
