package repository

import (
	"context"

	"github.com/splax/localship/internal/domain"
)

// DeploymentRepository is the deployment registry: the single source of truth
// for name, port and status.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, name string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context) ([]domain.Deployment, error)
	DeleteDeployment(ctx context.Context, name string) error
}

// HistoryRepository stores deployment audit entries.
type HistoryRepository interface {
	InsertHistory(ctx context.Context, event domain.HistoryEvent) error
	ListHistory(ctx context.Context, name string, limit int) ([]domain.HistoryEvent, error)
}

// RequestLogRepository stores proxied request records.
type RequestLogRepository interface {
	InsertRequestLog(ctx context.Context, entry domain.RequestLog) error
	ListRequestLogs(ctx context.Context, name string, limit int) ([]domain.RequestLog, error)
}

// BackupRepository records volume backups.
type BackupRepository interface {
	InsertBackup(ctx context.Context, backup domain.Backup) error
	ListBackups(ctx context.Context, name string) ([]domain.Backup, error)
}

// UserRepository persists operator accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}
