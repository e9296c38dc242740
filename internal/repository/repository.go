package repository

import (
	"context"
	"time"

	"github.com/Mike15254/md0-sub000/internal/domain"
)

// ProjectRepository persists project records and lifecycle state.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id int64) (*domain.Project, error)
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
	ListProjects(ctx context.Context, limit int) ([]domain.Project, error)
	// FindProjectsByRepoURLs matches projects whose repository URL equals any
	// of the provided candidates (used to route webhook payloads).
	FindProjectsByRepoURLs(ctx context.Context, urls []string) ([]domain.Project, error)
	// UpdateProjectStatus persists status and the container identifier in one
	// write. A nil containerID clears the column.
	UpdateProjectStatus(ctx context.Context, id int64, status domain.ProjectStatus, containerID *string) error
	SetLastDeployed(ctx context.Context, id int64, at time.Time) error
	DeleteProject(ctx context.Context, id int64) error
}

// LogRepository handles deployment log persistence and retrieval.
type LogRepository interface {
	AppendDeploymentLog(ctx context.Context, entry *domain.DeploymentLog) error
	ListProjectLogs(ctx context.Context, projectID int64, limit, offset int) ([]domain.DeploymentLog, error)
	ListRecentLogs(ctx context.Context, limit int) ([]domain.DeploymentLog, error)
	// ListRecentLogsForUser restricts recent logs to projects the user owns,
	// plus unowned projects.
	ListRecentLogsForUser(ctx context.Context, userID int64, limit int) ([]domain.DeploymentLog, error)
	CountLogsSince(ctx context.Context, since time.Time) (int, error)
}

// WebhookEventRepository stores the webhook audit trail.
type WebhookEventRepository interface {
	CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	// MarkWebhookProcessed finalizes the routing decision for an event. It is
	// called exactly once per stored event.
	MarkWebhookProcessed(ctx context.Context, id int64, deploymentTriggered bool) error
	ListWebhookEvents(ctx context.Context, projectID int64, limit int) ([]domain.WebhookEvent, error)
}

// InstallationRepository manages GitHub App installation bookkeeping.
type InstallationRepository interface {
	UpsertInstallation(ctx context.Context, inst *domain.Installation) error
	DeactivateInstallation(ctx context.Context, installationID int64) error
	GetInstallationByID(ctx context.Context, installationID int64) (*domain.Installation, error)
	// FindInstallationByRepo resolves the active installation granting access
	// to the repository full name (owner/repo).
	FindInstallationByRepo(ctx context.Context, fullName string) (*domain.Installation, error)
	ReplaceInstallationRepos(ctx context.Context, installationID int64, fullNames []string) error
	AddInstallationRepos(ctx context.Context, installationID int64, fullNames []string) error
	RemoveInstallationRepos(ctx context.Context, installationID int64, fullNames []string) error
}

// SettingsRepository provides categorized key/value configuration storage.
type SettingsRepository interface {
	GetSetting(ctx context.Context, category, key string) (string, error)
	UpsertSetting(ctx context.Context, category, key, value string) error
}
