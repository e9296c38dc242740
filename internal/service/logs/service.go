package logs

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/events"
	"github.com/Mike15254/md0-sub000/internal/repository"
)

// Service is the deployment log sink: entries are persisted append-only and
// simultaneously fanned out to realtime subscribers.
type Service struct {
	repo   repository.LogRepository
	bus    *events.Hub
	logger *slog.Logger
}

// New constructs a log sink.
func New(repo repository.LogRepository, bus *events.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, bus: bus, logger: logger}
}

// Append stores a log entry and pushes it to the owning user's clients.
// Persistence happens before fanout so the stored trail stays the source of
// ordering truth for a deployment.
func (s Service) Append(ctx context.Context, userID int64, entry domain.DeploymentLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendDeploymentLog(ctx, &entry); err != nil {
		return err
	}
	s.bus.SendToUser(userID, events.Frame{Type: events.TypeDeploymentLog, Data: EntryPayload(entry)})
	return nil
}

// List returns logs for a project.
func (s Service) List(ctx context.Context, projectID int64, limit, offset int) ([]domain.DeploymentLog, error) {
	return s.repo.ListProjectLogs(ctx, projectID, limit, offset)
}

// RecentForUser returns the newest entries for projects visible to the user.
func (s Service) RecentForUser(ctx context.Context, userID int64, limit int) ([]domain.DeploymentLog, error) {
	return s.repo.ListRecentLogsForUser(ctx, userID, limit)
}

// Recent returns the newest entries across all projects.
func (s Service) Recent(ctx context.Context, limit int) ([]domain.DeploymentLog, error) {
	return s.repo.ListRecentLogs(ctx, limit)
}

// CountSince counts entries created at or after the given instant.
func (s Service) CountSince(ctx context.Context, since time.Time) (int, error) {
	return s.repo.CountLogsSince(ctx, since)
}

// EntryPayload formats a log entry for streaming frames and API responses.
func EntryPayload(entry domain.DeploymentLog) map[string]any {
	return map[string]any{
		"id":            entry.ID,
		"project_id":    entry.ProjectID,
		"deployment_id": entry.DeploymentID,
		"level":         entry.Level,
		"message":       entry.Message,
		"created_at":    entry.CreatedAt.Format(time.RFC3339Nano),
	}
}
