package postgres

import (
	"context"
	"time"

	"github.com/Mike15254/md0-sub000/internal/domain"
)

// AppendDeploymentLog inserts a log entry and fills in its identifier.
func (r *Repository) AppendDeploymentLog(ctx context.Context, entry *domain.DeploymentLog) error {
	const query = `INSERT INTO deployment_logs (project_id, deployment_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	row := r.pool.QueryRow(ctx, query, entry.ProjectID, entry.DeploymentID, entry.Level, entry.Message, entry.CreatedAt)
	return row.Scan(&entry.ID)
}

// ListProjectLogs returns a project's log entries, newest first.
func (r *Repository) ListProjectLogs(ctx context.Context, projectID int64, limit, offset int) ([]domain.DeploymentLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, project_id, deployment_id, level, message, created_at
		FROM deployment_logs WHERE project_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var e domain.DeploymentLog
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.DeploymentID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListRecentLogs returns the newest log entries across all projects.
func (r *Repository) ListRecentLogs(ctx context.Context, limit int) ([]domain.DeploymentLog, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, deployment_id, level, message, created_at
		FROM deployment_logs ORDER BY id DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var e domain.DeploymentLog
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.DeploymentID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListRecentLogsForUser returns the newest log entries for the user's
// projects. Entries of unowned projects (user_id 0) are included.
func (r *Repository) ListRecentLogsForUser(ctx context.Context, userID int64, limit int) ([]domain.DeploymentLog, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT l.id, l.project_id, l.deployment_id, l.level, l.message, l.created_at
		FROM deployment_logs l
		INNER JOIN projects p ON p.id = l.project_id
		WHERE p.user_id IN (0, $1)
		ORDER BY l.id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var e domain.DeploymentLog
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.DeploymentID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountLogsSince counts entries created at or after the given instant.
func (r *Repository) CountLogsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	row := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM deployment_logs WHERE created_at >= $1`, since)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
