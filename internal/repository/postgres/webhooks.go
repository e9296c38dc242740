package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/repository"
)

// CreateWebhookEvent persists an audit row (processed=false) and fills in its id.
func (r *Repository) CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `INSERT INTO webhook_events (project_id, event_type, action, branch,
			commit_sha, commit_message, author, payload, processed, deployment_triggered, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, false, $9)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query, event.ProjectID, event.EventType, event.Action,
		event.Branch, event.CommitSHA, event.CommitMessage, event.Author, event.Payload,
		event.ReceivedAt)
	return row.Scan(&event.ID)
}

// MarkWebhookProcessed finalizes the routing decision for an event.
func (r *Repository) MarkWebhookProcessed(ctx context.Context, id int64, deploymentTriggered bool) error {
	const query = `UPDATE webhook_events SET processed = true, deployment_triggered = $2
		WHERE id = $1 AND processed = false`
	tag, err := r.pool.Exec(ctx, query, id, deploymentTriggered)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListWebhookEvents returns recent events for a project, newest first.
func (r *Repository) ListWebhookEvents(ctx context.Context, projectID int64, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, event_type, action, branch, commit_sha,
			commit_message, author, payload, processed, deployment_triggered, received_at
		FROM webhook_events WHERE project_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.WebhookEvent, 0)
	for rows.Next() {
		var e domain.WebhookEvent
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventType, &e.Action, &e.Branch,
			&e.CommitSHA, &e.CommitMessage, &e.Author, &e.Payload, &e.Processed,
			&e.DeploymentTriggered, &e.ReceivedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSetting returns a configuration value by category and key.
func (r *Repository) GetSetting(ctx context.Context, category, key string) (string, error) {
	var value string
	row := r.pool.QueryRow(ctx, `SELECT value FROM settings WHERE category = $1 AND key = $2`, category, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return value, nil
}

// UpsertSetting stores a configuration value.
func (r *Repository) UpsertSetting(ctx context.Context, category, key, value string) error {
	const query = `INSERT INTO settings (category, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (category, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	_, err := r.pool.Exec(ctx, query, category, key, value)
	return err
}
