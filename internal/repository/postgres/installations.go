package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/repository"
)

// UpsertInstallation creates or reactivates an installation record.
func (r *Repository) UpsertInstallation(ctx context.Context, inst *domain.Installation) error {
	const query = `INSERT INTO github_app_installations
			(installation_id, user_id, account_login, account_type, permissions, events, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, now(), now())
		ON CONFLICT (installation_id) DO UPDATE SET
			user_id = COALESCE(EXCLUDED.user_id, github_app_installations.user_id),
			account_login = EXCLUDED.account_login,
			account_type = EXCLUDED.account_type,
			permissions = EXCLUDED.permissions,
			events = EXCLUDED.events,
			active = true,
			updated_at = now()`
	_, err := r.pool.Exec(ctx, query, inst.ID, inst.UserID, inst.AccountLogin,
		inst.AccountType, inst.Permissions, inst.Events)
	return err
}

// DeactivateInstallation soft-deletes an installation; rows are never removed.
func (r *Repository) DeactivateInstallation(ctx context.Context, installationID int64) error {
	const query = `UPDATE github_app_installations SET active = false, updated_at = now()
		WHERE installation_id = $1`
	tag, err := r.pool.Exec(ctx, query, installationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const installationColumns = `installation_id, user_id, account_login, account_type,
	permissions, events, active, created_at, updated_at`

func scanInstallation(row pgx.Row) (*domain.Installation, error) {
	var inst domain.Installation
	if err := row.Scan(&inst.ID, &inst.UserID, &inst.AccountLogin, &inst.AccountType,
		&inst.Permissions, &inst.Events, &inst.Active, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &inst, nil
}

// GetInstallationByID fetches an installation record.
func (r *Repository) GetInstallationByID(ctx context.Context, installationID int64) (*domain.Installation, error) {
	query := `SELECT ` + installationColumns + ` FROM github_app_installations WHERE installation_id = $1`
	return scanInstallation(r.pool.QueryRow(ctx, query, installationID))
}

// FindInstallationByRepo resolves the active installation granting access to a
// repository full name.
func (r *Repository) FindInstallationByRepo(ctx context.Context, fullName string) (*domain.Installation, error) {
	query := `SELECT i.installation_id, i.user_id, i.account_login, i.account_type,
			i.permissions, i.events, i.active, i.created_at, i.updated_at
		FROM github_app_installations i
		INNER JOIN github_repositories r ON r.installation_id = i.installation_id
		WHERE r.full_name = $1 AND i.active = true
		ORDER BY i.updated_at DESC LIMIT 1`
	return scanInstallation(r.pool.QueryRow(ctx, query, fullName))
}

// ReplaceInstallationRepos overwrites the repository list for an installation.
func (r *Repository) ReplaceInstallationRepos(ctx context.Context, installationID int64, fullNames []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM github_repositories WHERE installation_id = $1`, installationID); err != nil {
		return err
	}
	for _, name := range fullNames {
		if _, err := tx.Exec(ctx, `INSERT INTO github_repositories (installation_id, full_name, created_at)
			VALUES ($1, $2, now()) ON CONFLICT (installation_id, full_name) DO NOTHING`, installationID, name); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// AddInstallationRepos appends repositories to an installation's grant.
func (r *Repository) AddInstallationRepos(ctx context.Context, installationID int64, fullNames []string) error {
	for _, name := range fullNames {
		if _, err := r.pool.Exec(ctx, `INSERT INTO github_repositories (installation_id, full_name, created_at)
			VALUES ($1, $2, now()) ON CONFLICT (installation_id, full_name) DO NOTHING`, installationID, name); err != nil {
			return err
		}
	}
	return nil
}

// RemoveInstallationRepos drops repositories from an installation's grant.
func (r *Repository) RemoveInstallationRepos(ctx context.Context, installationID int64, fullNames []string) error {
	if len(fullNames) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM github_repositories
		WHERE installation_id = $1 AND full_name = ANY($2)`, installationID, fullNames)
	return err
}
