package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository      = (*Repository)(nil)
	_ repository.LogRepository          = (*Repository)(nil)
	_ repository.WebhookEventRepository = (*Repository)(nil)
	_ repository.InstallationRepository = (*Repository)(nil)
	_ repository.SettingsRepository     = (*Repository)(nil)
)

const projectColumns = `id, user_id, name, repo_url, branch, build_command, start_command,
	port, runtime, env_vars, auto_deploy, webhook_secret, container_id, custom_domain,
	tls_enabled, status, created_at, updated_at, last_deployed_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	var envVars []byte
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.RepoURL, &p.Branch, &p.BuildCommand,
		&p.StartCommand, &p.Port, &p.Runtime, &envVars, &p.AutoDeploy, &p.WebhookSecret,
		&p.ContainerID, &p.CustomDomain, &p.TLSEnabled, &p.Status, &p.CreatedAt,
		&p.UpdatedAt, &p.LastDeployedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &p.EnvVars); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// CreateProject inserts a project and fills in its generated identifier.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	envVars, err := json.Marshal(project.EnvVars)
	if err != nil {
		return err
	}
	const query = `INSERT INTO projects (user_id, name, repo_url, branch, build_command,
			start_command, port, runtime, env_vars, auto_deploy, webhook_secret,
			custom_domain, tls_enabled, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query, project.UserID, project.Name, project.RepoURL,
		project.Branch, project.BuildCommand, project.StartCommand, project.Port,
		project.Runtime, envVars, project.AutoDeploy, project.WebhookSecret,
		project.CustomDomain, project.TLSEnabled, project.Status, project.CreatedAt)
	if err := row.Scan(&project.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrDuplicateName
		}
		return err
	}
	return nil
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, id int64) (*domain.Project, error) {
	return scanProject(r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

// GetProjectByName fetches a project by its unique name.
func (r *Repository) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	return scanProject(r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = $1`, name))
}

// ListProjects returns the most recently created projects.
func (r *Repository) ListProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

// FindProjectsByRepoURLs matches projects by repository URL candidates.
func (r *Repository) FindProjectsByRepoURLs(ctx context.Context, urls []string) ([]domain.Project, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects WHERE repo_url = ANY($1)`, urls)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

func collectProjects(rows pgx.Rows) ([]domain.Project, error) {
	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProjectStatus persists status and container identifier atomically.
func (r *Repository) UpdateProjectStatus(ctx context.Context, id int64, status domain.ProjectStatus, containerID *string) error {
	const query = `UPDATE projects SET status = $2, container_id = $3, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status, containerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetLastDeployed records the completion timestamp of a successful pipeline run.
func (r *Repository) SetLastDeployed(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE projects SET last_deployed_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject removes a project; logs and webhook events cascade.
func (r *Repository) DeleteProject(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
