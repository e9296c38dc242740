package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/repository"
	"github.com/Mike15254/md0-sub000/pkg/crypto"
)

// ErrValidation wraps user-facing input problems.
var ErrValidation = errors.New("invalid project input")

// Project names become container names, image tags and nginx server names,
// so the charset is deliberately tight.
var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// CreateInput is the payload for registering a project.
type CreateInput struct {
	UserID        int64             `json:"user_id"`
	Name          string            `json:"name"`
	RepoURL       string            `json:"repo_url"`
	Branch        string            `json:"branch"`
	BuildCommand  string            `json:"build_command"`
	StartCommand  string            `json:"start_command"`
	Port          int               `json:"port"`
	Runtime       string            `json:"runtime"`
	EnvVars       map[string]string `json:"env_vars"`
	AutoDeploy    bool              `json:"auto_deploy"`
	WebhookSecret string            `json:"webhook_secret"`
	CustomDomain  string            `json:"custom_domain"`
	TLSEnabled    bool              `json:"tls_enabled"`
}

// Service validates and persists project records. Lifecycle operations live
// in the pipeline service.
type Service struct {
	repo       repository.ProjectRepository
	secretsKey string
	logger     *slog.Logger
}

func New(repo repository.ProjectRepository, secretsKey string, logger *slog.Logger) Service {
	return Service{repo: repo, secretsKey: secretsKey, logger: logger}
}

// Create validates the input and stores a new project in status stopped.
func (s Service) Create(ctx context.Context, in CreateInput) (*domain.Project, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	project := &domain.Project{
		UserID:       in.UserID,
		Name:         strings.ToLower(strings.TrimSpace(in.Name)),
		RepoURL:      strings.TrimSpace(in.RepoURL),
		Branch:       in.Branch,
		BuildCommand: in.BuildCommand,
		StartCommand: in.StartCommand,
		Port:         in.Port,
		Runtime:      domain.RuntimeKind(in.Runtime),
		EnvVars:      in.EnvVars,
		AutoDeploy:   in.AutoDeploy,
		TLSEnabled:   in.TLSEnabled,
		Status:       domain.StatusStopped,
	}
	if project.Branch == "" {
		project.Branch = "main"
	}
	if in.CustomDomain != "" {
		customDomain := strings.ToLower(strings.TrimSpace(in.CustomDomain))
		project.CustomDomain = &customDomain
	}
	if in.WebhookSecret != "" {
		sealed, err := crypto.EncryptString(s.secretsKey, in.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("seal webhook secret: %w", err)
		}
		project.WebhookSecret = sealed
	}

	if err := s.repo.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project", project.Name, "runtime", project.Runtime)
	return project, nil
}

// Get fetches a project by id.
func (s Service) Get(ctx context.Context, id int64) (*domain.Project, error) {
	return s.repo.GetProjectByID(ctx, id)
}

// GetByName fetches a project by its unique name.
func (s Service) GetByName(ctx context.Context, name string) (*domain.Project, error) {
	return s.repo.GetProjectByName(ctx, name)
}

// List returns the newest projects up to the limit.
func (s Service) List(ctx context.Context, limit int) ([]domain.Project, error) {
	return s.repo.ListProjects(ctx, limit)
}

// WebhookSecret decrypts the project's stored per-project secret. Empty when
// none was configured.
func (s Service) WebhookSecret(project *domain.Project) (string, error) {
	if len(project.WebhookSecret) == 0 {
		return "", nil
	}
	return crypto.DecryptToString(s.secretsKey, project.WebhookSecret)
}

func validate(in CreateInput) error {
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: name must be lowercase alphanumeric with hyphens", ErrValidation)
	}
	repoURL := strings.TrimSpace(in.RepoURL)
	if repoURL == "" {
		return fmt.Errorf("%w: repo_url is required", ErrValidation)
	}
	if !strings.HasPrefix(repoURL, "https://") && !strings.HasPrefix(repoURL, "http://") && !strings.HasPrefix(repoURL, "git@") {
		return fmt.Errorf("%w: repo_url must be an https or ssh git URL", ErrValidation)
	}
	runtime := domain.RuntimeKind(in.Runtime)
	if !runtime.Valid() {
		return fmt.Errorf("%w: runtime must be one of node, python, static", ErrValidation)
	}
	if in.Port < 1 || in.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrValidation)
	}
	return nil
}
