package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/githubapp"
	"github.com/Mike15254/md0-sub000/internal/repository"
	"github.com/Mike15254/md0-sub000/internal/service/logs"
	"github.com/Mike15254/md0-sub000/internal/service/pipeline"
)

var (
	// ErrSecretUnconfigured means the webhook secret has not been set up.
	ErrSecretUnconfigured = errors.New("webhook secret not configured")
	// ErrBadSignature means the payload signature did not verify.
	ErrBadSignature = errors.New("webhook signature mismatch")
)

// Deployer dispatches a deployment for a project.
type Deployer interface {
	Deploy(ctx context.Context, projectID int64) (string, error)
}

// SecretSource decrypts a project's stored webhook secret. Empty when the
// project has none.
type SecretSource interface {
	WebhookSecret(project *domain.Project) (string, error)
}

// Result describes how an incoming delivery was handled.
type Result struct {
	Message   string `json:"message"`
	Triggered bool   `json:"deployment_triggered"`
}

// Service verifies and routes GitHub webhook deliveries.
type Service struct {
	settings  repository.SettingsRepository
	projects  repository.ProjectRepository
	events    repository.WebhookEventRepository
	installs  githubapp.Installations
	deployer  Deployer
	logs      logs.Service
	secrets   SecretSource
	logger    *slog.Logger
	envSecret string
}

// New wires a webhook service. envSecret is the fallback secret used when no
// secret is stored in settings; secrets may be nil when per-project secrets
// are not in use.
func New(
	settings repository.SettingsRepository,
	projects repository.ProjectRepository,
	eventRepo repository.WebhookEventRepository,
	installs githubapp.Installations,
	deployer Deployer,
	logSink logs.Service,
	secrets SecretSource,
	envSecret string,
	logger *slog.Logger,
) Service {
	return Service{
		settings:  settings,
		projects:  projects,
		events:    eventRepo,
		installs:  installs,
		deployer:  deployer,
		logs:      logSink,
		secrets:   secrets,
		logger:    logger,
		envSecret: envSecret,
	}
}

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Repository repoPayload `json:"repository"`
}

type repoEventPayload struct {
	Action     string      `json:"action"`
	Repository repoPayload `json:"repository"`
}

type repoPayload struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	CloneURL string `json:"clone_url"`
	SSHURL   string `json:"ssh_url"`
}

// candidateURLs lists every form a stored project URL might take for this
// repository.
func (r repoPayload) candidateURLs() []string {
	urls := make([]string, 0, 4)
	for _, u := range []string{r.HTMLURL, r.HTMLURL + ".git", r.CloneURL, r.SSHURL} {
		if u != "" && u != ".git" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Handle processes one delivery. Verification happens over the raw body
// before any parsing; a bad signature changes no state.
func (s Service) Handle(ctx context.Context, body []byte, signature, eventType string) (Result, error) {
	secret, err := s.secret(ctx)
	if err != nil {
		return Result{}, err
	}
	if signature != "" {
		if !verifySignature(body, signature, secret) {
			return Result{}, ErrBadSignature
		}
	}

	switch eventType {
	case "installation", "installation_repositories":
		if err := s.installs.Sync(ctx, eventType, body); err != nil {
			return Result{}, fmt.Errorf("sync installation: %w", err)
		}
		return Result{Message: "installation updated"}, nil
	case "push":
		return s.handlePush(ctx, body, signature)
	case "pull_request", "release":
		return s.handleRepoEvent(ctx, eventType, body)
	default:
		s.logger.Info("ignoring webhook event", "event", eventType)
		return Result{Message: "event ignored"}, nil
	}
}

func (s Service) handlePush(ctx context.Context, body []byte, signature string) (Result, error) {
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{}, fmt.Errorf("parse push payload: %w", err)
	}

	projects, err := s.projects.FindProjectsByRepoURLs(ctx, payload.Repository.candidateURLs())
	if err != nil {
		return Result{}, fmt.Errorf("match projects: %w", err)
	}
	if len(projects) == 0 {
		return Result{Message: "no project tracks this repository"}, nil
	}

	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	triggered := false
	for i := range projects {
		project := &projects[i]
		event := &domain.WebhookEvent{
			ProjectID:     project.ID,
			EventType:     "push",
			Branch:        branch,
			CommitSHA:     payload.After,
			CommitMessage: payload.HeadCommit.Message,
			Author:        payload.authorName(),
			Payload:       json.RawMessage(body),
		}
		if err := s.events.CreateWebhookEvent(ctx, event); err != nil {
			return Result{}, fmt.Errorf("store webhook event: %w", err)
		}

		if !s.projectSecretOK(project, body, signature) {
			s.markProcessed(ctx, event.ID, false)
			continue
		}
		if branch != project.Branch {
			s.logger.Info("push branch does not match project branch",
				"project", project.Name, "pushed", branch, "configured", project.Branch)
			s.markProcessed(ctx, event.ID, false)
			continue
		}
		if !project.AutoDeploy {
			s.logger.Info("auto deploy disabled, push recorded only", "project", project.Name)
			s.markProcessed(ctx, event.ID, false)
			continue
		}

		s.appendLog(ctx, project, fmt.Sprintf("push to %s by %s (%s), deploying",
			branch, event.Author, shortSHA(payload.After)))

		if _, err := s.deployer.Deploy(ctx, project.ID); err != nil {
			if errors.Is(err, pipeline.ErrDeployInFlight) {
				s.appendLog(ctx, project, "deployment already in flight, push recorded only")
				s.markProcessed(ctx, event.ID, false)
				continue
			}
			s.markProcessed(ctx, event.ID, false)
			return Result{}, fmt.Errorf("trigger deployment for %s: %w", project.Name, err)
		}
		s.markProcessed(ctx, event.ID, true)
		triggered = true
	}

	if triggered {
		return Result{Message: "deployment triggered", Triggered: true}, nil
	}
	return Result{Message: "push recorded"}, nil
}

// handleRepoEvent records pull_request and release deliveries for audit.
// They never trigger a deployment.
func (s Service) handleRepoEvent(ctx context.Context, eventType string, body []byte) (Result, error) {
	var payload repoEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{}, fmt.Errorf("parse %s payload: %w", eventType, err)
	}

	projects, err := s.projects.FindProjectsByRepoURLs(ctx, payload.Repository.candidateURLs())
	if err != nil {
		return Result{}, fmt.Errorf("match projects: %w", err)
	}
	if len(projects) == 0 {
		return Result{Message: "no project tracks this repository"}, nil
	}

	for i := range projects {
		project := &projects[i]
		event := &domain.WebhookEvent{
			ProjectID: project.ID,
			EventType: eventType,
			Action:    payload.Action,
			Payload:   json.RawMessage(body),
		}
		if err := s.events.CreateWebhookEvent(ctx, event); err != nil {
			return Result{}, fmt.Errorf("store webhook event: %w", err)
		}
		s.markProcessed(ctx, event.ID, false)
	}
	return Result{Message: eventType + " recorded"}, nil
}

// projectSecretOK enforces a project's stored webhook secret on top of the
// engine-wide verification: when the project carries its own secret, the
// delivery signature must also verify against it.
func (s Service) projectSecretOK(project *domain.Project, body []byte, signature string) bool {
	if s.secrets == nil || len(project.WebhookSecret) == 0 {
		return true
	}
	secret, err := s.secrets.WebhookSecret(project)
	if err != nil {
		s.logger.Error("could not decrypt project webhook secret", "project", project.Name, "error", err)
		return false
	}
	if secret == "" {
		return true
	}
	if signature == "" || !verifySignature(body, signature, secret) {
		s.logger.Warn("delivery signature does not match project secret", "project", project.Name)
		return false
	}
	return true
}

func (s Service) secret(ctx context.Context) (string, error) {
	value, err := s.settings.GetSetting(ctx, "webhooks", "github_secret")
	if err == nil && value != "" {
		return value, nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("load webhook secret: %w", err)
	}
	if s.envSecret != "" {
		return s.envSecret, nil
	}
	return "", ErrSecretUnconfigured
}

// Events returns the stored delivery trail for a project.
func (s Service) Events(ctx context.Context, projectID int64, limit int) ([]domain.WebhookEvent, error) {
	return s.events.ListWebhookEvents(ctx, projectID, limit)
}

func (s Service) markProcessed(ctx context.Context, eventID int64, triggered bool) {
	if err := s.events.MarkWebhookProcessed(ctx, eventID, triggered); err != nil {
		s.logger.Error("could not mark webhook event processed", "event_id", eventID, "error", err)
	}
}

func (s Service) appendLog(ctx context.Context, project *domain.Project, message string) {
	err := s.logs.Append(ctx, project.UserID, domain.DeploymentLog{
		ProjectID: project.ID,
		Level:     domain.LogInfo,
		Message:   message,
	})
	if err != nil {
		s.logger.Error("could not append webhook log", "project", project.Name, "error", err)
	}
}

func (p pushPayload) authorName() string {
	if p.HeadCommit.Author.Name != "" {
		return p.HeadCommit.Author.Name
	}
	return p.Pusher.Name
}

// verifySignature checks an X-Hub-Signature-256 header value against the raw
// body using constant-time comparison.
func verifySignature(body []byte, header, secret string) bool {
	supplied := strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(supplied), []byte(expected))
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
