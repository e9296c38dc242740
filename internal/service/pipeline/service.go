package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/events"
	"github.com/Mike15254/md0-sub000/internal/githubapp"
	"github.com/Mike15254/md0-sub000/internal/repository"
	"github.com/Mike15254/md0-sub000/internal/runner"
	"github.com/Mike15254/md0-sub000/internal/service/logs"
)

// ErrInvalidTransition is returned when a lifecycle operation is not allowed
// from the project's current status.
var ErrInvalidTransition = errors.New("invalid project status transition")

// Exposer is the domain/TLS collaborator: it wires the reverse proxy and
// certificates for a deployed project.
type Exposer interface {
	Configure(ctx context.Context, userID int64, domainName, projectName string, port int, tlsEnabled bool) error
	ProvisionTLS(ctx context.Context, userID int64, domainName string) error
	Remove(ctx context.Context, projectName string) error
}

// Config carries the pipeline's tunables.
type Config struct {
	WorkspaceRoot  string
	GitBin         string
	DockerBin      string
	CloneTimeout   time.Duration
	BuildTimeout   time.Duration
	CommandTimeout time.Duration
	HealthSettle   time.Duration
	ImagePrefix    string
	// DomainSuffix is appended to the project name when no custom domain is
	// configured.
	DomainSuffix string
}

// Service runs the deployment pipeline and the container lifecycle
// operations. At most one deployment may be in flight per project.
type Service struct {
	projects repository.ProjectRepository
	installs repository.InstallationRepository
	logs     logs.Service
	bus      *events.Hub
	runner   runner.Runner
	tokens   githubapp.TokenSource
	ingress  Exposer
	ws       workspace
	cfg      Config
	logger   *slog.Logger
	locks    *deployLocks
}

// New wires a pipeline service. tokens and ingress may be nil when GitHub App
// auth or proxy management is not configured.
func New(
	projects repository.ProjectRepository,
	installs repository.InstallationRepository,
	logSink logs.Service,
	bus *events.Hub,
	run runner.Runner,
	tokens githubapp.TokenSource,
	ingress Exposer,
	cfg Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		projects: projects,
		installs: installs,
		logs:     logSink,
		bus:      bus,
		runner:   run,
		tokens:   tokens,
		ingress:  ingress,
		ws:       workspace{root: cfg.WorkspaceRoot},
		cfg:      cfg,
		logger:   logger,
		locks:    newDeployLocks(),
	}
}

// ActiveDeployments reports how many pipeline runs are in flight.
func (s *Service) ActiveDeployments() int {
	return s.locks.Count()
}

// Deploy starts a deployment for the project and returns immediately with
// the new deployment id. The pipeline itself runs in the background; callers
// observe the terminal status via the project record or the event bus.
func (s *Service) Deploy(ctx context.Context, projectID int64) (string, error) {
	if !s.locks.TryAcquire(projectID) {
		return "", ErrDeployInFlight
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		s.locks.Release(projectID)
		return "", err
	}
	if !project.Status.CanTransition(domain.StatusBuilding) {
		s.locks.Release(projectID)
		return "", fmt.Errorf("%w: cannot deploy project in status %s", ErrInvalidTransition, project.Status)
	}
	return s.launch(ctx, project)
}

// launch moves the project into building and hands the held lock to the
// background run, which releases it when the pipeline finishes.
func (s *Service) launch(ctx context.Context, project *domain.Project) (string, error) {
	deploymentID := uuid.NewString()
	if err := s.setStatus(ctx, project, domain.StatusBuilding, nil, deploymentID); err != nil {
		s.locks.Release(project.ID)
		return "", err
	}

	deploymentsInFlight.Inc()
	go s.run(context.WithoutCancel(ctx), project, deploymentID)
	return deploymentID, nil
}

// run executes the pipeline steps in order. It owns the project lock for its
// whole duration.
func (s *Service) run(ctx context.Context, project *domain.Project, deploymentID string) {
	started := time.Now()
	defer func() {
		s.locks.Release(project.ID)
		deploymentsInFlight.Dec()
		deploymentDuration.Observe(time.Since(started).Seconds())
	}()
	defer func() {
		if err := s.ws.Cleanup(project.Name, deploymentID); err != nil {
			s.logger.Warn("workspace cleanup failed", "project", project.Name, "error", err)
		}
	}()

	s.say(ctx, project, deploymentID, domain.LogInfo, fmt.Sprintf("deployment %s started for %s@%s", deploymentID, project.RepoURL, project.Branch))

	token, err := s.resolveCredentials(ctx, project, deploymentID)
	if err != nil {
		s.fail(ctx, project, deploymentID, stepErr("resolve_credentials", err))
		return
	}

	dir, err := s.fetchSource(ctx, project, deploymentID, token)
	if err != nil {
		s.fail(ctx, project, deploymentID, stepErr("fetch_source", err))
		return
	}

	if err := s.prepareBuildSpec(ctx, project, deploymentID, dir); err != nil {
		s.fail(ctx, project, deploymentID, stepErr("build_spec", err))
		return
	}

	image := s.imageTag(project, deploymentID)
	if err := s.buildImage(ctx, project, deploymentID, dir, image); err != nil {
		s.fail(ctx, project, deploymentID, stepErr("build_image", err))
		return
	}

	s.stopPrevious(ctx, project, deploymentID)

	containerID, err := s.startContainer(ctx, project, deploymentID, image)
	if err != nil {
		s.fail(ctx, project, deploymentID, stepErr("start_container", err))
		return
	}

	s.healthSettle(ctx, project, deploymentID, containerID)

	if err := s.expose(ctx, project, deploymentID); err != nil {
		s.fail(ctx, project, deploymentID, stepErr("expose", err))
		return
	}

	if err := s.finalize(ctx, project, deploymentID, containerID); err != nil {
		s.fail(ctx, project, deploymentID, stepErr("finalize", err))
		return
	}

	deploymentsTotal.WithLabelValues("success").Inc()
	s.say(ctx, project, deploymentID, domain.LogSuccess, fmt.Sprintf("deployment %s completed, project is running", deploymentID))
}

// Step 1: locate an installation for the repository and exchange it for a
// short-lived token. No matching installation means the clone proceeds
// unauthenticated; a failed exchange for a matched installation is fatal.
func (s *Service) resolveCredentials(ctx context.Context, project *domain.Project, deploymentID string) (string, error) {
	if s.tokens == nil {
		return "", nil
	}
	fullName := repoFullName(project.RepoURL)
	if fullName == "" {
		return "", nil
	}
	inst, err := s.installs.FindInstallationByRepo(ctx, fullName)
	if errors.Is(err, repository.ErrNotFound) {
		s.say(ctx, project, deploymentID, domain.LogInfo, "no app installation covers this repository, cloning unauthenticated")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("look up installation: %w", err)
	}
	token, _, err := s.tokens.InstallationToken(ctx, inst.ID)
	if err != nil {
		return "", fmt.Errorf("installation token for %s: %w", inst.AccountLogin, err)
	}
	s.say(ctx, project, deploymentID, domain.LogInfo, fmt.Sprintf("using installation credentials for %s", inst.AccountLogin))
	return token, nil
}

// Step 2: shallow-clone the configured branch, then point the remote back at
// the credential-free URL so no token survives on disk.
func (s *Service) fetchSource(ctx context.Context, project *domain.Project, deploymentID string, token string) (string, error) {
	dir, err := s.ws.Prepare(project.Name, deploymentID)
	if err != nil {
		return "", err
	}

	cloneURL := project.RepoURL
	if token != "" {
		cloneURL = authenticatedRepoURL(project.RepoURL, token)
	}
	s.say(ctx, project, deploymentID, domain.LogInfo, fmt.Sprintf("cloning branch %s", project.Branch))

	res, err := s.runner.Run(ctx, runner.Command{
		Name:    s.cfg.GitBin,
		Args:    []string{"clone", "--depth", "1", "--branch", project.Branch, cloneURL, "."},
		Dir:     dir,
		Timeout: s.cfg.CloneTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("git clone: %w: %s", err, sanitizeToken(res.Combined(), token))
	}

	if token != "" {
		if _, err := s.runner.Run(ctx, runner.Command{
			Name:    s.cfg.GitBin,
			Args:    []string{"remote", "set-url", "origin", project.RepoURL},
			Dir:     dir,
			Timeout: s.cfg.CommandTimeout,
		}); err != nil {
			return "", fmt.Errorf("scrub remote url: %w", err)
		}
	}
	return dir, nil
}

// Step 3: use the repository's own Dockerfile when present, otherwise write
// one derived from the runtime kind.
func (s *Service) prepareBuildSpec(ctx context.Context, project *domain.Project, deploymentID, dir string) error {
	generated, err := ensureDockerfile(dir, project)
	if err != nil {
		return err
	}
	if generated {
		s.say(ctx, project, deploymentID, domain.LogInfo, fmt.Sprintf("no Dockerfile in repository, generated one for runtime %s", project.Runtime))
	} else {
		s.say(ctx, project, deploymentID, domain.LogInfo, "using Dockerfile from repository")
	}
	return nil
}

// Step 4: build and verify the image.
func (s *Service) buildImage(ctx context.Context, project *domain.Project, deploymentID, dir, image string) error {
	s.say(ctx, project, deploymentID, domain.LogInfo, fmt.Sprintf("building image %s", image))

	res, err := s.runner.Run(ctx, runner.Command{
		Name:    s.cfg.DockerBin,
		Args:    []string{"build", "-t", image, "."},
		Dir:     dir,
		Timeout: s.cfg.BuildTimeout,
	})
	if err != nil {
		msg := fmt.Sprintf("image build failed: %v", err)
		if hint := classifyBuildFailure(res.Combined()); hint != "" {
			msg += " (" + hint + ")"
		}
		return errors.New(msg)
	}

	if _, err := s.runner.Run(ctx, runner.Command{
		Name:    s.cfg.DockerBin,
		Args:    []string{"image", "inspect", image},
		Timeout: s.cfg.CommandTimeout,
	}); err != nil {
		return fmt.Errorf("image %s missing after build: %w", image, err)
	}
	s.say(ctx, project, deploymentID, domain.LogSuccess, "image built")
	return nil
}

// Step 5: best-effort removal of the previous container. The project may
// never have run before, so failures are warnings.
func (s *Service) stopPrevious(ctx context.Context, project *domain.Project, deploymentID string) {
	targets := make([]string, 0, 2)
	if project.ContainerID != nil && *project.ContainerID != "" {
		targets = append(targets, *project.ContainerID)
	}
	targets = append(targets, s.containerName(project))

	seen := map[string]bool{}
	for _, target := range targets {
		if seen[target] {
			continue
		}
		seen[target] = true
		if res, err := s.runner.Run(ctx, runner.Command{
			Name:    s.cfg.DockerBin,
			Args:    []string{"rm", "-f", target},
			Timeout: s.cfg.CommandTimeout,
		}); err != nil {
			if strings.Contains(res.Stderr, "No such container") {
				continue
			}
			s.say(ctx, project, deploymentID, domain.LogWarning, fmt.Sprintf("could not remove previous container %s: %v", target, err))
		}
	}
}

// Step 6: run the new container detached and verify it came up.
func (s *Service) startContainer(ctx context.Context, project *domain.Project, deploymentID, image string) (string, error) {
	name := s.containerName(project)
	containerPort := project.Port
	if project.Runtime == domain.RuntimeStatic {
		containerPort = 80
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--restart", "unless-stopped",
		"-p", fmt.Sprintf("%d:%d", project.Port, containerPort),
		"-e", fmt.Sprintf("PORT=%d", containerPort),
	}
	for key, value := range project.EnvVars {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}
	args = append(args, image)

	s.say(ctx, project, deploymentID, domain.LogInfo, fmt.Sprintf("starting container %s on port %d", name, project.Port))

	res, err := s.runner.Run(ctx, runner.Command{
		Name:    s.cfg.DockerBin,
		Args:    args,
		Timeout: s.cfg.CommandTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("container start: %w: %s", err, res.Combined())
	}
	containerID := strings.TrimSpace(res.Stdout)

	stateRes, err := s.runner.Run(ctx, runner.Command{
		Name:    s.cfg.DockerBin,
		Args:    []string{"inspect", "-f", "{{.State.Running}}", containerID},
		Timeout: s.cfg.CommandTimeout,
	})
	if err != nil || strings.TrimSpace(stateRes.Stdout) != "true" {
		logsRes, _ := s.runner.Run(ctx, runner.Command{
			Name:    s.cfg.DockerBin,
			Args:    []string{"logs", "--tail", "50", containerID},
			Timeout: s.cfg.CommandTimeout,
		})
		return "", fmt.Errorf("container exited immediately: %s", logsRes.Combined())
	}

	s.say(ctx, project, deploymentID, domain.LogSuccess, "container started")
	return containerID, nil
}

// Step 7: give the process a moment, then confirm it is still up. Any problem
// here is reported as a warning only.
func (s *Service) healthSettle(ctx context.Context, project *domain.Project, deploymentID, containerID string) {
	if s.cfg.HealthSettle > 0 {
		select {
		case <-time.After(s.cfg.HealthSettle):
		case <-ctx.Done():
			return
		}
	}
	res, err := s.runner.Run(ctx, runner.Command{
		Name:    s.cfg.DockerBin,
		Args:    []string{"inspect", "-f", "{{.State.Running}}", containerID},
		Timeout: s.cfg.CommandTimeout,
	})
	switch {
	case err != nil:
		s.say(ctx, project, deploymentID, domain.LogWarning, fmt.Sprintf("health check could not complete: %v", err))
	case strings.TrimSpace(res.Stdout) != "true":
		s.say(ctx, project, deploymentID, domain.LogWarning, "container is no longer running after settle interval")
	default:
		s.say(ctx, project, deploymentID, domain.LogInfo, "container healthy after settle interval")
	}
}

// Step 8: wire the reverse proxy and, for custom domains with TLS enabled,
// provision a certificate.
func (s *Service) expose(ctx context.Context, project *domain.Project, deploymentID string) error {
	if s.ingress == nil {
		s.say(ctx, project, deploymentID, domain.LogInfo, "ingress not configured, skipping proxy setup")
		return nil
	}
	domainName := s.projectDomain(project)
	s.say(ctx, project, deploymentID, domain.LogInfo, fmt.Sprintf("configuring proxy for %s", domainName))

	if err := s.ingress.Configure(ctx, project.UserID, domainName, project.Name, project.Port, project.TLSEnabled); err != nil {
		return fmt.Errorf("configure proxy: %w", err)
	}
	if project.CustomDomain != nil && project.TLSEnabled {
		if err := s.ingress.ProvisionTLS(ctx, project.UserID, domainName); err != nil {
			return fmt.Errorf("provision tls for %s: %w", domainName, err)
		}
		s.say(ctx, project, deploymentID, domain.LogSuccess, fmt.Sprintf("certificate provisioned for %s", domainName))
	}
	return nil
}

// Step 9: persist the terminal state.
func (s *Service) finalize(ctx context.Context, project *domain.Project, deploymentID, containerID string) error {
	if err := s.setStatus(ctx, project, domain.StatusRunning, &containerID, deploymentID); err != nil {
		return err
	}
	if err := s.projects.SetLastDeployed(ctx, project.ID, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// Stop stops the project's container and transitions it to stopped. It takes
// the project lock so a deployment can never race the status writes or the
// container removal.
func (s *Service) Stop(ctx context.Context, projectID int64) error {
	if !s.locks.TryAcquire(projectID) {
		return ErrDeployInFlight
	}
	defer s.locks.Release(projectID)

	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	return s.stopLocked(ctx, project)
}

// stopLocked runs the stop sequence. The caller holds the project lock.
func (s *Service) stopLocked(ctx context.Context, project *domain.Project) error {
	if !project.Status.CanTransition(domain.StatusStopping) {
		return fmt.Errorf("%w: cannot stop project in status %s", ErrInvalidTransition, project.Status)
	}
	if err := s.setStatus(ctx, project, domain.StatusStopping, project.ContainerID, ""); err != nil {
		return err
	}
	if project.ContainerID != nil && *project.ContainerID != "" {
		if res, err := s.runner.Run(ctx, runner.Command{
			Name:    s.cfg.DockerBin,
			Args:    []string{"rm", "-f", *project.ContainerID},
			Timeout: s.cfg.CommandTimeout,
		}); err != nil && !strings.Contains(res.Stderr, "No such container") {
			s.logger.Warn("container removal failed during stop", "project", project.Name, "error", err)
		}
	}
	return s.setStatus(ctx, project, domain.StatusStopped, nil, "")
}

// Start deploys a project that is not currently running. A project with no
// container is rebuilt from scratch.
func (s *Service) Start(ctx context.Context, projectID int64) (string, error) {
	return s.Deploy(ctx, projectID)
}

// Restart stops the running container if any, then re-enters the pipeline.
// The lock is held from the stop through the deployment so nothing can slip
// in between the two.
func (s *Service) Restart(ctx context.Context, projectID int64) (string, error) {
	if !s.locks.TryAcquire(projectID) {
		return "", ErrDeployInFlight
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		s.locks.Release(projectID)
		return "", err
	}
	if project.Status == domain.StatusRunning {
		if err := s.stopLocked(ctx, project); err != nil {
			s.locks.Release(projectID)
			return "", err
		}
	}
	if !project.Status.CanTransition(domain.StatusBuilding) {
		s.locks.Release(projectID)
		return "", fmt.Errorf("%w: cannot deploy project in status %s", ErrInvalidTransition, project.Status)
	}
	return s.launch(ctx, project)
}

// Remove tears down a project: container, proxy config, workspace, record.
func (s *Service) Remove(ctx context.Context, projectID int64) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if !s.locks.TryAcquire(project.ID) {
		return ErrDeployInFlight
	}
	defer s.locks.Release(project.ID)

	if project.ContainerID != nil && *project.ContainerID != "" {
		if _, err := s.runner.Run(ctx, runner.Command{
			Name:    s.cfg.DockerBin,
			Args:    []string{"rm", "-f", *project.ContainerID},
			Timeout: s.cfg.CommandTimeout,
		}); err != nil {
			s.logger.Warn("container removal failed during delete", "project", project.Name, "error", err)
		}
	}
	if s.ingress != nil {
		if err := s.ingress.Remove(ctx, project.Name); err != nil {
			s.logger.Warn("proxy config removal failed during delete", "project", project.Name, "error", err)
		}
	}
	if err := s.ws.Cleanup(project.Name, ""); err != nil {
		s.logger.Warn("workspace removal failed during delete", "project", project.Name, "error", err)
	}
	return s.projects.DeleteProject(ctx, project.ID)
}

// fail records a fatal step failure and moves the project to failed. The old
// container is not restored.
func (s *Service) fail(ctx context.Context, project *domain.Project, deploymentID string, serr *StepError) {
	deploymentsTotal.WithLabelValues("failed").Inc()
	s.say(ctx, project, deploymentID, domain.LogError, fmt.Sprintf("deployment failed at step %s: %v", serr.Step, serr.Err))
	if err := s.setStatus(ctx, project, domain.StatusFailed, nil, deploymentID); err != nil {
		s.logger.Error("could not persist failed status", "project", project.Name, "error", err)
	}
}

// setStatus persists the status change and pushes a status frame to the
// owning user's clients.
func (s *Service) setStatus(ctx context.Context, project *domain.Project, status domain.ProjectStatus, containerID *string, deploymentID string) error {
	if err := s.projects.UpdateProjectStatus(ctx, project.ID, status, containerID); err != nil {
		return fmt.Errorf("update status to %s: %w", status, err)
	}
	project.Status = status
	project.ContainerID = containerID
	s.bus.SendToUser(project.UserID, events.Frame{Type: events.TypeProjectStatus, Data: map[string]any{
		"project_id":    project.ID,
		"name":          project.Name,
		"status":        status,
		"deployment_id": deploymentID,
	}})
	return nil
}

// say appends one deployment log entry; the sink fans it out to subscribers.
func (s *Service) say(ctx context.Context, project *domain.Project, deploymentID string, level domain.LogLevel, message string) {
	err := s.logs.Append(ctx, project.UserID, domain.DeploymentLog{
		ProjectID:    project.ID,
		DeploymentID: deploymentID,
		Level:        level,
		Message:      message,
	})
	if err != nil {
		s.logger.Error("could not append deployment log", "project", project.Name, "error", err)
	}
}

func (s *Service) containerName(project *domain.Project) string {
	return s.cfg.ImagePrefix + "-" + project.Name
}

func (s *Service) imageTag(project *domain.Project, deploymentID string) string {
	short := deploymentID
	if len(short) > 8 {
		short = short[:8]
	}
	return s.cfg.ImagePrefix + "/" + project.Name + ":" + short
}

func (s *Service) projectDomain(project *domain.Project) string {
	if project.CustomDomain != nil && *project.CustomDomain != "" {
		return *project.CustomDomain
	}
	return project.Name + s.cfg.DomainSuffix
}

// repoFullName extracts owner/repo from https and ssh GitHub remote URLs.
func repoFullName(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(repoURL), ".git")
	if rest, ok := strings.CutPrefix(trimmed, "git@"); ok {
		if _, path, found := strings.Cut(rest, ":"); found {
			return normalizeFullName(path)
		}
		return ""
	}
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(trimmed, scheme); ok {
			if _, path, found := strings.Cut(rest, "/"); found {
				return normalizeFullName(path)
			}
			return ""
		}
	}
	return ""
}

func normalizeFullName(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "/" + parts[1]
}

// authenticatedRepoURL injects an installation token into an https clone URL.
// SSH URLs are returned unchanged.
func authenticatedRepoURL(repoURL, token string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(repoURL, scheme); ok {
			return scheme + "x-access-token:" + token + "@" + rest
		}
	}
	return repoURL
}

// sanitizeToken keeps credentials out of log output.
func sanitizeToken(output, token string) string {
	if token == "" {
		return output
	}
	return strings.ReplaceAll(output, token, "***")
}
