package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/events"
	"github.com/Mike15254/md0-sub000/internal/githubapp"
	"github.com/Mike15254/md0-sub000/internal/repository"
	"github.com/Mike15254/md0-sub000/internal/runner"
	"github.com/Mike15254/md0-sub000/internal/service/logs"
	"github.com/Mike15254/md0-sub000/internal/service/pipeline"
	"github.com/Mike15254/md0-sub000/internal/service/project"
	"github.com/Mike15254/md0-sub000/internal/service/webhook"
)

const testSecret = "hunter2"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo backs every repository interface with in-memory maps.
type memRepo struct {
	mu       sync.Mutex
	nextID   int64
	projects map[int64]*domain.Project
	logs     []domain.DeploymentLog
	events   []*domain.WebhookEvent
	settings map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		projects: make(map[int64]*domain.Project),
		settings: map[string]string{"webhooks/github_secret": testSecret},
	}
}

func (m *memRepo) CreateProject(ctx context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.projects {
		if existing.Name == p.Name {
			return repository.ErrDuplicateName
		}
	}
	m.nextID++
	p.ID = m.nextID
	m.projects[p.ID] = p
	return nil
}

func (m *memRepo) GetProjectByID(ctx context.Context, id int64) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *memRepo) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projects {
		if p.Name == name {
			clone := *p
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) ListProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (m *memRepo) FindProjectsByRepoURLs(ctx context.Context, urls []string) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.projects {
		for _, u := range urls {
			if p.RepoURL == u {
				out = append(out, *p)
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) UpdateProjectStatus(ctx context.Context, id int64, status domain.ProjectStatus, containerID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	p.ContainerID = containerID
	return nil
}

func (m *memRepo) SetLastDeployed(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[id]; ok {
		p.LastDeployedAt = &at
	}
	return nil
}

func (m *memRepo) DeleteProject(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

func (m *memRepo) AppendDeploymentLog(ctx context.Context, entry *domain.DeploymentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memRepo) ListProjectLogs(ctx context.Context, projectID int64, limit, offset int) ([]domain.DeploymentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeploymentLog
	for _, entry := range m.logs {
		if entry.ProjectID == projectID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memRepo) ListRecentLogs(ctx context.Context, limit int) ([]domain.DeploymentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeploymentLog, len(m.logs))
	copy(out, m.logs)
	return out, nil
}

func (m *memRepo) ListRecentLogsForUser(ctx context.Context, userID int64, limit int) ([]domain.DeploymentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeploymentLog
	for _, entry := range m.logs {
		p, ok := m.projects[entry.ProjectID]
		if !ok {
			continue
		}
		if p.UserID == 0 || p.UserID == userID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memRepo) CountLogsSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs), nil
}

func (m *memRepo) CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.events) + 1)
	m.events = append(m.events, event)
	return nil
}

func (m *memRepo) MarkWebhookProcessed(ctx context.Context, id int64, triggered bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range m.events {
		if event.ID == id {
			event.Processed = true
			event.DeploymentTriggered = triggered
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memRepo) ListWebhookEvents(ctx context.Context, projectID int64, limit int) ([]domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookEvent
	for _, event := range m.events {
		if event.ProjectID == projectID {
			out = append(out, *event)
		}
	}
	return out, nil
}

func (m *memRepo) UpsertInstallation(ctx context.Context, inst *domain.Installation) error { return nil }
func (m *memRepo) DeactivateInstallation(ctx context.Context, id int64) error             { return nil }
func (m *memRepo) GetInstallationByID(ctx context.Context, id int64) (*domain.Installation, error) {
	return nil, repository.ErrNotFound
}
func (m *memRepo) FindInstallationByRepo(ctx context.Context, fullName string) (*domain.Installation, error) {
	return nil, repository.ErrNotFound
}
func (m *memRepo) ReplaceInstallationRepos(ctx context.Context, id int64, names []string) error {
	return nil
}
func (m *memRepo) AddInstallationRepos(ctx context.Context, id int64, names []string) error {
	return nil
}
func (m *memRepo) RemoveInstallationRepos(ctx context.Context, id int64, names []string) error {
	return nil
}

func (m *memRepo) GetSetting(ctx context.Context, category, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value, ok := m.settings[category+"/"+key]; ok {
		return value, nil
	}
	return "", repository.ErrNotFound
}

func (m *memRepo) UpsertSetting(ctx context.Context, category, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[category+"/"+key] = value
	return nil
}

// blockRunner stalls docker build until released so deployments stay in
// flight as long as a test needs.
type blockRunner struct {
	release chan struct{}
}

func (b *blockRunner) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	if cmd.Name == "docker" && len(cmd.Args) > 0 {
		switch cmd.Args[0] {
		case "build":
			if b.release != nil {
				<-b.release
			}
		case "run":
			return runner.Result{Stdout: "c0ffee42\n"}, nil
		case "inspect":
			return runner.Result{Stdout: "true\n"}, nil
		}
	}
	return runner.Result{}, nil
}

func testRouter(t *testing.T, repo *memRepo, run runner.Runner) (*Router, *pipeline.Service) {
	t.Helper()
	log := testLogger()
	hub := events.NewHub(log)
	logSvc := logs.New(repo, hub, log)
	projectSvc := project.New(repo, "test-key", log)
	pipelineSvc := pipeline.New(repo, repo, logSvc, hub, run, nil, nil, pipeline.Config{
		WorkspaceRoot:  t.TempDir(),
		GitBin:         "git",
		DockerBin:      "docker",
		CommandTimeout: time.Second,
		ImagePrefix:    "md0",
		DomainSuffix:   ".local.md0",
	}, log)
	webhookSvc := webhook.New(repo, repo, repo, githubapp.NewInstallations(repo, log), pipelineSvc, logSvc, projectSvc, "", log)

	router := NewRouter(log, projectSvc, pipelineSvc, logSvc, webhookSvc, nil, hub, nil, nil, 20, 50)
	t.Cleanup(router.Close)
	return router, pipelineSvc
}

// waitDrain blocks until no deployment holds a project lock, so background
// pipeline goroutines finish before test cleanup tears down temp dirs.
func waitDrain(t *testing.T, svc *pipeline.Service) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for svc.ActiveDeployments() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("deployments never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func seedProject(t *testing.T, repo *memRepo) *domain.Project {
	t.Helper()
	p := &domain.Project{
		Name:       "blog",
		RepoURL:    "https://github.com/acme/blog",
		Branch:     "main",
		Port:       3000,
		Runtime:    domain.RuntimeNode,
		AutoDeploy: true,
		Status:     domain.StatusStopped,
	}
	if err := repo.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return p
}

func doJSON(t *testing.T, router *Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealthz(t *testing.T) {
	router, _ := testRouter(t, newMemRepo(), &blockRunner{})
	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateProjectEndpoint(t *testing.T) {
	router, _ := testRouter(t, newMemRepo(), &blockRunner{})

	rec := doJSON(t, router, http.MethodPost, "/projects", map[string]any{
		"name":     "blog",
		"repo_url": "https://github.com/acme/blog",
		"port":     3000,
		"runtime":  "node",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "stopped" {
		t.Fatalf("status field = %v", payload["status"])
	}

	rec = doJSON(t, router, http.MethodPost, "/projects", map[string]any{
		"name":     "bad name!",
		"repo_url": "https://github.com/acme/other",
		"port":     3000,
		"runtime":  "node",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid input status = %d", rec.Code)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	router, _ := testRouter(t, newMemRepo(), &blockRunner{})
	rec := doJSON(t, router, http.MethodGet, "/projects/99", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeploymentTrigger(t *testing.T) {
	repo := newMemRepo()
	p := seedProject(t, repo)
	release := make(chan struct{})
	router, pipelineSvc := testRouter(t, repo, &blockRunner{release: release})
	defer func() {
		close(release)
		waitDrain(t, pipelineSvc)
	}()

	rec := doJSON(t, router, http.MethodPost, "/deployments", map[string]any{"project_id": p.ID})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["deployment_id"] == "" || payload["status"] != "building" {
		t.Fatalf("payload = %v", payload)
	}

	// Same project again while the pipeline holds the lock.
	rec = doJSON(t, router, http.MethodPost, "/deployments", map[string]any{"project_id": p.ID})
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/deployments", map[string]any{"project_id": int64(99)})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown project status = %d", rec.Code)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	repo := newMemRepo()
	seedProject(t, repo)
	release := make(chan struct{})
	router, pipelineSvc := testRouter(t, repo, &blockRunner{release: release})
	defer func() {
		close(release)
		waitDrain(t, pipelineSvc)
	}()

	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc1234",
		"head_commit": {"message": "update", "author": {"name": "dev"}},
		"repository": {"full_name": "acme/blog", "html_url": "https://github.com/acme/blog"}
	}`)

	t.Run("bad signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("valid push", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", sign(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "deployment_triggered") {
			t.Fatalf("body = %s", rec.Body.String())
		}
	})

	t.Run("missing secret", func(t *testing.T) {
		bare := newMemRepo()
		delete(bare.settings, "webhooks/github_secret")
		bareRouter, _ := testRouter(t, bare, &blockRunner{})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "push")
		rec := httptest.NewRecorder()
		bareRouter.ServeHTTP(rec, req)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestRealtimeStats(t *testing.T) {
	router, _ := testRouter(t, newMemRepo(), &blockRunner{})
	rec := doJSON(t, router, http.MethodGet, "/realtime/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"connected_clients", "connected_users", "active_deployments", "recent_logs_count"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("stats missing %q: %v", key, payload)
		}
	}
}

func TestStopWithoutRunningContainer(t *testing.T) {
	repo := newMemRepo()
	p := seedProject(t, repo)
	router, _ := testRouter(t, repo, &blockRunner{})

	rec := doJSON(t, router, http.MethodPost, "/projects/1/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, expected conflict for stopped project %d", rec.Code, p.ID)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router, _ := testRouter(t, newMemRepo(), &blockRunner{})
	rec := doJSON(t, router, http.MethodDelete, "/deployments", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

type snapshotSink struct {
	frames [][]byte
}

func (s *snapshotSink) Send(payload []byte) error {
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return nil
}

func (s *snapshotSink) Close() {}

func TestSnapshotScopedToUser(t *testing.T) {
	repo := newMemRepo()
	router, _ := testRouter(t, repo, &blockRunner{})

	mine := &domain.Project{UserID: 1, Name: "mine", RepoURL: "https://github.com/acme/mine",
		Branch: "main", Port: 3000, Runtime: domain.RuntimeNode, Status: domain.StatusStopped}
	theirs := &domain.Project{UserID: 2, Name: "theirs", RepoURL: "https://github.com/acme/theirs",
		Branch: "main", Port: 3001, Runtime: domain.RuntimeNode, Status: domain.StatusStopped}
	for _, p := range []*domain.Project{mine, theirs} {
		if err := repo.CreateProject(context.Background(), p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	for _, entry := range []domain.DeploymentLog{
		{ProjectID: mine.ID, Message: "cloning mine", Level: domain.LogInfo, CreatedAt: time.Now()},
		{ProjectID: theirs.ID, Message: "cloning theirs", Level: domain.LogInfo, CreatedAt: time.Now()},
	} {
		e := entry
		if err := repo.AppendDeploymentLog(context.Background(), &e); err != nil {
			t.Fatalf("seed log: %v", err)
		}
	}

	sink := &snapshotSink{}
	if err := router.sendSnapshot(context.Background(), sink, "client-1", 1); err != nil {
		t.Fatalf("sendSnapshot: %v", err)
	}
	if len(sink.frames) != 3 {
		t.Fatalf("frames = %d, expected connected, initial_projects, initial_logs", len(sink.frames))
	}

	projectsFrame := string(sink.frames[1])
	if !strings.Contains(projectsFrame, `"mine"`) || strings.Contains(projectsFrame, `"theirs"`) {
		t.Fatalf("initial_projects not scoped to user: %s", projectsFrame)
	}
	logsFrame := string(sink.frames[2])
	if !strings.Contains(logsFrame, "cloning mine") || strings.Contains(logsFrame, "cloning theirs") {
		t.Fatalf("initial_logs not scoped to user: %s", logsFrame)
	}
}
