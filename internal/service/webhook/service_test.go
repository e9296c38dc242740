package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/events"
	"github.com/Mike15254/md0-sub000/internal/githubapp"
	"github.com/Mike15254/md0-sub000/internal/repository"
	"github.com/Mike15254/md0-sub000/internal/service/logs"
	"github.com/Mike15254/md0-sub000/internal/service/pipeline"
)

const testSecret = "hunter2"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type fakeSettings struct {
	values map[string]string
}

func (f *fakeSettings) GetSetting(ctx context.Context, category, key string) (string, error) {
	if value, ok := f.values[category+"/"+key]; ok {
		return value, nil
	}
	return "", repository.ErrNotFound
}

func (f *fakeSettings) UpsertSetting(ctx context.Context, category, key, value string) error {
	if f.values == nil {
		f.values = make(map[string]string)
	}
	f.values[category+"/"+key] = value
	return nil
}

type fakeProjects struct {
	projects []domain.Project
}

func (f *fakeProjects) CreateProject(ctx context.Context, p *domain.Project) error { return nil }
func (f *fakeProjects) GetProjectByID(ctx context.Context, id int64) (*domain.Project, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeProjects) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeProjects) ListProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	return f.projects, nil
}
func (f *fakeProjects) FindProjectsByRepoURLs(ctx context.Context, urls []string) ([]domain.Project, error) {
	var matched []domain.Project
	for _, p := range f.projects {
		for _, u := range urls {
			if p.RepoURL == u {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched, nil
}
func (f *fakeProjects) UpdateProjectStatus(ctx context.Context, id int64, status domain.ProjectStatus, containerID *string) error {
	return nil
}
func (f *fakeProjects) SetLastDeployed(ctx context.Context, id int64, at time.Time) error {
	return nil
}
func (f *fakeProjects) DeleteProject(ctx context.Context, id int64) error { return nil }

type storedEvent struct {
	event     domain.WebhookEvent
	processed bool
	triggered bool
}

type fakeEvents struct {
	nextID int64
	stored []*storedEvent
}

func (f *fakeEvents) CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	f.nextID++
	event.ID = f.nextID
	f.stored = append(f.stored, &storedEvent{event: *event})
	return nil
}

func (f *fakeEvents) MarkWebhookProcessed(ctx context.Context, id int64, triggered bool) error {
	for _, s := range f.stored {
		if s.event.ID == id {
			s.processed = true
			s.triggered = triggered
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeEvents) ListWebhookEvents(ctx context.Context, projectID int64, limit int) ([]domain.WebhookEvent, error) {
	return nil, nil
}

type fakeInstallRepo struct {
	upserted    []*domain.Installation
	deactivated []int64
}

func (f *fakeInstallRepo) UpsertInstallation(ctx context.Context, inst *domain.Installation) error {
	f.upserted = append(f.upserted, inst)
	return nil
}
func (f *fakeInstallRepo) DeactivateInstallation(ctx context.Context, id int64) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}
func (f *fakeInstallRepo) GetInstallationByID(ctx context.Context, id int64) (*domain.Installation, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeInstallRepo) FindInstallationByRepo(ctx context.Context, fullName string) (*domain.Installation, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeInstallRepo) ReplaceInstallationRepos(ctx context.Context, id int64, names []string) error {
	return nil
}
func (f *fakeInstallRepo) AddInstallationRepos(ctx context.Context, id int64, names []string) error {
	return nil
}
func (f *fakeInstallRepo) RemoveInstallationRepos(ctx context.Context, id int64, names []string) error {
	return nil
}

type fakeDeployer struct {
	calls []int64
	err   error
}

func (f *fakeDeployer) Deploy(ctx context.Context, projectID int64) (string, error) {
	f.calls = append(f.calls, projectID)
	if f.err != nil {
		return "", f.err
	}
	return "dep-1", nil
}

type fakeLogRepo struct {
	stored []domain.DeploymentLog
}

func (f *fakeLogRepo) AppendDeploymentLog(ctx context.Context, entry *domain.DeploymentLog) error {
	f.stored = append(f.stored, *entry)
	return nil
}
func (f *fakeLogRepo) ListProjectLogs(ctx context.Context, projectID int64, limit, offset int) ([]domain.DeploymentLog, error) {
	return nil, nil
}
func (f *fakeLogRepo) ListRecentLogs(ctx context.Context, limit int) ([]domain.DeploymentLog, error) {
	return nil, nil
}
func (f *fakeLogRepo) ListRecentLogsForUser(ctx context.Context, userID int64, limit int) ([]domain.DeploymentLog, error) {
	return nil, nil
}
func (f *fakeLogRepo) CountLogsSince(ctx context.Context, since time.Time) (int, error) {
	return 0, nil
}

type fixture struct {
	svc       Service
	projects  *fakeProjects
	events    *fakeEvents
	installs  *fakeInstallRepo
	deployer  *fakeDeployer
	secrets   *fakeSecrets
	envSecret string
}

// fakeSecrets hands out plaintext per-project secrets keyed by project id.
type fakeSecrets struct {
	values map[int64]string
}

func (f *fakeSecrets) WebhookSecret(project *domain.Project) (string, error) {
	return f.values[project.ID], nil
}

func newFixture(projects ...domain.Project) *fixture {
	f := &fixture{
		projects: &fakeProjects{projects: projects},
		events:   &fakeEvents{},
		installs: &fakeInstallRepo{},
		deployer: &fakeDeployer{},
		secrets:  &fakeSecrets{values: map[int64]string{}},
	}
	settings := &fakeSettings{values: map[string]string{"webhooks/github_secret": testSecret}}
	hub := events.NewHub(testLogger())
	sink := logs.New(&fakeLogRepo{}, hub, testLogger())
	f.svc = New(settings, f.projects, f.events,
		githubapp.NewInstallations(f.installs, testLogger()),
		f.deployer, sink, f.secrets, f.envSecret, testLogger())
	return f
}

func autoDeployProject() domain.Project {
	return domain.Project{
		ID:         1,
		Name:       "blog",
		RepoURL:    "https://github.com/acme/blog",
		Branch:     "main",
		AutoDeploy: true,
	}
}

func pushBody(branch string) []byte {
	return []byte(fmt.Sprintf(`{
		"ref": "refs/heads/%s",
		"after": "4e1243bd22c66e76c2ba9eddc1f91394e57f9f83",
		"head_commit": {"id": "4e1243bd", "message": "fix build", "author": {"name": "dev"}},
		"pusher": {"name": "dev"},
		"repository": {
			"full_name": "acme/blog",
			"html_url": "https://github.com/acme/blog",
			"clone_url": "https://github.com/acme/blog.git",
			"ssh_url": "git@github.com:acme/blog.git"
		}
	}`, branch))
}

func TestHandleRejectsTamperedBody(t *testing.T) {
	f := newFixture(autoDeployProject())
	body := pushBody("main")
	signature := sign(body)
	tampered := append([]byte(nil), body...)
	tampered[0] = ' '

	_, err := f.svc.Handle(context.Background(), tampered, signature, "push")
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Handle = %v, expected ErrBadSignature", err)
	}
	if len(f.events.stored) != 0 {
		t.Fatal("rejected delivery must not persist events")
	}
	if len(f.deployer.calls) != 0 {
		t.Fatal("rejected delivery must not trigger deployments")
	}
}

func TestHandleRequiresSecret(t *testing.T) {
	f := newFixture(autoDeployProject())
	settings := &fakeSettings{}
	hub := events.NewHub(testLogger())
	sink := logs.New(&fakeLogRepo{}, hub, testLogger())
	svc := New(settings, f.projects, f.events,
		githubapp.NewInstallations(f.installs, testLogger()),
		f.deployer, sink, nil, "", testLogger())

	body := pushBody("main")
	if _, err := svc.Handle(context.Background(), body, sign(body), "push"); !errors.Is(err, ErrSecretUnconfigured) {
		t.Fatalf("Handle = %v, expected ErrSecretUnconfigured", err)
	}
}

func TestHandlePushTriggersDeployment(t *testing.T) {
	f := newFixture(autoDeployProject())
	body := pushBody("main")

	result, err := f.svc.Handle(context.Background(), body, sign(body), "push")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !result.Triggered {
		t.Fatal("expected deployment_triggered in result")
	}
	if len(f.deployer.calls) != 1 || f.deployer.calls[0] != 1 {
		t.Fatalf("Deploy calls = %v, expected exactly one for project 1", f.deployer.calls)
	}
	if len(f.events.stored) != 1 {
		t.Fatalf("stored events = %d, expected 1", len(f.events.stored))
	}
	stored := f.events.stored[0]
	if !stored.processed || !stored.triggered {
		t.Fatalf("event not finalized: processed=%v triggered=%v", stored.processed, stored.triggered)
	}
	if stored.event.Branch != "main" || stored.event.Author != "dev" {
		t.Fatalf("event fields wrong: %+v", stored.event)
	}
}

func TestHandlePushBranchMismatch(t *testing.T) {
	f := newFixture(autoDeployProject())
	body := pushBody("feature/foo")

	result, err := f.svc.Handle(context.Background(), body, sign(body), "push")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Triggered {
		t.Fatal("branch mismatch must not trigger deployment")
	}
	if len(f.deployer.calls) != 0 {
		t.Fatalf("Deploy calls = %v, expected none", f.deployer.calls)
	}
	stored := f.events.stored[0]
	if !stored.processed || stored.triggered {
		t.Fatalf("event should be processed, not triggered: %+v", stored)
	}
}

func TestHandlePushAutoDeployDisabled(t *testing.T) {
	project := autoDeployProject()
	project.AutoDeploy = false
	f := newFixture(project)
	body := pushBody("main")

	result, err := f.svc.Handle(context.Background(), body, sign(body), "push")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Triggered || len(f.deployer.calls) != 0 {
		t.Fatal("auto_deploy=false must not trigger deployment")
	}
	stored := f.events.stored[0]
	if !stored.processed || stored.triggered {
		t.Fatalf("event should be processed, not triggered: %+v", stored)
	}
}

func TestHandlePushWhileDeployInFlight(t *testing.T) {
	f := newFixture(autoDeployProject())
	f.deployer.err = pipeline.ErrDeployInFlight
	body := pushBody("main")

	result, err := f.svc.Handle(context.Background(), body, sign(body), "push")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Triggered {
		t.Fatal("in-flight rejection must not report a trigger")
	}
	stored := f.events.stored[0]
	if !stored.processed || stored.triggered {
		t.Fatalf("event should be processed, not triggered: %+v", stored)
	}
}

func TestHandlePushProjectSecretMismatch(t *testing.T) {
	project := autoDeployProject()
	project.WebhookSecret = []byte{0x01}
	f := newFixture(project)
	f.secrets.values[project.ID] = "not-the-delivery-secret"
	body := pushBody("main")

	result, err := f.svc.Handle(context.Background(), body, sign(body), "push")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Triggered {
		t.Fatal("mismatched project secret must not trigger")
	}
	if len(f.deployer.calls) != 0 {
		t.Fatal("mismatched project secret must not reach the deployer")
	}
	stored := f.events.stored[0]
	if !stored.processed || stored.triggered {
		t.Fatalf("event should be processed, not triggered: %+v", stored)
	}
}

func TestHandlePushProjectSecretMatch(t *testing.T) {
	project := autoDeployProject()
	project.WebhookSecret = []byte{0x01}
	f := newFixture(project)
	f.secrets.values[project.ID] = testSecret
	body := pushBody("main")

	result, err := f.svc.Handle(context.Background(), body, sign(body), "push")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !result.Triggered {
		t.Fatal("matching project secret must trigger")
	}
	if len(f.deployer.calls) != 1 || f.deployer.calls[0] != project.ID {
		t.Fatalf("deployer calls = %v", f.deployer.calls)
	}
}

func TestHandlePushUnknownRepository(t *testing.T) {
	f := newFixture()
	body := pushBody("main")

	result, err := f.svc.Handle(context.Background(), body, sign(body), "push")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Triggered {
		t.Fatal("unknown repository must not trigger")
	}
	if len(f.events.stored) != 0 {
		t.Fatal("unknown repository must not persist events")
	}
}

func TestHandlePullRequestRecordsOnly(t *testing.T) {
	f := newFixture(autoDeployProject())
	body := []byte(`{
		"action": "opened",
		"repository": {"full_name": "acme/blog", "html_url": "https://github.com/acme/blog"}
	}`)

	result, err := f.svc.Handle(context.Background(), body, sign(body), "pull_request")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Triggered || len(f.deployer.calls) != 0 {
		t.Fatal("pull_request must never trigger a deployment")
	}
	stored := f.events.stored[0]
	if stored.event.EventType != "pull_request" || stored.event.Action != "opened" {
		t.Fatalf("event fields wrong: %+v", stored.event)
	}
	if !stored.processed || stored.triggered {
		t.Fatalf("event should be processed, not triggered: %+v", stored)
	}
}

func TestHandleInstallationEvents(t *testing.T) {
	f := newFixture()

	created := []byte(`{
		"action": "created",
		"installation": {"id": 42, "account": {"login": "acme", "type": "Organization"}},
		"repositories": [{"full_name": "acme/blog"}]
	}`)
	if _, err := f.svc.Handle(context.Background(), created, sign(created), "installation"); err != nil {
		t.Fatalf("Handle created: %v", err)
	}
	if len(f.installs.upserted) != 1 || f.installs.upserted[0].ID != 42 {
		t.Fatalf("expected installation 42 upserted, got %+v", f.installs.upserted)
	}

	deleted := []byte(`{
		"action": "deleted",
		"installation": {"id": 42, "account": {"login": "acme", "type": "Organization"}}
	}`)
	if _, err := f.svc.Handle(context.Background(), deleted, sign(deleted), "installation"); err != nil {
		t.Fatalf("Handle deleted: %v", err)
	}
	if len(f.installs.deactivated) != 1 || f.installs.deactivated[0] != 42 {
		t.Fatalf("expected installation 42 deactivated, got %v", f.installs.deactivated)
	}
}

func TestHandleUnknownEventType(t *testing.T) {
	f := newFixture(autoDeployProject())
	body := []byte(`{"zen": "keep it simple"}`)

	result, err := f.svc.Handle(context.Background(), body, sign(body), "ping")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Triggered || len(f.events.stored) != 0 {
		t.Fatal("unknown events are acknowledged without state changes")
	}
}
