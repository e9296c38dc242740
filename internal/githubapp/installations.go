package githubapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/repository"
)

// InstallationEvent carries the fields of an installation-management webhook
// payload the bookkeeping layer acts on.
type InstallationEvent struct {
	Action       string `json:"action"`
	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"account"`
		Permissions json.RawMessage `json:"permissions"`
		Events      []string        `json:"events"`
	} `json:"installation"`
	Repositories        []eventRepo `json:"repositories"`
	RepositoriesAdded   []eventRepo `json:"repositories_added"`
	RepositoriesRemoved []eventRepo `json:"repositories_removed"`
}

type eventRepo struct {
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

func fullNames(repos []eventRepo) []string {
	names := make([]string, 0, len(repos))
	for _, r := range repos {
		if strings.TrimSpace(r.FullName) != "" {
			names = append(names, r.FullName)
		}
	}
	return names
}

// Installations maintains installation rows in response to provider events.
type Installations struct {
	repo   repository.InstallationRepository
	logger *slog.Logger
}

// NewInstallations constructs the bookkeeping service.
func NewInstallations(repo repository.InstallationRepository, logger *slog.Logger) Installations {
	return Installations{repo: repo, logger: logger}
}

// Sync applies an installation or installation_repositories event to storage.
func (s Installations) Sync(ctx context.Context, eventType string, payload []byte) error {
	var event InstallationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("parse installation payload: %w", err)
	}
	if event.Installation.ID == 0 {
		return fmt.Errorf("installation payload missing installation id")
	}

	switch event.Action {
	case "deleted", "suspend":
		if err := s.repo.DeactivateInstallation(ctx, event.Installation.ID); err != nil {
			return fmt.Errorf("deactivate installation %d: %w", event.Installation.ID, err)
		}
		s.logger.Info("installation deactivated", "installation_id", event.Installation.ID, "action", event.Action)
		return nil
	}

	inst := &domain.Installation{
		ID:           event.Installation.ID,
		AccountLogin: event.Installation.Account.Login,
		AccountType:  event.Installation.Account.Type,
		Permissions:  event.Installation.Permissions,
		Events:       event.Installation.Events,
		Active:       true,
	}
	if err := s.repo.UpsertInstallation(ctx, inst); err != nil {
		return fmt.Errorf("upsert installation %d: %w", inst.ID, err)
	}

	switch {
	case eventType == "installation_repositories":
		if added := fullNames(event.RepositoriesAdded); len(added) > 0 {
			if err := s.repo.AddInstallationRepos(ctx, inst.ID, added); err != nil {
				return fmt.Errorf("add installation repos: %w", err)
			}
		}
		if removed := fullNames(event.RepositoriesRemoved); len(removed) > 0 {
			if err := s.repo.RemoveInstallationRepos(ctx, inst.ID, removed); err != nil {
				return fmt.Errorf("remove installation repos: %w", err)
			}
		}
	case len(event.Repositories) > 0:
		if err := s.repo.ReplaceInstallationRepos(ctx, inst.ID, fullNames(event.Repositories)); err != nil {
			return fmt.Errorf("replace installation repos: %w", err)
		}
	}

	s.logger.Info("installation synced", "installation_id", inst.ID, "account", inst.AccountLogin, "action", event.Action)
	return nil
}
