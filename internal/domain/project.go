package domain

import "time"

// ProjectStatus enumerates the lifecycle states of a project.
type ProjectStatus string

const (
	StatusStopped  ProjectStatus = "stopped"
	StatusBuilding ProjectStatus = "building"
	StatusRunning  ProjectStatus = "running"
	StatusStopping ProjectStatus = "stopping"
	StatusFailed   ProjectStatus = "failed"
)

// Valid reports whether the status is one of the defined enum values.
func (s ProjectStatus) Valid() bool {
	switch s {
	case StatusStopped, StatusBuilding, StatusRunning, StatusStopping, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the edge from s to next is part of the
// lifecycle state machine. A running project may re-enter building: a
// redeploy replaces the live container.
func (s ProjectStatus) CanTransition(next ProjectStatus) bool {
	switch s {
	case StatusStopped:
		return next == StatusBuilding
	case StatusFailed:
		return next == StatusBuilding
	case StatusBuilding:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusStopping || next == StatusBuilding
	case StatusStopping:
		return next == StatusStopped
	}
	return false
}

// RuntimeKind identifies how a container image is synthesized when the
// repository does not ship its own Dockerfile.
type RuntimeKind string

const (
	RuntimeNode   RuntimeKind = "node"
	RuntimePython RuntimeKind = "python"
	RuntimeStatic RuntimeKind = "static"
)

// Valid reports whether the runtime kind is supported.
func (r RuntimeKind) Valid() bool {
	switch r {
	case RuntimeNode, RuntimePython, RuntimeStatic:
		return true
	}
	return false
}

// Project describes a deployable unit.
type Project struct {
	ID             int64
	UserID         int64
	Name           string
	RepoURL        string
	Branch         string
	BuildCommand   string
	StartCommand   string
	Port           int
	Runtime        RuntimeKind
	EnvVars        map[string]string
	AutoDeploy     bool
	WebhookSecret  []byte
	ContainerID    *string
	CustomDomain   *string
	TLSEnabled     bool
	Status         ProjectStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastDeployedAt *time.Time
}
