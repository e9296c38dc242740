package domain

import "time"

// LogLevel grades deployment log entries.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// DeploymentLog is an append-only entry in a pipeline run's log trail.
// DeploymentID groups the entries belonging to one run; entries are never
// updated or deleted except when the owning project is deleted.
type DeploymentLog struct {
	ID           int64
	ProjectID    int64
	DeploymentID string
	Level        LogLevel
	Message      string
	CreatedAt    time.Time
}
