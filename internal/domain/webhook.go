package domain

import (
	"encoding/json"
	"time"
)

// WebhookEvent is the audit record of an inbound repository event.
// Processed is set exactly once, after the routing decision is final;
// DeploymentTriggered is true only when a pipeline run was actually started.
type WebhookEvent struct {
	ID                  int64
	ProjectID           int64
	EventType           string
	Action              string
	Branch              string
	CommitSHA           string
	CommitMessage       string
	Author              string
	Payload             json.RawMessage
	Processed           bool
	DeploymentTriggered bool
	ReceivedAt          time.Time
}
