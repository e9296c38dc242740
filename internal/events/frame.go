package events

import "encoding/json"

// Frame types pushed to realtime subscribers.
const (
	TypeConnected           = "connected"
	TypeInitialProjects     = "initial_projects"
	TypeInitialLogs         = "initial_logs"
	TypeProjectStatus       = "project_status_changed"
	TypeDeploymentLog       = "deployment_log"
	TypeDomainStatusChanged = "domain_status_changed"
	TypeSSLEvent            = "ssl_event"
	TypeSystemAlert         = "system_alert"
	TypeServerShutdown      = "server_shutdown"
)

// Frame is one newline-delimited JSON message on a realtime stream.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Marshal encodes the frame for transmission.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}
