package domain

import (
	"encoding/json"
	"time"
)

// Installation mirrors a GitHub App installation grant. Rows are soft-deleted
// (Active=false) on removal to preserve audit history.
type Installation struct {
	ID           int64
	UserID       *int64
	AccountLogin string
	AccountType  string
	Permissions  json.RawMessage
	Events       []string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

