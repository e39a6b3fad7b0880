package domain

import (
	"time"

	"github.com/google/uuid"
)

// IssueEngineName identifies an external issue tracker.
type IssueEngineName string

const (
	IssueEngineJira   IssueEngineName = "jira"
	IssueEngineGithub IssueEngineName = "github"
)

// Issue is the persisted record of one externally created issue.
// At most one successful Issue exists per EmailMessage per engine.
type Issue struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	EmailMessageID uuid.UUID `json:"email_message_id"`

	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    string          `json:"priority,omitempty"`
	Engine      IssueEngineName `json:"engine"`
	ExternalID  string          `json:"external_id"` // e.g. PROJ-123
	IssueURL    string          `json:"issue_url,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IssueResult is the in-memory output of the issue node, persisted by
// finalize.
type IssueResult struct {
	Engine      IssueEngineName
	ExternalID  string
	IssueURL    string
	Title       string
	Description string
	Priority    string
	Metadata    map[string]any
}

// UploadResult summarizes an attachment upload pass for one issue.
type UploadResult struct {
	UploadedCount int      `json:"uploaded_count"`
	SkippedCount  int      `json:"skipped_count"`
	FailedCount   int      `json:"failed_count"`
	Failed        []string `json:"failed,omitempty"` // safe filenames that failed
}
