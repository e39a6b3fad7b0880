package out

import (
	"context"

	"ingest_server/core/domain"
)

// LLMEngine is the abstract chat capability. Implementations enforce
// their own timeout and must tolerate prompts up to ~10k tokens.
type LLMEngine interface {
	// Chat sends systemPrompt + content and returns the completion.
	// language, when non-empty, requests the output language.
	Chat(ctx context.Context, systemPrompt, content, language string) (string, error)
}

// OCREngine recognizes text in an image file.
type OCREngine interface {
	// Recognize returns recognized lines. Invalid image input yields an
	// empty slice, not an error.
	Recognize(ctx context.Context, imagePath string) ([]string, error)
}

// CreateIssueRequest is the payload for external issue creation.
type CreateIssueRequest struct {
	ProjectKey  string
	Summary     string
	IssueType   string
	Description string
	Assignee    string
	Priority    string
	EpicLink    string
}

// IssueTracker is the abstract external tracker (JIRA reference).
type IssueTracker interface {
	// CreateIssue returns the external id, e.g. PROJ-123.
	CreateIssue(ctx context.Context, cfg *domain.JiraConfig, req CreateIssueRequest) (string, error)

	// AddAttachment uploads one file to an existing issue.
	AddAttachment(ctx context.Context, cfg *domain.JiraConfig, externalID, filePath, filename string) error

	// BrowseURL returns the human-facing URL for an external id.
	BrowseURL(cfg *domain.JiraConfig, externalID string) string
}
