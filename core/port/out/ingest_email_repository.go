// Package out defines outbound ports (driven ports) for the application.
// These interfaces represent dependencies that the application needs.
package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ingest_server/core/domain"
)

// WorkflowResult is the full output of one workflow run, committed
// atomically by PersistWorkflowResult.
type WorkflowResult struct {
	LLMContent     string
	SummaryTitle   string
	SummaryContent string
	Metadata       map[string]any

	AttachmentUpdates []AttachmentUpdate
	Issue             *domain.IssueResult
}

// AttachmentUpdate carries the OCR/LLM outputs for one attachment.
type AttachmentUpdate struct {
	AttachmentID uuid.UUID
	OCRContent   string
	LLMContent   string
}

// EmailRepository persists EmailMessage rows and controls status moves.
type EmailRepository interface {
	// Create persists a fetched email with its attachments. Returns
	// persistence.ErrDuplicate when (user_id, message_id) exists.
	Create(ctx context.Context, email *domain.EmailMessage) error

	// Load returns the email with attachments populated.
	Load(ctx context.Context, id uuid.UUID) (*domain.EmailMessage, error)

	// ListByStatus returns at most limit emails in any of the statuses,
	// oldest updated first.
	ListByStatus(ctx context.Context, statuses []domain.EmailStatus, limit int) ([]*domain.EmailMessage, error)

	// TransitionStatus performs the conditional update
	// status IN fromSet -> to. A nil or empty fromSet makes the update
	// unconditional; finalize relies on this to force a row to FAILED.
	// Returns false when no row matched, which for a non-empty fromSet
	// means another worker already advanced it.
	TransitionStatus(ctx context.Context, id uuid.UUID, fromSet []domain.EmailStatus, to domain.EmailStatus, errorMessage string) (bool, error)

	// ResetStuck moves rows sitting in a processing status with
	// updated_at before cutoff back to FETCHED. Returns the row count.
	ResetStuck(ctx context.Context, cutoff time.Time) (int, error)

	// PersistWorkflowResult commits every output of one successful run
	// in a single transaction guarded by SELECT ... FOR UPDATE on the
	// email row. When toStatus is empty the status column is untouched
	// (force mode).
	PersistWorkflowResult(ctx context.Context, id uuid.UUID, result *WorkflowResult, toStatus domain.EmailStatus) error
}

// AttachmentRepository persists EmailAttachment rows.
type AttachmentRepository interface {
	CreateBatch(ctx context.Context, attachments []*domain.EmailAttachment) error
	ListByEmail(ctx context.Context, emailID uuid.UUID) ([]*domain.EmailAttachment, error)
}

// IssueRepository persists Issue rows created by finalize.
type IssueRepository interface {
	// Create inserts the issue, deduplicating on
	// (email_message_id, external_id). Returns the stored row.
	Create(ctx context.Context, issue *domain.Issue) (*domain.Issue, error)
	GetByEmail(ctx context.Context, emailID uuid.UUID, engine domain.IssueEngineName) (*domain.Issue, error)
}

// TaskRepository persists EmailTask trace rows.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.EmailTask) (*domain.EmailTask, error)
	MarkRunning(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, emailsProcessed int, details map[string]any) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error
}
