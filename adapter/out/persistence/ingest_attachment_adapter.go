package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// =============================================================================
// Attachment Adapter (PostgreSQL)
// =============================================================================

// AttachmentAdapter implements out.AttachmentRepository using PostgreSQL.
type AttachmentAdapter struct {
	db *sqlx.DB
}

// NewAttachmentAdapter creates a new AttachmentAdapter.
func NewAttachmentAdapter(db *sqlx.DB) *AttachmentAdapter {
	return &AttachmentAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

type attachmentRow struct {
	ID             uuid.UUID `db:"id"`
	UserID         uuid.UUID `db:"user_id"`
	EmailMessageID uuid.UUID `db:"email_message_id"`
	Filename       string    `db:"filename"`
	SafeFilename   string    `db:"safe_filename"`
	ContentType    string    `db:"content_type"`
	FileSize       int64     `db:"file_size"`
	FilePath       string    `db:"file_path"`
	IsImage        bool      `db:"is_image"`
	OCRContent     string    `db:"ocr_content"`
	LLMContent     string    `db:"llm_content"`
	CreatedAt      time.Time `db:"created_at"`
}

const attachmentColumns = `
	id, user_id, email_message_id, filename, safe_filename, content_type,
	file_size, file_path, is_image, ocr_content, llm_content, created_at`

func (r *attachmentRow) toEntity() *domain.EmailAttachment {
	return &domain.EmailAttachment{
		ID:             r.ID,
		UserID:         r.UserID,
		EmailMessageID: r.EmailMessageID,
		Filename:       r.Filename,
		SafeFilename:   r.SafeFilename,
		ContentType:    r.ContentType,
		FileSize:       r.FileSize,
		FilePath:       r.FilePath,
		IsImage:        r.IsImage,
		OCRContent:     r.OCRContent,
		LLMContent:     r.LLMContent,
		CreatedAt:      r.CreatedAt,
	}
}

// =============================================================================
// Operations
// =============================================================================

// CreateBatch creates attachment records in a single transaction.
func (a *AttachmentAdapter) CreateBatch(ctx context.Context, attachments []*domain.EmailAttachment) error {
	if len(attachments) == 0 {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO email_attachments (
			id, user_id, email_message_id, filename, safe_filename, content_type,
			file_size, file_path, is_image
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	for _, att := range attachments {
		if att.ID == uuid.Nil {
			att.ID = uuid.New()
		}
		err := tx.QueryRowContext(ctx, query,
			att.ID,
			att.UserID,
			att.EmailMessageID,
			att.Filename,
			att.SafeFilename,
			att.ContentType,
			att.FileSize,
			att.FilePath,
			att.IsImage,
		).Scan(&att.CreatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListByEmail retrieves all attachments for an email in stored order.
func (a *AttachmentAdapter) ListByEmail(ctx context.Context, emailID uuid.UUID) ([]*domain.EmailAttachment, error) {
	var rows []attachmentRow
	query := `SELECT ` + attachmentColumns + ` FROM email_attachments WHERE email_message_id = $1 ORDER BY created_at, id`

	if err := a.db.SelectContext(ctx, &rows, query, emailID); err != nil {
		return nil, err
	}

	result := make([]*domain.EmailAttachment, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}
	return result, nil
}

// Ensure AttachmentAdapter implements out.AttachmentRepository
var _ out.AttachmentRepository = (*AttachmentAdapter)(nil)
