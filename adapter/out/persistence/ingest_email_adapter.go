// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// =============================================================================
// Email Adapter (PostgreSQL)
// =============================================================================

// EmailAdapter implements out.EmailRepository using PostgreSQL.
type EmailAdapter struct {
	db *sqlx.DB
}

// NewEmailAdapter creates a new EmailAdapter.
func NewEmailAdapter(db *sqlx.DB) *EmailAdapter {
	return &EmailAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

type emailRow struct {
	ID             uuid.UUID      `db:"id"`
	UserID         uuid.UUID      `db:"user_id"`
	TaskID         sql.NullInt64  `db:"task_id"`
	MessageID      string         `db:"message_id"`
	Subject        string         `db:"subject"`
	Sender         string         `db:"sender"`
	Recipients     pq.StringArray `db:"recipients"`
	ReceivedAt     time.Time      `db:"received_at"`
	RawContent     string         `db:"raw_content"`
	HTMLContent    string         `db:"html_content"`
	TextContent    string         `db:"text_content"`
	LLMContent     string         `db:"llm_content"`
	SummaryTitle   string         `db:"summary_title"`
	SummaryContent string         `db:"summary_content"`
	Status         string         `db:"status"`
	ErrorMessage   string         `db:"error_message"`
	Metadata       []byte         `db:"metadata"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

const emailColumns = `
	id, user_id, task_id, message_id, subject, sender, recipients, received_at,
	raw_content, html_content, text_content, llm_content,
	summary_title, summary_content, status, error_message, metadata,
	created_at, updated_at`

func (r *emailRow) toEntity() *domain.EmailMessage {
	email := &domain.EmailMessage{
		ID:             r.ID,
		UserID:         r.UserID,
		MessageID:      r.MessageID,
		Subject:        r.Subject,
		Sender:         r.Sender,
		Recipients:     []string(r.Recipients),
		ReceivedAt:     r.ReceivedAt,
		RawContent:     r.RawContent,
		HTMLContent:    r.HTMLContent,
		TextContent:    r.TextContent,
		LLMContent:     r.LLMContent,
		SummaryTitle:   r.SummaryTitle,
		SummaryContent: r.SummaryContent,
		Status:         domain.EmailStatus(r.Status),
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.TaskID.Valid {
		email.TaskID = &r.TaskID.Int64
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &email.Metadata)
	}
	return email
}

// =============================================================================
// CRUD Operations
// =============================================================================

// Create persists a fetched email with its attachments in one transaction.
func (a *EmailAdapter) Create(ctx context.Context, email *domain.EmailMessage) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if email.ID == uuid.Nil {
		email.ID = uuid.New()
	}
	metadata, err := json.Marshal(email.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO email_messages (
			id, user_id, task_id, message_id, subject, sender, recipients, received_at,
			raw_content, html_content, text_content, status, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	err = tx.QueryRowContext(ctx, query,
		email.ID,
		email.UserID,
		email.TaskID,
		email.MessageID,
		email.Subject,
		email.Sender,
		pq.StringArray(email.Recipients),
		email.ReceivedAt,
		email.RawContent,
		email.HTMLContent,
		email.TextContent,
		string(email.Status),
		metadata,
	).Scan(&email.CreatedAt, &email.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}

	attQuery := `
		INSERT INTO email_attachments (
			id, user_id, email_message_id, filename, safe_filename, content_type,
			file_size, file_path, is_image
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	for _, att := range email.Attachments {
		if att.ID == uuid.Nil {
			att.ID = uuid.New()
		}
		att.UserID = email.UserID
		att.EmailMessageID = email.ID
		err := tx.QueryRowContext(ctx, attQuery,
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

// Load returns the email with attachments populated.
func (a *EmailAdapter) Load(ctx context.Context, id uuid.UUID) (*domain.EmailMessage, error) {
	var row emailRow
	query := `SELECT ` + emailColumns + ` FROM email_messages WHERE id = $1`

	err := a.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	email := row.toEntity()

	var attRows []attachmentRow
	attQuery := `SELECT ` + attachmentColumns + ` FROM email_attachments WHERE email_message_id = $1 ORDER BY created_at, id`
	if err := a.db.SelectContext(ctx, &attRows, attQuery, id); err != nil {
		return nil, err
	}
	for i := range attRows {
		email.Attachments = append(email.Attachments, attRows[i].toEntity())
	}

	return email, nil
}

// ListByStatus returns at most limit emails in any of the statuses,
// oldest updated first.
func (a *EmailAdapter) ListByStatus(ctx context.Context, statuses []domain.EmailStatus, limit int) ([]*domain.EmailMessage, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + emailColumns + `
		FROM email_messages
		WHERE status = ANY($1)
		ORDER BY updated_at
		LIMIT $2`

	var rows []emailRow
	if err := a.db.SelectContext(ctx, &rows, query, statusArray(statuses), limit); err != nil {
		return nil, err
	}

	result := make([]*domain.EmailMessage, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}
	return result, nil
}

// =============================================================================
// Status Transitions
// =============================================================================

// TransitionStatus performs the conditional update status IN fromSet -> to.
// An empty fromSet makes the update unconditional. Zero rows affected
// means another worker already advanced the row, or the row is gone.
func (a *EmailAdapter) TransitionStatus(ctx context.Context, id uuid.UUID, fromSet []domain.EmailStatus, to domain.EmailStatus, errorMessage string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if len(fromSet) == 0 {
		query := `
			UPDATE email_messages
			SET status = $1,
			    error_message = $2,
			    updated_at = NOW()
			WHERE id = $3`
		res, err = a.db.ExecContext(ctx, query, string(to), errorMessage, id)
	} else {
		query := `
			UPDATE email_messages
			SET status = $1,
			    error_message = $2,
			    updated_at = NOW()
			WHERE id = $3 AND status = ANY($4)`
		res, err = a.db.ExecContext(ctx, query, string(to), errorMessage, id, statusArray(fromSet))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetStuck moves rows abandoned in a processing status back to FETCHED.
func (a *EmailAdapter) ResetStuck(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE email_messages
		SET status = $1,
		    error_message = '',
		    updated_at = NOW()
		WHERE status = ANY($2) AND updated_at < $3`

	res, err := a.db.ExecContext(ctx, query,
		string(domain.StatusFetched),
		statusArray(domain.ProcessingStatuses()),
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// Workflow Result Persistence
// =============================================================================

// PersistWorkflowResult commits every output of one successful run in a
// single transaction. The email row is locked first so concurrent
// finalizers serialize; content fields are only overwritten by
// non-empty values.
func (a *EmailAdapter) PersistWorkflowResult(ctx context.Context, id uuid.UUID, result *out.WorkflowResult, toStatus domain.EmailStatus) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var currentStatus string
	if err := tx.GetContext(ctx, &currentStatus,
		`SELECT status FROM email_messages WHERE id = $1 FOR UPDATE`, id); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	metadata, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		UPDATE email_messages
		SET llm_content = COALESCE(NULLIF($1, ''), llm_content),
		    summary_title = COALESCE(NULLIF($2, ''), summary_title),
		    summary_content = COALESCE(NULLIF($3, ''), summary_content),
		    metadata = COALESCE(metadata, '{}'::jsonb) || $4::jsonb,
		    error_message = '',
		    updated_at = NOW()
		WHERE id = $5`
	if _, err := tx.ExecContext(ctx, query,
		result.LLMContent,
		result.SummaryTitle,
		result.SummaryContent,
		metadata,
		id,
	); err != nil {
		return err
	}

	attQuery := `
		UPDATE email_attachments
		SET ocr_content = COALESCE(NULLIF($1, ''), ocr_content),
		    llm_content = COALESCE(NULLIF($2, ''), llm_content)
		WHERE id = $3 AND email_message_id = $4`
	for _, upd := range result.AttachmentUpdates {
		if _, err := tx.ExecContext(ctx, attQuery, upd.OCRContent, upd.LLMContent, upd.AttachmentID, id); err != nil {
			return err
		}
	}

	if result.Issue != nil {
		issueMetadata, err := json.Marshal(result.Issue.Metadata)
		if err != nil {
			return fmt.Errorf("marshal issue metadata: %w", err)
		}
		issueQuery := `
			INSERT INTO issues (
				id, user_id, email_message_id, title, description, priority,
				engine, external_id, issue_url, metadata
			)
			SELECT $1, e.user_id, e.id, $2, $3, $4, $5, $6, $7, $8
			FROM email_messages e WHERE e.id = $9
			ON CONFLICT (email_message_id, external_id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, issueQuery,
			uuid.New(),
			result.Issue.Title,
			result.Issue.Description,
			result.Issue.Priority,
			string(result.Issue.Engine),
			result.Issue.ExternalID,
			result.Issue.IssueURL,
			issueMetadata,
			id,
		); err != nil {
			return err
		}
	}

	// Force-mode runs pass an empty status and leave the column alone.
	if toStatus != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE email_messages SET status = $1, updated_at = NOW() WHERE id = $2`,
			string(toStatus), id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func statusArray(statuses []domain.EmailStatus) pq.StringArray {
	arr := make(pq.StringArray, len(statuses))
	for i, s := range statuses {
		arr[i] = string(s)
	}
	return arr
}

// Ensure EmailAdapter implements out.EmailRepository
var _ out.EmailRepository = (*EmailAdapter)(nil)
