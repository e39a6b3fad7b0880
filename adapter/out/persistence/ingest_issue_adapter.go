package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// =============================================================================
// Issue Adapter (PostgreSQL)
// =============================================================================

// IssueAdapter implements out.IssueRepository using PostgreSQL.
type IssueAdapter struct {
	db *sqlx.DB
}

// NewIssueAdapter creates a new IssueAdapter.
func NewIssueAdapter(db *sqlx.DB) *IssueAdapter {
	return &IssueAdapter{db: db}
}

type issueRow struct {
	ID             uuid.UUID `db:"id"`
	UserID         uuid.UUID `db:"user_id"`
	EmailMessageID uuid.UUID `db:"email_message_id"`
	Title          string    `db:"title"`
	Description    string    `db:"description"`
	Priority       string    `db:"priority"`
	Engine         string    `db:"engine"`
	ExternalID     string    `db:"external_id"`
	IssueURL       string    `db:"issue_url"`
	Metadata       []byte    `db:"metadata"`
	CreatedAt      time.Time `db:"created_at"`
}

const issueColumns = `
	id, user_id, email_message_id, title, description, priority,
	engine, external_id, issue_url, metadata, created_at`

func (r *issueRow) toEntity() *domain.Issue {
	issue := &domain.Issue{
		ID:             r.ID,
		UserID:         r.UserID,
		EmailMessageID: r.EmailMessageID,
		Title:          r.Title,
		Description:    r.Description,
		Priority:       r.Priority,
		Engine:         domain.IssueEngineName(r.Engine),
		ExternalID:     r.ExternalID,
		IssueURL:       r.IssueURL,
		CreatedAt:      r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &issue.Metadata)
	}
	return issue
}

// Create inserts the issue, deduplicating on (email_message_id, external_id).
// On conflict the existing row is returned unchanged.
func (a *IssueAdapter) Create(ctx context.Context, issue *domain.Issue) (*domain.Issue, error) {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	metadata, err := json.Marshal(issue.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO issues (
			id, user_id, email_message_id, title, description, priority,
			engine, external_id, issue_url, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (email_message_id, external_id) DO NOTHING
		RETURNING created_at`

	err = a.db.QueryRowContext(ctx, query,
		issue.ID,
		issue.UserID,
		issue.EmailMessageID,
		issue.Title,
		issue.Description,
		issue.Priority,
		string(issue.Engine),
		issue.ExternalID,
		issue.IssueURL,
		metadata,
	).Scan(&issue.CreatedAt)
	if err == sql.ErrNoRows {
		// Conflict: another run already recorded this external issue.
		return a.getByExternal(ctx, issue.EmailMessageID, issue.ExternalID)
	}
	if err != nil {
		return nil, err
	}
	return issue, nil
}

// GetByEmail returns the issue created for an email on an engine.
func (a *IssueAdapter) GetByEmail(ctx context.Context, emailID uuid.UUID, engine domain.IssueEngineName) (*domain.Issue, error) {
	var row issueRow
	query := `SELECT ` + issueColumns + ` FROM issues WHERE email_message_id = $1 AND engine = $2`

	err := a.db.GetContext(ctx, &row, query, emailID, string(engine))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

func (a *IssueAdapter) getByExternal(ctx context.Context, emailID uuid.UUID, externalID string) (*domain.Issue, error) {
	var row issueRow
	query := `SELECT ` + issueColumns + ` FROM issues WHERE email_message_id = $1 AND external_id = $2`

	err := a.db.GetContext(ctx, &row, query, emailID, externalID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// Ensure IssueAdapter implements out.IssueRepository
var _ out.IssueRepository = (*IssueAdapter)(nil)
