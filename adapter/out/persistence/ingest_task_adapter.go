package persistence

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// =============================================================================
// Task Adapter (PostgreSQL)
// =============================================================================

// TaskAdapter implements out.TaskRepository. Tasks are append-mostly
// trace rows; there is no locking here on purpose.
type TaskAdapter struct {
	db *sqlx.DB
}

// NewTaskAdapter creates a new TaskAdapter.
func NewTaskAdapter(db *sqlx.DB) *TaskAdapter {
	return &TaskAdapter{db: db}
}

// Create inserts a pending task row.
func (a *TaskAdapter) Create(ctx context.Context, task *domain.EmailTask) (*domain.EmailTask, error) {
	details, err := json.Marshal(task.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	if task.Status == "" {
		task.Status = domain.TaskPending
	}

	query := `
		INSERT INTO email_tasks (user_id, task_type, status, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err = a.db.QueryRowContext(ctx, query,
		nullUUID(task.UserID),
		string(task.TaskType),
		string(task.Status),
		details,
	).Scan(&task.ID, &task.CreatedAt)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// MarkRunning stamps started_at and flips the status to running.
func (a *TaskAdapter) MarkRunning(ctx context.Context, id int64) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE email_tasks SET status = $1, started_at = NOW() WHERE id = $2`,
		string(domain.TaskRunning), id)
	return err
}

// MarkCompleted records the final counts.
func (a *TaskAdapter) MarkCompleted(ctx context.Context, id int64, emailsProcessed int, details map[string]any) error {
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		UPDATE email_tasks
		SET status = $1,
		    completed_at = NOW(),
		    emails_processed = $2,
		    details = COALESCE(details, '{}'::jsonb) || $3::jsonb
		WHERE id = $4`,
		string(domain.TaskCompleted), emailsProcessed, encoded, id)
	return err
}

// MarkFailed records a failure message.
func (a *TaskAdapter) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE email_tasks SET status = $1, completed_at = NOW(), error_message = $2 WHERE id = $3`,
		string(domain.TaskFailed), errorMessage, id)
	return err
}

// Ensure TaskAdapter implements out.TaskRepository
var _ out.TaskRepository = (*TaskAdapter)(nil)
