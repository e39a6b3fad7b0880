package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle of a traced task run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskType identifies what a traced task did.
type TaskType string

const (
	TaskTypeFetch        TaskType = "fetch_emails"
	TaskTypeWorkflow     TaskType = "workflow_run"
	TaskTypeCreditsRenew TaskType = "credits_renewal"
	TaskTypeDowngrade    TaskType = "subscription_downgrade"
)

// EmailTask is a trace record of one scheduler-initiated run. It is an
// audit row, not a lock.
type EmailTask struct {
	ID     int64      `json:"id"`
	UserID *uuid.UUID `json:"user_id,omitempty"` // nil for system tasks

	TaskType TaskType   `json:"task_type"`
	Status   TaskStatus `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	EmailsProcessed int            `json:"emails_processed"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Details         map[string]any `json:"details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
