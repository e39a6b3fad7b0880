// Package worker consumes pipeline jobs from Redis Streams and runs
// them on a bounded pool.
package worker

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Job is one unit of work pulled off a stream. Data is the raw payload
// as published; each processor decodes its own payload type.
type Job struct {
	ID        string
	Stream    string
	Data      []byte
	Retries   int
	CreatedAt time.Time
}

// NewJob wraps a consumed stream entry.
func NewJob(stream string, data []byte) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Stream:    stream,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// WorkflowRunPayload triggers one workflow run for an email.
type WorkflowRunPayload struct {
	EmailID uuid.UUID `json:"email_id"`
	Force   bool      `json:"force,omitempty"`
}

// MailFetchPayload triggers one fetch pass for a user.
type MailFetchPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// CreditsRenewPayload triggers the renewal and downgrade sweep.
type CreditsRenewPayload struct {
	RequestedAt time.Time `json:"requested_at"`
}

// ParsePayload decodes a job payload.
func ParsePayload[T any](job *Job) (*T, error) {
	var payload T
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
