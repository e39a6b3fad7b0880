package worker

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"ingest_server/adapter/out/messaging"
	"ingest_server/core/domain"
)

func workflowJob(t *testing.T, payload WorkflowRunPayload) *Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return NewJob(messaging.StreamWorkflowRun, data)
}

func TestWorkflowProcessorSkipsWhenLocked(t *testing.T) {
	emailID := uuid.New()
	locker := &fakeLocker{refuse: map[string]bool{
		domain.WorkflowIdempotencyKey(emailID): true,
	}}
	// The nil engine guarantees the contended path never starts a run.
	p := NewWorkflowProcessor(nil, locker, time.Minute)

	err := p.Process(context.Background(), workflowJob(t, WorkflowRunPayload{EmailID: emailID}))
	if err != nil {
		t.Fatalf("contended dispatch must complete without error: %v", err)
	}
}

func TestWorkflowProcessorDropsGarbagePayload(t *testing.T) {
	locker := &fakeLocker{}
	p := NewWorkflowProcessor(nil, locker, time.Minute)

	job := NewJob(messaging.StreamWorkflowRun, []byte("not json"))
	if err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("unparseable payload must be dropped, not retried: %v", err)
	}
	if len(locker.held) != 0 {
		t.Error("garbage payload took the lock")
	}
}
