package worker

import (
	"context"
	"fmt"

	"ingest_server/adapter/out/messaging"
	"ingest_server/pkg/logger"
)

// Router maps streams to processors.
type Router struct {
	workflow *WorkflowProcessor
	fetch    *FetchProcessor
	credits  *CreditsProcessor
}

// NewRouter creates a new Router.
func NewRouter(workflow *WorkflowProcessor, fetch *FetchProcessor, credits *CreditsProcessor) *Router {
	return &Router{workflow: workflow, fetch: fetch, credits: credits}
}

// Route runs the processor for the job's stream.
func (r *Router) Route(ctx context.Context, job *Job) error {
	logger.Debug("processing job %s from %s", job.ID, job.Stream)

	switch job.Stream {
	case messaging.StreamWorkflowRun:
		return r.workflow.Process(ctx, job)
	case messaging.StreamMailFetch:
		return r.fetch.Process(ctx, job)
	case messaging.StreamCreditsRenew:
		return r.credits.Process(ctx, job)
	default:
		logger.Warn("unknown stream: %s", job.Stream)
		return nil
	}
}

// Dispatcher bridges the stream consumer and the pool. The consumer
// acks once Handle returns; job-level retries live in the pool.
type Dispatcher struct {
	pool *Pool
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(pool *Pool) *Dispatcher {
	return &Dispatcher{pool: pool}
}

var _ messaging.JobHandler = (*Dispatcher)(nil)

// Handle implements messaging.JobHandler.
func (d *Dispatcher) Handle(ctx context.Context, stream string, data []byte) error {
	if !d.pool.Submit(NewJob(stream, data)) {
		return fmt.Errorf("worker pool not accepting jobs")
	}
	return nil
}
