package worker

import (
	"context"
	"time"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/credits"
	"ingest_server/core/service/fetch"
	"ingest_server/core/service/workflow"
	"ingest_server/pkg/logger"
)

// WorkflowProcessor runs one workflow per job behind the per-email
// single-flight lock.
type WorkflowProcessor struct {
	engine   *workflow.Engine
	locker   out.Locker
	deadline time.Duration
	log      *logger.Logger
}

// NewWorkflowProcessor creates a new WorkflowProcessor.
func NewWorkflowProcessor(engine *workflow.Engine, locker out.Locker, deadline time.Duration) *WorkflowProcessor {
	if deadline == 0 {
		deadline = 30 * time.Minute
	}
	return &WorkflowProcessor{
		engine:   engine,
		locker:   locker,
		deadline: deadline,
		log:      logger.Default().WithField("processor", "workflow"),
	}
}

// Process runs one workflow job. A held lock means another worker is
// already on this email; the job completes without error.
func (p *WorkflowProcessor) Process(ctx context.Context, job *Job) error {
	payload, err := ParsePayload[WorkflowRunPayload](job)
	if err != nil {
		p.log.Error("invalid workflow payload: %v", err)
		return nil // unparseable payloads never become retries
	}

	release, ok, err := p.locker.Acquire(ctx, domain.WorkflowIdempotencyKey(payload.EmailID), p.deadline)
	if err != nil {
		return err
	}
	if !ok {
		p.log.WithField("email_id", payload.EmailID).Info("workflow already running, skipping")
		return nil
	}
	defer release()

	state, err := p.engine.Run(ctx, payload.EmailID, workflow.RunOptions{
		Force:    payload.Force,
		Deadline: p.deadline,
	})
	if err != nil {
		return err
	}
	if state.Failed() {
		// Node failures are terminal for this run; the row is FAILED and
		// a retry needs an operator or a new dispatch.
		p.log.WithField("email_id", payload.EmailID).Warn("workflow run failed: %s", state.ErrorSummary())
	}
	return nil
}

// FetchProcessor runs one fetch pass per job.
type FetchProcessor struct {
	fetcher *fetch.Service
	log     *logger.Logger
}

// NewFetchProcessor creates a new FetchProcessor.
func NewFetchProcessor(fetcher *fetch.Service) *FetchProcessor {
	return &FetchProcessor{
		fetcher: fetcher,
		log:     logger.Default().WithField("processor", "fetch"),
	}
}

// Process runs one fetch job.
func (p *FetchProcessor) Process(ctx context.Context, job *Job) error {
	payload, err := ParsePayload[MailFetchPayload](job)
	if err != nil {
		p.log.Error("invalid fetch payload: %v", err)
		return nil
	}
	_, err = p.fetcher.FetchUserEmails(ctx, payload.UserID)
	return err
}

// CreditsProcessor runs the renewal and downgrade sweep.
type CreditsProcessor struct {
	ledger *credits.Ledger
	tasks  out.TaskRepository
	grace  time.Duration
	log    *logger.Logger
}

// NewCreditsProcessor creates a new CreditsProcessor.
func NewCreditsProcessor(ledger *credits.Ledger, tasks out.TaskRepository, grace time.Duration) *CreditsProcessor {
	if grace == 0 {
		grace = 7 * 24 * time.Hour
	}
	return &CreditsProcessor{
		ledger: ledger,
		tasks:  tasks,
		grace:  grace,
		log:    logger.Default().WithField("processor", "credits"),
	}
}

// Process runs one renewal sweep.
func (p *CreditsProcessor) Process(ctx context.Context, job *Job) error {
	task, err := p.tasks.Create(ctx, &domain.EmailTask{
		TaskType: domain.TaskTypeCreditsRenew,
		Status:   domain.TaskPending,
	})
	if err != nil {
		p.log.Warn("renewal task row not created: %v", err)
	} else if err := p.tasks.MarkRunning(ctx, task.ID); err != nil {
		p.log.WithField("task_id", task.ID).Warn("renewal task not marked running: %v", err)
	}

	renewed, renewErr := p.ledger.RenewDue(ctx)
	downgraded, downErr := p.ledger.DowngradePastDue(ctx, p.grace)

	sweepErr := renewErr
	if sweepErr == nil {
		sweepErr = downErr
	}

	if task != nil {
		if sweepErr != nil {
			if err := p.tasks.MarkFailed(ctx, task.ID, sweepErr.Error()); err != nil {
				p.log.WithField("task_id", task.ID).Warn("renewal task not marked failed: %v", err)
			}
		} else {
			details := map[string]any{"renewed": renewed, "downgraded": downgraded}
			if err := p.tasks.MarkCompleted(ctx, task.ID, renewed, details); err != nil {
				p.log.WithField("task_id", task.ID).Warn("renewal task not marked completed: %v", err)
			}
		}
	}

	p.log.Info("renewal sweep done: %d renewed, %d downgraded", renewed, downgraded)
	return sweepErr
}
