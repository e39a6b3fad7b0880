package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/credits"
	"ingest_server/core/service/issue"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
	"ingest_server/pkg/resilience"
)

// Default prompts used when the user configured none.
const (
	defaultEmailPrompt   = "Normalize the following email content for an issue tracker. Keep all [IMAGE: ...] placeholders exactly where they appear."
	defaultOCRPrompt     = "Clean up the following OCR text. Fix obvious recognition errors, keep the meaning."
	defaultSummaryPrompt = "Summarize the following email in a few sentences for an issue description."
	defaultTitlePrompt   = "Write a one-line title for the following email."
)

// Engine drives the seven-node pipeline. One Run per email per
// invocation; nodes execute sequentially and share a State.
type Engine struct {
	emails   out.EmailRepository
	settings out.SettingsRepository
	ledger   *credits.Ledger
	ocr      out.OCREngine
	llm      out.LLMEngine
	issues   *issue.Service
	notifier out.Notifier

	deadline time.Duration
	retry    resilience.RetryConfig
	log      *logger.Logger
}

// EngineConfig holds workflow engine construction parameters.
type EngineConfig struct {
	Emails   out.EmailRepository
	Settings out.SettingsRepository
	Ledger   *credits.Ledger
	OCR      out.OCREngine
	LLM      out.LLMEngine
	Issues   *issue.Service
	Notifier out.Notifier
	Deadline time.Duration
}

// NewEngine creates a new workflow Engine.
func NewEngine(cfg EngineConfig) *Engine {
	deadline := cfg.Deadline
	if deadline == 0 {
		deadline = 30 * time.Minute
	}
	return &Engine{
		emails:   cfg.Emails,
		settings: cfg.Settings,
		ledger:   cfg.Ledger,
		ocr:      cfg.OCR,
		llm:      cfg.LLM,
		issues:   cfg.Issues,
		notifier: cfg.Notifier,
		deadline: deadline,
		retry:    resilience.DefaultRetryConfig(),
		log:      logger.Default().WithField("component", "workflow"),
	}
}

// Run executes one workflow run for the email. The returned State
// carries the node errors of a failed run; the error return is
// reserved for run-level failures (load, finalize commit).
func (e *Engine) Run(ctx context.Context, emailID uuid.UUID, opts RunOptions) (*State, error) {
	deadline := opts.Deadline
	if deadline == 0 {
		deadline = e.deadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	state := &State{Options: opts, StartedAt: time.Now().UTC()}

	e.prepare(ctx, emailID, state)

	// A refused prepare transition ends the run silently; another worker
	// owns the row.
	if state.Skipped {
		return state, nil
	}

	// A prepare failure (missing row, bad config, no credits) stops the
	// run before any external engine is called.
	if !state.Failed() {
		e.runOCR(ctx, state)
		e.runLLMAttachments(ctx, state)
		e.runLLMEmail(ctx, state)
		e.runSummary(ctx, state)
		e.runIssue(ctx, state)
	}

	if err := e.finalize(ctx, state); err != nil {
		return state, err
	}
	return state, nil
}

// =============================================================================
// Nodes
// =============================================================================

func (e *Engine) prepare(ctx context.Context, emailID uuid.UUID, state *State) {
	email, err := e.emails.Load(ctx, emailID)
	if err != nil {
		state.Fail(domain.StagePrepare, apperr.DataIntegrity(fmt.Sprintf("email %s not loadable", emailID), err))
		return
	}
	state.Email = email
	state.OldStatus = email.Status

	settings, err := e.settings.Get(ctx, email.UserID)
	if err != nil {
		state.Fail(domain.StagePrepare, fmt.Errorf("failed to load user settings: %w", err))
		return
	}
	state.Settings = settings

	if !state.Options.Force {
		row, _ := domain.StatusesFor(domain.StagePrepare)
		ok, err := e.emails.TransitionStatus(ctx, email.ID, row.AllowedIn, row.Processing, "")
		if err != nil {
			state.Fail(domain.StagePrepare, err)
			return
		}
		if !ok {
			// Another worker already advanced the row. Not an error; the
			// run ends without a status write or a notification.
			e.log.WithField("email_id", email.ID).Info("skipping run, status %s already advanced", email.Status)
			state.Skipped = true
			return
		}
	}

	cost := e.ledger.WorkflowCost(ctx, email.UserID)
	_, err = e.ledger.Consume(ctx, out.ConsumeRequest{
		UserID:         email.UserID,
		Amount:         cost,
		Reason:         "workflow execution",
		IdempotencyKey: domain.WorkflowIdempotencyKey(email.ID),
		EmailMessageID: &email.ID,
	})
	if err != nil {
		state.Fail(domain.StagePrepare, err)
	}
}

// runOCR recognizes text in every image attachment. Per-attachment
// failures are captured but remaining attachments still run.
func (e *Engine) runOCR(ctx context.Context, state *State) {
	e.enterStage(ctx, state, domain.StageOCR)

	var stageErr error
	for _, att := range state.Email.ImageAttachments() {
		if att.OCRContent != "" && !state.Options.Force {
			continue
		}

		var lines []string
		err := resilience.Retry(ctx, e.retry, apperr.IsRetryable, func(ctx context.Context) error {
			var err error
			lines, err = e.ocr.Recognize(ctx, att.FilePath)
			return err
		})
		if err != nil {
			stageErr = fmt.Errorf("ocr failed for %s: %w", att.SafeFilename, err)
			state.Fail(domain.StageOCR, stageErr)
			continue
		}
		att.OCRContent = strings.Join(lines, "\n")
	}

	e.exitStage(ctx, state, domain.StageOCR, stageErr)
}

// runLLMAttachments normalizes each attachment's OCR text. An empty
// completion is stored as-is.
func (e *Engine) runLLMAttachments(ctx context.Context, state *State) {
	e.enterStage(ctx, state, domain.StageLLMOCR)

	prompt := state.prompt(func(p *domain.PromptConfig) string { return p.OCRPrompt }, defaultOCRPrompt)

	var stageErr error
	for _, att := range state.Email.ImageAttachments() {
		if att.OCRContent == "" {
			continue
		}
		if att.LLMContent != "" && !state.Options.Force {
			continue
		}

		var result string
		err := resilience.Retry(ctx, e.retry, apperr.IsRetryable, func(ctx context.Context) error {
			var err error
			result, err = e.llm.Chat(ctx, prompt, att.OCRContent, state.Language())
			return err
		})
		if err != nil {
			stageErr = fmt.Errorf("llm failed for attachment %s: %w", att.SafeFilename, err)
			state.Fail(domain.StageLLMOCR, stageErr)
			continue
		}
		att.LLMContent = result
	}

	e.exitStage(ctx, state, domain.StageLLMOCR, stageErr)
}

// runLLMEmail normalizes the email body. Image placeholders stay in
// place; each matched one gets its attachment's processed text inlined
// after it so the model sees the image context in position.
func (e *Engine) runLLMEmail(ctx context.Context, state *State) {
	e.enterStage(ctx, state, domain.StageLLMEmail)

	if state.Email.LLMContent != "" && !state.Options.Force {
		state.LLMContent = state.Email.LLMContent
		e.exitStage(ctx, state, domain.StageLLMEmail, nil)
		return
	}

	text := expandPlaceholders(state.Email.WorkingText(), state.Email.Attachments)
	prompt := state.prompt(func(p *domain.PromptConfig) string { return p.EmailContentPrompt }, defaultEmailPrompt)

	var result string
	err := resilience.Retry(ctx, e.retry, apperr.IsRetryable, func(ctx context.Context) error {
		var err error
		result, err = e.llm.Chat(ctx, prompt, text, state.Language())
		return err
	})
	if err != nil {
		state.Fail(domain.StageLLMEmail, fmt.Errorf("llm email normalization failed: %w", err))
		e.exitStage(ctx, state, domain.StageLLMEmail, err)
		return
	}
	state.LLMContent = result

	e.exitStage(ctx, state, domain.StageLLMEmail, nil)
}

// runSummary produces the summary body and title from the combined
// content. Skipped when both already exist and the run is not forced.
func (e *Engine) runSummary(ctx context.Context, state *State) {
	e.enterStage(ctx, state, domain.StageLLMSummary)

	if state.Email.SummaryTitle != "" && state.Email.SummaryContent != "" && !state.Options.Force {
		state.SummaryTitle = state.Email.SummaryTitle
		state.SummaryContent = state.Email.SummaryContent
		e.exitStage(ctx, state, domain.StageLLMSummary, nil)
		return
	}

	var b strings.Builder
	b.WriteString("Subject: ")
	b.WriteString(state.Email.Subject)
	b.WriteString("\nText Content: ")
	b.WriteString(state.LLMContent)
	for _, att := range state.Email.ImageAttachments() {
		if att.LLMContent != "" {
			b.WriteString("\n")
			b.WriteString(att.LLMContent)
		}
	}
	combined := b.String()

	summaryPrompt := state.prompt(func(p *domain.PromptConfig) string { return p.SummaryPrompt }, defaultSummaryPrompt)
	titlePrompt := state.prompt(func(p *domain.PromptConfig) string { return p.SummaryTitlePrompt }, defaultTitlePrompt)

	var stageErr error
	err := resilience.Retry(ctx, e.retry, apperr.IsRetryable, func(ctx context.Context) error {
		var err error
		state.SummaryContent, err = e.llm.Chat(ctx, summaryPrompt, combined, state.Language())
		return err
	})
	if err != nil {
		stageErr = fmt.Errorf("summary generation failed: %w", err)
		state.Fail(domain.StageLLMSummary, stageErr)
	}

	err = resilience.Retry(ctx, e.retry, apperr.IsRetryable, func(ctx context.Context) error {
		var err error
		state.SummaryTitle, err = e.llm.Chat(ctx, titlePrompt, combined, state.Language())
		return err
	})
	if err != nil {
		stageErr = fmt.Errorf("title generation failed: %w", err)
		state.Fail(domain.StageLLMSummary, stageErr)
	}

	e.exitStage(ctx, state, domain.StageLLMSummary, stageErr)
}

// runIssue creates the external issue when the user enabled a tracker.
func (e *Engine) runIssue(ctx context.Context, state *State) {
	if state.Settings.Issue == nil || !state.Settings.Issue.Enable {
		return
	}

	e.enterStage(ctx, state, domain.StageIssue)

	// The issue builder reads the node outputs through the email value.
	state.Email.LLMContent = state.LLMContent
	state.Email.SummaryTitle = state.SummaryTitle
	state.Email.SummaryContent = state.SummaryContent

	result, err := e.issues.Create(ctx, issue.CreateRequest{
		Email:    state.Email,
		Settings: state.Settings,
		Force:    state.Options.Force,
		Language: state.Language(),
	})
	if err != nil {
		state.Fail(domain.StageIssue, err)
		e.exitStage(ctx, state, domain.StageIssue, err)
		return
	}
	state.IssueResult = result

	e.exitStage(ctx, state, domain.StageIssue, nil)
}

// finalize is the single exit point. Any node error means nothing is
// persisted and the row goes to FAILED; otherwise every output commits
// in one transaction and the row goes to SUCCESS.
func (e *Engine) finalize(ctx context.Context, state *State) error {
	if state.Email == nil {
		return apperr.DataIntegrity("workflow run has no email", nil)
	}
	emailID := state.Email.ID

	if state.Failed() {
		if state.IssueResult != nil {
			e.log.WithFields(map[string]any{
				"email_id":    emailID,
				"external_id": state.IssueResult.ExternalID,
			}).Warn("run failed after external issue creation; issue row not persisted")
		}
		if !state.Options.Force {
			// Unconditional write: the row may sit in any stage status
			// when a node fails.
			moved, err := e.emails.TransitionStatus(ctx, emailID, nil, domain.StatusFailed, state.ErrorSummary())
			if err != nil {
				return err
			}
			if !moved {
				e.log.WithField("email_id", emailID).Warn("row missing, FAILED status not recorded")
			}
			e.notify(ctx, state, domain.StatusFailed)
		}
		return nil
	}

	result := &out.WorkflowResult{
		LLMContent:     state.LLMContent,
		SummaryTitle:   state.SummaryTitle,
		SummaryContent: state.SummaryContent,
		Metadata: map[string]any{
			"workflow": map[string]any{
				"run_id":      uuid.New().String(),
				"duration_ms": time.Since(state.StartedAt).Milliseconds(),
				"force":       state.Options.Force,
			},
		},
		Issue: state.IssueResult,
	}
	if state.IssueResult != nil {
		result.Metadata["issue"] = map[string]any{
			"engine":      string(state.IssueResult.Engine),
			"external_id": state.IssueResult.ExternalID,
		}
	}
	for _, att := range state.Email.Attachments {
		result.AttachmentUpdates = append(result.AttachmentUpdates, out.AttachmentUpdate{
			AttachmentID: att.ID,
			OCRContent:   att.OCRContent,
			LLMContent:   att.LLMContent,
		})
	}

	toStatus := domain.StatusSuccess
	if state.Options.Force {
		toStatus = ""
	}
	if err := e.emails.PersistWorkflowResult(ctx, emailID, result, toStatus); err != nil {
		return err
	}

	if !state.Options.Force {
		e.notify(ctx, state, domain.StatusSuccess)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// enterStage moves the row into the stage's processing status. Force
// mode never touches status. A refused transition means another worker
// advanced the row; the run continues because dispatch-level locking
// already serializes runs per email.
func (e *Engine) enterStage(ctx context.Context, state *State, stage domain.Stage) {
	if state.Options.Force {
		return
	}
	row, ok := domain.StatusesFor(stage)
	if !ok {
		return
	}
	moved, err := e.emails.TransitionStatus(ctx, state.Email.ID, row.AllowedIn, row.Processing, "")
	if err != nil {
		e.log.WithField("email_id", state.Email.ID).Warn("stage %s enter transition failed: %v", stage, err)
		return
	}
	if !moved {
		e.log.WithField("email_id", state.Email.ID).Info("stage %s enter skipped, row already advanced", stage)
	}
}

// exitStage records the stage outcome on the row.
func (e *Engine) exitStage(ctx context.Context, state *State, stage domain.Stage, stageErr error) {
	if state.Options.Force {
		return
	}
	row, ok := domain.StatusesFor(stage)
	if !ok {
		return
	}

	to := row.Success
	msg := ""
	if stageErr != nil {
		to = row.Failed
		msg = stageErr.Error()
	}
	if _, err := e.emails.TransitionStatus(ctx, state.Email.ID, []domain.EmailStatus{row.Processing}, to, msg); err != nil {
		e.log.WithField("email_id", state.Email.ID).Warn("stage %s exit transition failed: %v", stage, err)
	}
}

func (e *Engine) notify(ctx context.Context, state *State, newStatus domain.EmailStatus) {
	if e.notifier == nil {
		return
	}
	event := out.StatusEvent{
		EmailID:   state.Email.ID,
		UserID:    state.Email.UserID,
		OldStatus: state.OldStatus,
		NewStatus: newStatus,
		Subject:   state.Email.Subject,
		Summary:   state.SummaryContent,
	}
	if state.IssueResult != nil {
		event.IssueURL = state.IssueResult.IssueURL
	}
	if newStatus == domain.StatusFailed {
		event.Error = state.ErrorSummary()
	}
	e.notifier.Notify(ctx, event)
}

// expandPlaceholders inlines each matched attachment's processed text
// after its [IMAGE: f] placeholder. The placeholder itself stays so
// downstream embedding can still find it.
func expandPlaceholders(text string, attachments []*domain.EmailAttachment) string {
	for _, att := range attachments {
		if att.LLMContent == "" {
			continue
		}
		placeholder := domain.ImagePlaceholder(att.SafeFilename)
		text = strings.ReplaceAll(text, placeholder, placeholder+"\n"+att.LLMContent)
	}
	return text
}
