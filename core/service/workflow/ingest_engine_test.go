package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/credits"
	"ingest_server/core/service/issue"
	"ingest_server/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeEmailRepo struct {
	mu          sync.Mutex
	email       *domain.EmailMessage
	transitions []domain.EmailStatus
	lastError   string
	persisted   *out.WorkflowResult
	persistedTo domain.EmailStatus
	persistDone bool
}

func (r *fakeEmailRepo) Create(ctx context.Context, email *domain.EmailMessage) error { return nil }

func (r *fakeEmailRepo) Load(ctx context.Context, id uuid.UUID) (*domain.EmailMessage, error) {
	if r.email == nil || r.email.ID != id {
		return nil, persistence.ErrNotFound
	}
	return r.email, nil
}

func (r *fakeEmailRepo) ListByStatus(ctx context.Context, statuses []domain.EmailStatus, limit int) ([]*domain.EmailMessage, error) {
	return nil, nil
}

func (r *fakeEmailRepo) TransitionStatus(ctx context.Context, id uuid.UUID, fromSet []domain.EmailStatus, to domain.EmailStatus, errorMessage string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fromSet != nil {
		ok := false
		for _, s := range fromSet {
			if r.email.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false, nil
		}
	}
	r.email.Status = to
	r.transitions = append(r.transitions, to)
	if errorMessage != "" {
		r.lastError = errorMessage
	}
	return true, nil
}

func (r *fakeEmailRepo) ResetStuck(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (r *fakeEmailRepo) PersistWorkflowResult(ctx context.Context, id uuid.UUID, result *out.WorkflowResult, toStatus domain.EmailStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = result
	r.persistedTo = toStatus
	r.persistDone = true
	if toStatus != "" {
		r.email.Status = toStatus
	}
	return nil
}

type fakeSettingsRepo struct {
	settings *domain.UserSettings
}

func (r *fakeSettingsRepo) Get(ctx context.Context, userID uuid.UUID) (*domain.UserSettings, error) {
	return r.settings, nil
}

func (r *fakeSettingsRepo) SaveEmailCursor(ctx context.Context, userID uuid.UUID, cursor time.Time) error {
	return nil
}

// echoLLM returns its input verbatim, so placeholder positions survive
// the model round trip.
type echoLLM struct {
	mu    sync.Mutex
	calls int
}

func (e *echoLLM) Chat(ctx context.Context, systemPrompt, content, language string) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return content, nil
}

type failingLLM struct{}

func (failingLLM) Chat(ctx context.Context, systemPrompt, content, language string) (string, error) {
	return "", apperr.ExternalAPI("openai", 400, nil)
}

type fakeOCR struct {
	mu    sync.Mutex
	calls int
	lines []string
}

func (o *fakeOCR) Recognize(ctx context.Context, imagePath string) ([]string, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	return o.lines, nil
}

type fakeTracker struct {
	created  []out.CreateIssueRequest
	uploaded []string
}

func (t *fakeTracker) CreateIssue(ctx context.Context, cfg *domain.JiraConfig, req out.CreateIssueRequest) (string, error) {
	t.created = append(t.created, req)
	return "OPS-42", nil
}

func (t *fakeTracker) AddAttachment(ctx context.Context, cfg *domain.JiraConfig, externalID, filePath, filename string) error {
	t.uploaded = append(t.uploaded, filename)
	return nil
}

func (t *fakeTracker) BrowseURL(cfg *domain.JiraConfig, externalID string) string {
	return cfg.URL + "/browse/" + externalID
}

type fakeIssueRepo struct{}

func (fakeIssueRepo) Create(ctx context.Context, is *domain.Issue) (*domain.Issue, error) {
	return is, nil
}

func (fakeIssueRepo) GetByEmail(ctx context.Context, emailID uuid.UUID, engine domain.IssueEngineName) (*domain.Issue, error) {
	return nil, persistence.ErrNotFound
}

type fakeCreditsRepo struct {
	consumeErr error
	consumed   []out.ConsumeRequest
}

func (r *fakeCreditsRepo) GetActive(ctx context.Context, userID uuid.UUID) (*domain.UserCredits, error) {
	return nil, persistence.ErrNotFound
}

func (r *fakeCreditsRepo) Consume(ctx context.Context, req out.ConsumeRequest) (*domain.CreditsTxn, error) {
	if r.consumeErr != nil {
		return nil, r.consumeErr
	}
	r.consumed = append(r.consumed, req)
	return &domain.CreditsTxn{ID: 1, IdempotencyKey: req.IdempotencyKey}, nil
}

func (r *fakeCreditsRepo) Refund(ctx context.Context, txnID int64) (*domain.CreditsTxn, error) {
	return nil, nil
}

func (r *fakeCreditsRepo) GrantBonus(ctx context.Context, userID uuid.UUID, amount int, reason string, operatorID *uuid.UUID, idempotencyKey string) (*domain.CreditsTxn, error) {
	return nil, nil
}

func (r *fakeCreditsRepo) GetTxnByKey(ctx context.Context, idempotencyKey string) (*domain.CreditsTxn, error) {
	return nil, persistence.ErrNotFound
}

func (r *fakeCreditsRepo) ResetPeriod(ctx context.Context, userID uuid.UUID, baseCredits, periodDays int) error {
	return nil
}

func (r *fakeCreditsRepo) ListExpired(ctx context.Context, now time.Time) ([]*domain.UserCredits, error) {
	return nil, nil
}

type fakeSubsRepo struct{}

func (fakeSubsRepo) GetByID(ctx context.Context, id int64) (*domain.Subscription, error) {
	return nil, persistence.ErrNotFound
}

func (fakeSubsRepo) GetActiveByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return nil, persistence.ErrNotFound
}

func (fakeSubsRepo) ListPastDueSince(ctx context.Context, cutoff time.Time) ([]*domain.Subscription, error) {
	return nil, nil
}

func (fakeSubsRepo) Replace(ctx context.Context, subscriptionID, newPlanID int64) (*domain.Subscription, error) {
	return nil, persistence.ErrNotFound
}

type fakePlanRepo struct{}

func (fakePlanRepo) GetByID(ctx context.Context, id int64) (*domain.Plan, error) {
	return nil, persistence.ErrNotFound
}

func (fakePlanRepo) GetFreePlan(ctx context.Context) (*domain.Plan, error) {
	return nil, persistence.ErrNotFound
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []out.StatusEvent
}

func (n *fakeNotifier) Notify(ctx context.Context, event out.StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

// =============================================================================
// Harness
// =============================================================================

type engineFixture struct {
	engine   *Engine
	emails   *fakeEmailRepo
	llm      *echoLLM
	ocr      *fakeOCR
	tracker  *fakeTracker
	credits  *fakeCreditsRepo
	notifier *fakeNotifier
	email    *domain.EmailMessage
}

func newFixture(t *testing.T, llm out.LLMEngine) *engineFixture {
	t.Helper()

	userID := uuid.New()
	email := &domain.EmailMessage{
		ID:          uuid.New(),
		UserID:      userID,
		Subject:     "Broken printer",
		Sender:      "user@example.com",
		TextContent: "The printer shows this error.\n[IMAGE: shot.png]\nPlease help.",
		Status:      domain.StatusFetched,
		Attachments: []*domain.EmailAttachment{
			{
				ID:           uuid.New(),
				SafeFilename: "shot.png",
				Filename:     "screenshot.png",
				FilePath:     "/tmp/shot.png",
				IsImage:      true,
			},
		},
	}

	settings := &domain.UserSettings{
		UserID: userID,
		Issue: &domain.IssueConfig{
			Enable: true,
			Jira: &domain.JiraConfig{
				URL:        "https://jira.example.com",
				ProjectKey: "OPS",
			},
		},
	}

	f := &engineFixture{
		emails:   &fakeEmailRepo{email: email},
		ocr:      &fakeOCR{lines: []string{"PC LOAD LETTER"}},
		tracker:  &fakeTracker{},
		credits:  &fakeCreditsRepo{},
		notifier: &fakeNotifier{},
		email:    email,
	}

	echo, _ := llm.(*echoLLM)
	if echo == nil {
		echo = &echoLLM{}
	}
	f.llm = echo

	ledger := credits.NewLedger(f.credits, fakeSubsRepo{}, fakePlanRepo{})
	issueSvc := issue.NewService(llm, f.tracker, fakeIssueRepo{})

	f.engine = NewEngine(EngineConfig{
		Emails:   f.emails,
		Settings: &fakeSettingsRepo{settings: settings},
		Ledger:   ledger,
		OCR:      f.ocr,
		LLM:      llm,
		Issues:   issueSvc,
		Notifier: f.notifier,
		Deadline: time.Minute,
	})
	return f
}

// =============================================================================
// Tests
// =============================================================================

func TestRunHappyPath(t *testing.T) {
	llm := &echoLLM{}
	f := newFixture(t, llm)

	state, err := f.engine.Run(context.Background(), f.email.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Failed() {
		t.Fatalf("run failed: %s", state.ErrorSummary())
	}

	if !f.emails.persistDone {
		t.Fatal("workflow result not persisted")
	}
	if f.emails.persistedTo != domain.StatusSuccess {
		t.Errorf("persisted status = %s, want SUCCESS", f.emails.persistedTo)
	}

	// OCR ran once for the image and its output flowed through.
	if f.ocr.calls != 1 {
		t.Errorf("ocr calls = %d, want 1", f.ocr.calls)
	}
	att := f.email.Attachments[0]
	if att.OCRContent != "PC LOAD LETTER" {
		t.Errorf("attachment OCR = %q", att.OCRContent)
	}
	if att.LLMContent != "PC LOAD LETTER" {
		t.Errorf("attachment LLM content = %q (echo should return OCR text)", att.LLMContent)
	}

	// The issue was created and the image uploaded under its safe name.
	if len(f.tracker.created) != 1 {
		t.Fatalf("issues created = %d, want 1", len(f.tracker.created))
	}
	if got := f.tracker.created[0].ProjectKey; got != "OPS" {
		t.Errorf("project key = %q", got)
	}
	if len(f.tracker.uploaded) != 1 || f.tracker.uploaded[0] != "shot.png" {
		t.Errorf("uploads = %v, want [shot.png]", f.tracker.uploaded)
	}

	// Credits were debited exactly once under the workflow key.
	if len(f.credits.consumed) != 1 {
		t.Fatalf("consume calls = %d, want 1", len(f.credits.consumed))
	}
	if got := f.credits.consumed[0].IdempotencyKey; got != domain.WorkflowIdempotencyKey(f.email.ID) {
		t.Errorf("idempotency key = %q", got)
	}

	// One success notification.
	if len(f.notifier.events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.events))
	}
	event := f.notifier.events[0]
	if event.NewStatus != domain.StatusSuccess || event.OldStatus != domain.StatusFetched {
		t.Errorf("event statuses = %s -> %s", event.OldStatus, event.NewStatus)
	}
}

func TestRunStatusProgression(t *testing.T) {
	f := newFixture(t, &echoLLM{})

	if _, err := f.engine.Run(context.Background(), f.email.ID, RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []domain.EmailStatus{
		domain.StatusProcessing,
		domain.StatusOCRProcessing, domain.StatusOCRSuccess,
		domain.StatusLLMOCRProcessing, domain.StatusLLMOCRSuccess,
		domain.StatusLLMEmailProcessing, domain.StatusLLMEmailSuccess,
		domain.StatusLLMSummaryProcessing, domain.StatusLLMSummarySuccess,
		domain.StatusIssueProcessing, domain.StatusIssueSuccess,
	}
	if len(f.emails.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", f.emails.transitions, want)
	}
	for i, s := range want {
		if f.emails.transitions[i] != s {
			t.Errorf("transition[%d] = %s, want %s", i, f.emails.transitions[i], s)
		}
	}
	if f.email.Status != domain.StatusSuccess {
		t.Errorf("final status = %s, want SUCCESS", f.email.Status)
	}
}

func TestRunPreservesPlaceholders(t *testing.T) {
	// An identity model must leave [IMAGE: f] markers in place so issue
	// assembly can substitute the macros.
	f := newFixture(t, &echoLLM{})

	state, err := f.engine.Run(context.Background(), f.email.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(state.LLMContent, "[IMAGE: shot.png]") {
		t.Errorf("placeholder lost from llm content: %q", state.LLMContent)
	}
	// The attachment's processed text rides along after the marker.
	idx := strings.Index(state.LLMContent, "[IMAGE: shot.png]")
	rest := state.LLMContent[idx:]
	if !strings.Contains(rest, "PC LOAD LETTER") {
		t.Errorf("attachment context missing after placeholder: %q", rest)
	}

	// And the final description substitutes the JIRA macro.
	if desc := f.tracker.created[0].Description; !strings.Contains(desc, "!shot.png|width=600!") {
		t.Errorf("macro missing from description: %q", desc)
	}
}

func TestRunInsufficientCreditsShortCircuits(t *testing.T) {
	f := newFixture(t, &echoLLM{})
	f.credits.consumeErr = apperr.InsufficientCredits(1, 0)

	state, err := f.engine.Run(context.Background(), f.email.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !state.Failed() {
		t.Fatal("run should fail without credits")
	}

	// No paid engine was touched.
	if f.ocr.calls != 0 {
		t.Errorf("ocr called %d times after credit failure", f.ocr.calls)
	}
	if f.llm.calls != 0 {
		t.Errorf("llm called %d times after credit failure", f.llm.calls)
	}
	if len(f.tracker.created) != 0 {
		t.Error("issue created after credit failure")
	}

	if f.emails.persistDone {
		t.Error("failed run must not persist results")
	}
	if f.email.Status != domain.StatusFailed {
		t.Errorf("status = %s, want FAILED", f.email.Status)
	}
	if !strings.Contains(f.emails.lastError, "insufficient credits") {
		t.Errorf("error message = %q", f.emails.lastError)
	}

	if len(f.notifier.events) != 1 || f.notifier.events[0].NewStatus != domain.StatusFailed {
		t.Errorf("expected one failure notification, got %+v", f.notifier.events)
	}
}

func TestRunNodeFailureReachesFinalize(t *testing.T) {
	f := newFixture(t, &echoLLM{})
	// Swap in a permanently failing model after construction paths are
	// wired; rebuild the engine with it.
	failing := failingLLM{}
	ledger := credits.NewLedger(f.credits, fakeSubsRepo{}, fakePlanRepo{})
	issueSvc := issue.NewService(failing, f.tracker, fakeIssueRepo{})
	engine := NewEngine(EngineConfig{
		Emails:   f.emails,
		Settings: &fakeSettingsRepo{settings: &domain.UserSettings{UserID: f.email.UserID}},
		Ledger:   ledger,
		OCR:      f.ocr,
		LLM:      failing,
		Issues:   issueSvc,
		Notifier: f.notifier,
		Deadline: time.Minute,
	})

	state, err := engine.Run(context.Background(), f.email.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !state.Failed() {
		t.Fatal("run should fail when the model is down")
	}

	// OCR still ran even though the model failed later.
	if f.ocr.calls != 1 {
		t.Errorf("ocr calls = %d, want 1", f.ocr.calls)
	}
	if f.emails.persistDone {
		t.Error("failed run must not persist results")
	}
	if f.email.Status != domain.StatusFailed {
		t.Errorf("status = %s, want FAILED", f.email.Status)
	}
	if !strings.Contains(f.emails.lastError, "llm_ocr:") {
		t.Errorf("error summary should name the failed stage: %q", f.emails.lastError)
	}
}

func TestRunForceMode(t *testing.T) {
	f := newFixture(t, &echoLLM{})
	f.email.Status = domain.StatusSuccess // terminal; a normal run would be refused

	state, err := f.engine.Run(context.Background(), f.email.ID, RunOptions{Force: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Failed() {
		t.Fatalf("forced run failed: %s", state.ErrorSummary())
	}

	if len(f.emails.transitions) != 0 {
		t.Errorf("force mode wrote status transitions: %v", f.emails.transitions)
	}
	if !f.emails.persistDone {
		t.Fatal("forced run should persist regenerated results")
	}
	if f.emails.persistedTo != "" {
		t.Errorf("force mode persisted status %q, want untouched", f.emails.persistedTo)
	}
	if f.email.Status != domain.StatusSuccess {
		t.Errorf("status changed to %s in force mode", f.email.Status)
	}
	if len(f.notifier.events) != 0 {
		t.Errorf("force mode sent notifications: %+v", f.notifier.events)
	}

	// Completion checks are bypassed: the engines run again even though
	// the row already has results.
	if f.ocr.calls != 1 {
		t.Errorf("ocr calls = %d, want 1", f.ocr.calls)
	}
}

func TestRunSkipsWhenRowAlreadyAdvanced(t *testing.T) {
	f := newFixture(t, &echoLLM{})
	f.email.Status = domain.StatusLLMEmailProcessing // another worker mid-run

	state, err := f.engine.Run(context.Background(), f.email.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !state.Skipped {
		t.Fatal("run should be skipped when the row already advanced")
	}
	if state.Failed() {
		t.Errorf("skip recorded as failure: %s", state.ErrorSummary())
	}

	if len(f.emails.transitions) != 0 {
		t.Errorf("skipped run wrote transitions: %v", f.emails.transitions)
	}
	if f.email.Status != domain.StatusLLMEmailProcessing {
		t.Errorf("status changed to %s", f.email.Status)
	}
	if len(f.credits.consumed) != 0 {
		t.Error("skipped run consumed credits")
	}
	if f.ocr.calls != 0 || f.llm.calls != 0 {
		t.Error("skipped run touched the engines")
	}
	if f.emails.persistDone {
		t.Error("skipped run persisted results")
	}
	if len(f.notifier.events) != 0 {
		t.Errorf("skipped run sent notifications: %+v", f.notifier.events)
	}
}

func TestRunSkipsIssueWhenDisabled(t *testing.T) {
	f := newFixture(t, &echoLLM{})
	engine := NewEngine(EngineConfig{
		Emails: f.emails,
		Settings: &fakeSettingsRepo{settings: &domain.UserSettings{
			UserID: f.email.UserID,
			Issue:  &domain.IssueConfig{Enable: false},
		}},
		Ledger:   credits.NewLedger(f.credits, fakeSubsRepo{}, fakePlanRepo{}),
		OCR:      f.ocr,
		LLM:      f.llm,
		Issues:   issue.NewService(f.llm, f.tracker, fakeIssueRepo{}),
		Notifier: f.notifier,
		Deadline: time.Minute,
	})

	state, err := engine.Run(context.Background(), f.email.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Failed() {
		t.Fatalf("run failed: %s", state.ErrorSummary())
	}
	if len(f.tracker.created) != 0 {
		t.Error("issue created despite disabled config")
	}
	if f.emails.persistedTo != domain.StatusSuccess {
		t.Errorf("persisted status = %s, want SUCCESS", f.emails.persistedTo)
	}
}

func TestRunReusesExistingOutputs(t *testing.T) {
	f := newFixture(t, &echoLLM{})
	att := f.email.Attachments[0]
	att.OCRContent = "cached ocr"
	att.LLMContent = "cached llm"
	f.email.LLMContent = "cached body"
	f.email.SummaryTitle = "cached title"
	f.email.SummaryContent = "cached summary"

	state, err := f.engine.Run(context.Background(), f.email.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Failed() {
		t.Fatalf("run failed: %s", state.ErrorSummary())
	}

	if f.ocr.calls != 0 {
		t.Errorf("ocr re-ran over cached content: %d calls", f.ocr.calls)
	}
	if state.LLMContent != "cached body" {
		t.Errorf("llm content = %q, want cached", state.LLMContent)
	}
	if state.SummaryTitle != "cached title" || state.SummaryContent != "cached summary" {
		t.Errorf("summary = %q / %q, want cached", state.SummaryTitle, state.SummaryContent)
	}
}
