package issue

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// scriptedLLM answers each system prompt with a fixed reply and records
// the content it was shown.
type scriptedLLM struct {
	replies map[string]string
	inputs  map[string]string
}

func (l *scriptedLLM) Chat(ctx context.Context, systemPrompt, content, language string) (string, error) {
	if l.inputs == nil {
		l.inputs = make(map[string]string)
	}
	l.inputs[systemPrompt] = content
	return l.replies[systemPrompt], nil
}

type recordingTracker struct {
	created []out.CreateIssueRequest
}

func (t *recordingTracker) CreateIssue(ctx context.Context, cfg *domain.JiraConfig, req out.CreateIssueRequest) (string, error) {
	t.created = append(t.created, req)
	return "OPS-7", nil
}

func (t *recordingTracker) AddAttachment(ctx context.Context, cfg *domain.JiraConfig, externalID, filePath, filename string) error {
	return nil
}

func (t *recordingTracker) BrowseURL(cfg *domain.JiraConfig, externalID string) string {
	return cfg.URL + "/browse/" + externalID
}

type emptyIssueRepo struct{}

func (emptyIssueRepo) Create(ctx context.Context, is *domain.Issue) (*domain.Issue, error) {
	return is, nil
}

func (emptyIssueRepo) GetByEmail(ctx context.Context, emailID uuid.UUID, engine domain.IssueEngineName) (*domain.Issue, error) {
	return nil, persistence.ErrNotFound
}

func TestCreateFieldSelectionReadsAssembledText(t *testing.T) {
	llm := &scriptedLLM{replies: map[string]string{
		"rewrite":          "Rewritten body.",
		"pick a project":   "NET",
		"pick an assignee": "alice",
	}}
	tracker := &recordingTracker{}
	svc := NewService(llm, tracker, emptyIssueRepo{})

	email := &domain.EmailMessage{
		ID:             uuid.New(),
		Subject:        "VPN down",
		LLMContent:     "The VPN gateway rejects all logins.",
		SummaryContent: "Gateway outage.",
	}
	cfg := &domain.JiraConfig{
		URL:               "https://jira.example.com",
		ProjectKey:        "OPS",
		DescriptionPrompt: "rewrite",
		ProjectPrompt:     "pick a project",
		AssigneePrompt:    "pick an assignee",
		AllowProjectKeys:  []string{"NET"},
		AllowAssignees:    []string{"alice"},
	}

	result, err := svc.Create(context.Background(), CreateRequest{
		Email:    email,
		Settings: &domain.UserSettings{Issue: &domain.IssueConfig{Enable: true, Jira: cfg}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The rewritten description reaches the tracker; the validated LLM
	// choices land on the request.
	if result.Description != "Rewritten body." {
		t.Errorf("description = %q", result.Description)
	}
	if len(tracker.created) != 1 {
		t.Fatalf("issues created = %d, want 1", len(tracker.created))
	}
	if got := tracker.created[0].ProjectKey; got != "NET" {
		t.Errorf("project key = %q, want NET", got)
	}
	if got := tracker.created[0].Assignee; got != "alice" {
		t.Errorf("assignee = %q, want alice", got)
	}

	// Project and assignee prompts see the assembled description, not
	// the rewrite, so field choices stay deterministic.
	for _, prompt := range []string{"pick a project", "pick an assignee"} {
		input := llm.inputs[prompt]
		if !strings.Contains(input, "The VPN gateway rejects all logins.") {
			t.Errorf("%q input lost the assembled text: %q", prompt, input)
		}
		if strings.Contains(input, "Rewritten body.") {
			t.Errorf("%q input saw the rewritten description: %q", prompt, input)
		}
	}
}

func TestCreateRejectsDisallowedChoices(t *testing.T) {
	llm := &scriptedLLM{replies: map[string]string{
		"pick a project":   "SECRET",
		"pick an assignee": "mallory",
	}}
	tracker := &recordingTracker{}
	svc := NewService(llm, tracker, emptyIssueRepo{})

	cfg := &domain.JiraConfig{
		URL:              "https://jira.example.com",
		ProjectKey:       "OPS",
		Assignee:         "oncall",
		ProjectPrompt:    "pick a project",
		AssigneePrompt:   "pick an assignee",
		AllowProjectKeys: []string{"NET"},
		AllowAssignees:   []string{"alice"},
	}

	_, err := svc.Create(context.Background(), CreateRequest{
		Email:    &domain.EmailMessage{ID: uuid.New(), Subject: "hi", LLMContent: "body"},
		Settings: &domain.UserSettings{Issue: &domain.IssueConfig{Enable: true, Jira: cfg}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if got := tracker.created[0].ProjectKey; got != "OPS" {
		t.Errorf("project key = %q, want configured default OPS", got)
	}
	if got := tracker.created[0].Assignee; got != "oncall" {
		t.Errorf("assignee = %q, want configured default oncall", got)
	}
}
