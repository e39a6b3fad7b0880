package issue

import (
	"context"
	"errors"
	"strings"
	"time"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

// Metadata cache keys for LLM field decisions. Re-runs honor the cache
// unless forced.
const (
	metaLLMDescription = "llm_description"
	metaLLMProjectKey  = "llm_project_key"
	metaLLMAssignee    = "llm_assignee"
	metaUploadResult   = "upload_result"
)

// Service builds and delivers one external issue per email.
type Service struct {
	llm     out.LLMEngine
	tracker out.IssueTracker
	issues  out.IssueRepository
	log     *logger.Logger
}

// NewService creates a new issue Service.
func NewService(llm out.LLMEngine, tracker out.IssueTracker, issues out.IssueRepository) *Service {
	return &Service{
		llm:     llm,
		tracker: tracker,
		issues:  issues,
		log:     logger.Default().WithField("component", "issue"),
	}
}

// CreateRequest is one issue synthesis pass.
type CreateRequest struct {
	Email    *domain.EmailMessage
	Settings *domain.UserSettings
	Force    bool
	Language string
}

// Create synthesizes the issue fields, creates the external issue and
// uploads attachments per policy. Per-file upload failures are
// reported in the result metadata, never as an error.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.IssueResult, error) {
	issueCfg := req.Settings.Issue
	if issueCfg == nil || issueCfg.Jira == nil {
		return nil, apperr.ConfigError("issue tracker enabled but jira config missing")
	}
	cfg := issueCfg.Jira
	if cfg.URL == "" || cfg.ProjectKey == "" {
		return nil, apperr.ConfigError("jira url and project_key are required")
	}

	summary := BuildSummary(req.Email, cfg, time.Now())
	assembled, _ := BuildDescription(req.Email)

	cache := s.loadFieldCache(ctx, req.Email, req.Force)

	// Selection prompts read the assembled text, never the rewritten
	// description.
	description := s.selectDescription(ctx, cfg, assembled, req.Language, cache)
	projectKey := s.selectProjectKey(ctx, cfg, assembled, req.Language, cache)
	assignee := s.selectAssignee(ctx, cfg, assembled, req.Language, cache)

	issueType := cfg.DefaultIssueType
	if issueType == "" {
		issueType = "Task"
	}

	externalID, err := s.tracker.CreateIssue(ctx, cfg, out.CreateIssueRequest{
		ProjectKey:  projectKey,
		Summary:     summary,
		IssueType:   issueType,
		Description: description,
		Assignee:    assignee,
		Priority:    cfg.DefaultPriority,
		EpicLink:    cfg.EpicLink,
	})
	if err != nil {
		return nil, err
	}

	uploads := s.uploadAttachments(ctx, cfg, externalID, req.Email.Attachments)

	metadata := map[string]any{metaUploadResult: uploads}
	for k, v := range cache {
		metadata[k] = v
	}

	return &domain.IssueResult{
		Engine:      domain.IssueEngineJira,
		ExternalID:  externalID,
		IssueURL:    s.tracker.BrowseURL(cfg, externalID),
		Title:       summary,
		Description: description,
		Priority:    cfg.DefaultPriority,
		Metadata:    metadata,
	}, nil
}

// loadFieldCache returns prior LLM field decisions from the previous
// issue row's metadata. Force mode starts empty.
func (s *Service) loadFieldCache(ctx context.Context, email *domain.EmailMessage, force bool) map[string]string {
	cache := make(map[string]string)
	if force {
		return cache
	}

	prior, err := s.issues.GetByEmail(ctx, email.ID, domain.IssueEngineJira)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			s.log.WithField("email_id", email.ID).Warn("failed to load prior issue for cache: %v", err)
		}
		return cache
	}
	for _, key := range []string{metaLLMDescription, metaLLMProjectKey, metaLLMAssignee} {
		if v, ok := prior.Metadata[key].(string); ok && v != "" {
			cache[key] = v
		}
	}
	return cache
}

// selectDescription optionally rewrites the description through the
// configured prompt. Failures fall back to the assembled text.
func (s *Service) selectDescription(ctx context.Context, cfg *domain.JiraConfig, description, language string, cache map[string]string) string {
	if cfg.DescriptionPrompt == "" {
		return description
	}
	if cached, ok := cache[metaLLMDescription]; ok {
		return cached
	}

	result, err := s.llm.Chat(ctx, cfg.DescriptionPrompt, description, language)
	if err != nil || strings.TrimSpace(result) == "" {
		if err != nil {
			s.log.Warn("description prompt failed, using assembled text: %v", err)
		}
		return description
	}
	result = truncate(stripEmoji(result), maxDescriptionLen)
	cache[metaLLMDescription] = result
	return result
}

// selectProjectKey resolves the project key, validating any LLM choice
// against the allow list.
func (s *Service) selectProjectKey(ctx context.Context, cfg *domain.JiraConfig, description, language string, cache map[string]string) string {
	if cfg.ProjectPrompt == "" {
		return cfg.ProjectKey
	}
	if cached, ok := cache[metaLLMProjectKey]; ok {
		return cached
	}

	result, err := s.llm.Chat(ctx, cfg.ProjectPrompt, description, language)
	if err != nil {
		s.log.Warn("project prompt failed, using default key: %v", err)
		return cfg.ProjectKey
	}
	choice := strings.TrimSpace(result)
	if !allowed(choice, cfg.AllowProjectKeys) {
		return cfg.ProjectKey
	}
	cache[metaLLMProjectKey] = choice
	return choice
}

// selectAssignee resolves the assignee, validating any LLM choice
// against the allow list.
func (s *Service) selectAssignee(ctx context.Context, cfg *domain.JiraConfig, description, language string, cache map[string]string) string {
	if cfg.AssigneePrompt == "" {
		return cfg.Assignee
	}
	if cached, ok := cache[metaLLMAssignee]; ok {
		return cached
	}

	result, err := s.llm.Chat(ctx, cfg.AssigneePrompt, description, language)
	if err != nil {
		s.log.Warn("assignee prompt failed, using default assignee: %v", err)
		return cfg.Assignee
	}
	choice := strings.TrimSpace(result)
	if !allowed(choice, cfg.AllowAssignees) {
		return cfg.Assignee
	}
	cache[metaLLMAssignee] = choice
	return choice
}

func allowed(choice string, allowList []string) bool {
	if choice == "" {
		return false
	}
	if len(allowList) == 0 {
		return true
	}
	for _, a := range allowList {
		if a == choice {
			return true
		}
	}
	return false
}

// uploadAttachments applies the upload policy: images with OCR text go
// up under their safe filename so embedded macros resolve; images
// without OCR are skipped; everything else uploads under its original
// name.
func (s *Service) uploadAttachments(ctx context.Context, cfg *domain.JiraConfig, externalID string, attachments []*domain.EmailAttachment) *domain.UploadResult {
	result := &domain.UploadResult{}
	for _, att := range attachments {
		if att.IsImage && att.OCRContent == "" {
			result.SkippedCount++
			continue
		}

		uploadName := att.Filename
		if att.IsImage {
			uploadName = att.SafeFilename
		}

		if err := s.tracker.AddAttachment(ctx, cfg, externalID, att.FilePath, uploadName); err != nil {
			s.log.WithField("attachment", att.SafeFilename).Warn("attachment upload failed: %v", err)
			result.FailedCount++
			result.Failed = append(result.Failed, att.SafeFilename)
			continue
		}
		result.UploadedCount++
	}
	return result
}
