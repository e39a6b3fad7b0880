// Package fetch acquires mail for users and persists it as FETCHED
// rows ready for workflow dispatch.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

// Service runs one fetch pass per user: pull messages from the user's
// configured source, store attachment bytes, archive the raw source and
// insert the email rows. Duplicate messages are silently skipped.
type Service struct {
	users    out.UserRepository
	settings out.SettingsRepository
	emails   out.EmailRepository
	tasks    out.TaskRepository
	store    out.AttachmentStore
	archive  out.RawMailArchive

	imap out.MailSource
	drop out.MailSource

	log *logger.Logger
}

// ServiceConfig holds fetch service construction parameters. Archive is
// optional.
type ServiceConfig struct {
	Users    out.UserRepository
	Settings out.SettingsRepository
	Emails   out.EmailRepository
	Tasks    out.TaskRepository
	Store    out.AttachmentStore
	Archive  out.RawMailArchive
	IMAP     out.MailSource
	Maildrop out.MailSource
}

// NewService creates a new fetch Service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		users:    cfg.Users,
		settings: cfg.Settings,
		emails:   cfg.Emails,
		tasks:    cfg.Tasks,
		store:    cfg.Store,
		archive:  cfg.Archive,
		imap:     cfg.IMAP,
		drop:     cfg.Maildrop,
		log:      logger.Default().WithField("component", "fetch"),
	}
}

// Result is the outcome of one fetch pass.
type Result struct {
	Fetched    int
	Duplicates int
	Failed     int
}

// FetchUserEmails runs one traced fetch pass for the user.
func (s *Service) FetchUserEmails(ctx context.Context, userID uuid.UUID) (*Result, error) {
	task, err := s.tasks.Create(ctx, &domain.EmailTask{
		UserID:   &userID,
		TaskType: domain.TaskTypeFetch,
		Status:   domain.TaskPending,
	})
	if err != nil {
		// Tracing must not block ingestion.
		s.log.WithField("user_id", userID).Warn("fetch task row not created: %v", err)
	} else {
		if err := s.tasks.MarkRunning(ctx, task.ID); err != nil {
			s.log.WithField("task_id", task.ID).Warn("fetch task not marked running: %v", err)
		}
	}

	result, runErr := s.run(ctx, userID)

	if task != nil {
		if runErr != nil {
			if err := s.tasks.MarkFailed(ctx, task.ID, runErr.Error()); err != nil {
				s.log.WithField("task_id", task.ID).Warn("fetch task not marked failed: %v", err)
			}
		} else {
			details := map[string]any{
				"duplicates": result.Duplicates,
				"failed":     result.Failed,
			}
			if err := s.tasks.MarkCompleted(ctx, task.ID, result.Fetched, details); err != nil {
				s.log.WithField("task_id", task.ID).Warn("fetch task not marked completed: %v", err)
			}
		}
	}
	return result, runErr
}

func (s *Service) run(ctx context.Context, userID uuid.UUID) (*Result, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	settings, err := s.settings.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if settings.Email == nil {
		return nil, apperr.ConfigError("user has no email config")
	}
	cfg := settings.Email

	source, err := s.sourceFor(cfg.Mode)
	if err != nil {
		return nil, err
	}

	fetched, err := source.Fetch(ctx, user, cfg, cfg.Cursor)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, raw := range fetched.Emails {
		switch err := s.persist(ctx, userID, raw); {
		case err == nil:
			result.Fetched++
		case errors.Is(err, persistence.ErrDuplicate):
			result.Duplicates++
		default:
			result.Failed++
			s.log.WithFields(map[string]any{
				"user_id":    userID,
				"message_id": raw.MessageID,
			}).Error("message not persisted: %v", err)
		}
	}

	// The cursor only moves when the pass produced a later timestamp, so
	// a skipped window is retried next round.
	if fetched.NewCursor != nil && (cfg.Cursor == nil || fetched.NewCursor.After(*cfg.Cursor)) {
		if err := s.settings.SaveEmailCursor(ctx, userID, *fetched.NewCursor); err != nil {
			s.log.WithField("user_id", userID).Error("cursor not saved: %v", err)
		}
	}

	s.log.WithField("user_id", userID).Info("fetch pass done: %d new, %d duplicate, %d failed",
		result.Fetched, result.Duplicates, result.Failed)
	return result, nil
}

func (s *Service) sourceFor(mode domain.EmailSourceMode) (out.MailSource, error) {
	switch mode {
	case domain.ModeCustomIMAP:
		return s.imap, nil
	case domain.ModeAutoAssign, "":
		return s.drop, nil
	default:
		return nil, apperr.ConfigError(fmt.Sprintf("unknown email source mode %q", mode))
	}
}

// persist stores attachment bytes, archives the raw source and inserts
// the email row as FETCHED.
func (s *Service) persist(ctx context.Context, userID uuid.UUID, raw *domain.RawEmail) error {
	email := &domain.EmailMessage{
		ID:          uuid.New(),
		UserID:      userID,
		MessageID:   raw.MessageID,
		Subject:     raw.Subject,
		Sender:      raw.Sender,
		Recipients:  raw.Recipients,
		ReceivedAt:  raw.ReceivedAt,
		RawContent:  raw.RawContent,
		HTMLContent: raw.HTMLContent,
		TextContent: raw.TextContent,
		Status:      domain.StatusFetched,
	}

	for i := range raw.Attachments {
		att := &raw.Attachments[i]
		safeName := att.SafeFilename()
		path, err := s.store.Save(ctx, safeName, att.Content)
		if err != nil {
			return fmt.Errorf("attachment %s not stored: %w", safeName, err)
		}
		email.Attachments = append(email.Attachments, &domain.EmailAttachment{
			ID:             uuid.New(),
			UserID:         userID,
			EmailMessageID: email.ID,
			Filename:       att.Filename,
			SafeFilename:   safeName,
			ContentType:    att.ContentType,
			FileSize:       int64(len(att.Content)),
			FilePath:       path,
			IsImage:        att.IsImage,
		})
	}

	if s.archive != nil && raw.RawContent != "" {
		if err := s.archive.Store(ctx, userID, raw.MessageID, []byte(raw.RawContent)); err != nil {
			s.log.WithField("message_id", raw.MessageID).Warn("raw mail not archived: %v", err)
		}
	}

	return s.emails.Create(ctx, email)
}

// ListFetchUsers returns the fan-out population for the scheduler.
func (s *Service) ListFetchUsers(ctx context.Context) ([]*domain.User, error) {
	return s.users.ListWithEmailConfig(ctx)
}
