package mailsource

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

// IMAPSource implements out.MailSource against a user's own mailbox.
// A fresh connection is made per fetch pass; credentials come from the
// user's email_config block.
type IMAPSource struct {
	windowDays   int
	batchLimit   int
	dialTimeout  time.Duration
	totalTimeout time.Duration
	log          *logger.Logger
}

// IMAPSourceConfig holds fetch pass limits.
type IMAPSourceConfig struct {
	WindowDays   int // default lookback when no cursor exists
	BatchLimit   int // max messages per pass
	DialTimeout  time.Duration
	TotalTimeout time.Duration
}

// NewIMAPSource creates a new IMAPSource.
func NewIMAPSource(cfg IMAPSourceConfig) *IMAPSource {
	if cfg.WindowDays == 0 {
		cfg.WindowDays = 7
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = 50
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.TotalTimeout == 0 {
		cfg.TotalTimeout = 5 * time.Minute
	}
	return &IMAPSource{
		windowDays:   cfg.WindowDays,
		batchLimit:   cfg.BatchLimit,
		dialTimeout:  cfg.DialTimeout,
		totalTimeout: cfg.TotalTimeout,
		log:          logger.Default().WithField("component", "imap_source"),
	}
}

// Fetch connects to the user's mailbox and returns messages received
// after cursor. Individual malformed messages are logged and skipped.
func (s *IMAPSource) Fetch(ctx context.Context, user *domain.User, cfg *domain.EmailConfig, cursor *time.Time) (*out.FetchResult, error) {
	if cfg.IMAP.Host == "" {
		return nil, apperr.ConfigError("imap host not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.totalTimeout)
	defer cancel()

	c, err := s.dial(cfg)
	if err != nil {
		return nil, apperr.TransientIO("imap dial", err)
	}
	defer c.Logout()

	if err := c.Login(cfg.IMAP.Username, cfg.IMAP.Password); err != nil {
		return nil, apperr.ConfigError(fmt.Sprintf("imap login failed: %v", err))
	}

	folder := cfg.IMAP.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.Select(folder, true); err != nil {
		return nil, apperr.TransientIO("imap select", err)
	}

	uids, err := c.UidSearch(s.searchCriteria(cfg, cursor))
	if err != nil {
		return nil, apperr.TransientIO("imap search", err)
	}
	if len(uids) == 0 {
		return &out.FetchResult{}, nil
	}
	if len(uids) > s.batchLimit {
		uids = uids[:s.batchLimit]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	result := &out.FetchResult{}
	for msg := range messages {
		select {
		case <-ctx.Done():
			// Drain the channel so the fetch goroutine can finish.
			continue
		default:
		}

		email, err := s.parseMessage(msg, cursor)
		if err != nil {
			s.log.WithField("user_id", user.ID).Warn("skipping unparseable message uid=%d: %v", msg.Uid, err)
			continue
		}
		if email == nil {
			continue
		}

		result.Emails = append(result.Emails, email)
		if result.NewCursor == nil || email.ReceivedAt.After(*result.NewCursor) {
			t := email.ReceivedAt
			result.NewCursor = &t
		}
	}

	if err := <-done; err != nil {
		return nil, apperr.TransientIO("imap fetch", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *IMAPSource) dial(cfg *domain.EmailConfig) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.IMAP.Host, cfg.IMAP.Port)
	dialer := &tls.Config{ServerName: cfg.IMAP.Host}

	if cfg.IMAP.SSL {
		return client.DialTLS(addr, dialer)
	}

	c, err := client.Dial(addr)
	if err != nil {
		return nil, err
	}
	if err := c.StartTLS(dialer); err != nil {
		c.Logout()
		return nil, err
	}
	return c, nil
}

// searchCriteria builds the server-side filter. The since bound is the
// later of the cursor and the lookback window so a stale cursor never
// widens the fetch.
func (s *IMAPSource) searchCriteria(cfg *domain.EmailConfig, cursor *time.Time) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()

	windowDays := cfg.MaxAgeDays
	if windowDays == 0 {
		windowDays = s.windowDays
	}
	since := time.Now().AddDate(0, 0, -windowDays)
	if cursor != nil && cursor.After(since) {
		since = *cursor
	}
	if cfg.Since != nil && cfg.Since.After(since) {
		since = *cfg.Since
	}
	criteria.Since = since

	if cfg.Filters.UnseenOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if cfg.Filters.From != "" {
		criteria.Header.Add("From", cfg.Filters.From)
	}
	if cfg.Filters.Subject != "" {
		criteria.Header.Add("Subject", cfg.Filters.Subject)
	}
	return criteria
}

// parseMessage reads the full body of one fetched message. Returns nil
// when the message predates the cursor (SINCE has day granularity).
func (s *IMAPSource) parseMessage(msg *imap.Message, cursor *time.Time) (*domain.RawEmail, error) {
	section := &imap.BodySectionName{Peek: true}
	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("message body not returned")
	}

	raw, err := io.ReadAll(io.LimitReader(body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	email, err := parseRawMessage(raw, msg.InternalDate)
	if err != nil {
		return nil, err
	}
	if cursor != nil && !email.ReceivedAt.After(*cursor) {
		return nil, nil
	}
	return email, nil
}

// Ensure IMAPSource implements out.MailSource
var _ out.MailSource = (*IMAPSource)(nil)
