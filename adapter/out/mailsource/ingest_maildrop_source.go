package mailsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/logger"
)

// MaildropSource implements out.MailSource over the MTA drop
// directory. The MTA writes <root>/inbox/<name>.eml plus a sibling
// <name>.meta envelope file; messages are claimed by matching envelope
// recipients against the fetching user's address and aliases.
//
// Layout:
//
//	<root>/inbox/      incoming, unclaimed
//	<root>/processed/  claimed and ingested
//	<root>/failed/     unparseable or unroutable
type MaildropSource struct {
	root       string
	users      out.UserRepository
	batchLimit int
	log        *logger.Logger
}

// NewMaildropSource creates a new MaildropSource and its directory
// layout.
func NewMaildropSource(root string, users out.UserRepository, batchLimit int) (*MaildropSource, error) {
	if batchLimit == 0 {
		batchLimit = 50
	}
	for _, dir := range []string{"inbox", "processed", "failed"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &MaildropSource{
		root:       root,
		users:      users,
		batchLimit: batchLimit,
		log:        logger.Default().WithField("component", "maildrop_source"),
	}, nil
}

// dropMeta is the envelope sidecar written by the MTA.
type dropMeta struct {
	Recipients []string   `json:"recipients"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

// Fetch scans the inbox for messages addressed to the user. Claimed
// files move to processed/, broken ones to failed/; files for other
// users stay in the inbox for their own pass.
func (s *MaildropSource) Fetch(ctx context.Context, user *domain.User, cfg *domain.EmailConfig, cursor *time.Time) (*out.FetchResult, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "inbox"))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".eml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	result := &out.FetchResult{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(result.Emails) >= s.batchLimit {
			break
		}

		emlPath := filepath.Join(s.root, "inbox", name)
		meta, err := s.readMeta(emlPath)
		if err != nil {
			s.log.Warn("moving %s to failed: %v", name, err)
			s.move(name, "failed")
			continue
		}

		if !s.claimedBy(ctx, user, meta.Recipients) {
			continue
		}

		raw, err := os.ReadFile(emlPath)
		if err != nil {
			s.log.Warn("failed to read %s: %v", name, err)
			continue
		}

		receivedAt := time.Now().UTC()
		if meta.ReceivedAt != nil {
			receivedAt = *meta.ReceivedAt
		}

		email, err := parseRawMessage(raw, receivedAt)
		if err != nil {
			s.log.Warn("moving unparseable %s to failed: %v", name, err)
			s.move(name, "failed")
			continue
		}
		// Envelope recipients are authoritative over header ones for
		// drop-box identity.
		email.Recipients = meta.Recipients
		email.MessageID = domain.ComputeMessageID(email.Subject, email.Sender, email.Recipients, email.ReceivedAt)

		result.Emails = append(result.Emails, email)
		if result.NewCursor == nil || email.ReceivedAt.After(*result.NewCursor) {
			t := email.ReceivedAt
			result.NewCursor = &t
		}
		s.move(name, "processed")
	}
	return result, nil
}

// claimedBy reports whether any envelope recipient resolves to this
// user via address or alias.
func (s *MaildropSource) claimedBy(ctx context.Context, user *domain.User, recipients []string) bool {
	for _, rcpt := range recipients {
		owner, err := s.users.FindByRecipient(ctx, rcpt)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				s.log.Warn("recipient lookup failed for %s: %v", rcpt, err)
			}
			continue
		}
		if owner.ID == user.ID {
			return true
		}
	}
	return false
}

func (s *MaildropSource) readMeta(emlPath string) (*dropMeta, error) {
	metaPath := strings.TrimSuffix(emlPath, ".eml") + ".meta"
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}
	var meta dropMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// move relocates the .eml and its .meta sidecar together.
func (s *MaildropSource) move(name, dir string) {
	for _, file := range []string{name, strings.TrimSuffix(name, ".eml") + ".meta"} {
		src := filepath.Join(s.root, "inbox", file)
		dst := filepath.Join(s.root, dir, file)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to move %s to %s: %v", file, dir, err)
		}
	}
}

// Ensure MaildropSource implements out.MailSource
var _ out.MailSource = (*MaildropSource)(nil)
