package out

import (
	"context"
	"time"

	"ingest_server/core/domain"
)

// FetchResult is one MailSource pass over a mailbox.
type FetchResult struct {
	Emails    []*domain.RawEmail
	NewCursor *time.Time // nil when no message advanced the cursor
}

// MailSource produces RawEmail records for one user. The IMAP
// implementation reads the user's mailbox; the drop-box implementation
// scans the MTA spool directory.
type MailSource interface {
	// Fetch returns messages received after cursor. A malformed
	// individual message is logged and skipped; only connection-level
	// failures return an error.
	Fetch(ctx context.Context, user *domain.User, cfg *domain.EmailConfig, cursor *time.Time) (*FetchResult, error)
}
