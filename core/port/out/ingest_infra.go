package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ingest_server/core/domain"
)

// Locker is the single-flight lock registry (SET NX PX semantics).
type Locker interface {
	// Acquire returns a release function when the lock was taken, or
	// ok=false when another holder owns the key. The release function
	// only deletes the key if this holder still owns it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// MessageProducer publishes jobs for worker consumption.
type MessageProducer interface {
	Publish(ctx context.Context, stream string, payload any) error
}

// AttachmentStore is the content-addressed byte store. Files are
// immutable once written; identical bytes share one file.
type AttachmentStore interface {
	// Save writes the bytes under their safe filename and returns the
	// absolute path. Saving existing content is a no-op.
	Save(ctx context.Context, safeFilename string, content []byte) (string, error)
	Path(safeFilename string) string
	Exists(ctx context.Context, safeFilename string) (bool, error)
}

// RawMailArchive stores the unparsed RFC-822 source of fetched mail.
// Non-authoritative; used for audit and force re-runs.
type RawMailArchive interface {
	Store(ctx context.Context, userID uuid.UUID, messageID string, raw []byte) error
	Get(ctx context.Context, userID uuid.UUID, messageID string) ([]byte, error)
}

// StatusEvent is one finalize status change.
type StatusEvent struct {
	EmailID   uuid.UUID
	UserID    uuid.UUID
	OldStatus domain.EmailStatus
	NewStatus domain.EmailStatus
	Subject   string
	Summary   string
	IssueURL  string
	Error     string
}

// Notifier fans a status event out to the user's configured channels.
// Best-effort; failures never affect the workflow outcome.
type Notifier interface {
	Notify(ctx context.Context, event StatusEvent)
}
