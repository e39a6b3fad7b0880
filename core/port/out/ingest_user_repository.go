package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ingest_server/core/domain"
)

// UserRepository reads users and resolves drop-box recipients.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)

	// ListWithEmailConfig returns active users that have an email_config
	// block, i.e. the fetch fan-out population.
	ListWithEmailConfig(ctx context.Context) ([]*domain.User, error)

	// FindByRecipient matches an envelope recipient against User.email
	// and active EmailAlias rows. Returns persistence.ErrNotFound when
	// nobody claims the address.
	FindByRecipient(ctx context.Context, address string) (*domain.User, error)
}

// SettingsRepository reads and writes the per-user JSON config blocks.
type SettingsRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.UserSettings, error)

	// SaveEmailCursor advances the fetch cursor inside email_config.
	SaveEmailCursor(ctx context.Context, userID uuid.UUID, cursor time.Time) error
}
