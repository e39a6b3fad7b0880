package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// =============================================================================
// User Adapter (PostgreSQL)
// =============================================================================

// UserAdapter implements out.UserRepository using PostgreSQL.
type UserAdapter struct {
	db *sqlx.DB
}

// NewUserAdapter creates a new UserAdapter.
func NewUserAdapter(db *sqlx.DB) *UserAdapter {
	return &UserAdapter{db: db}
}

type userRow struct {
	ID        uuid.UUID `db:"id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

const userColumns = `id, email, name, is_active, created_at`

func (r *userRow) toEntity() *domain.User {
	return &domain.User{
		ID:        r.ID,
		Email:     r.Email,
		Name:      r.Name,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
	}
}

// GetByID retrieves a user by id.
func (a *UserAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var row userRow
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	err := a.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// ListWithEmailConfig returns active users carrying an email_config block.
func (a *UserAdapter) ListWithEmailConfig(ctx context.Context) ([]*domain.User, error) {
	var rows []userRow
	query := `
		SELECT ` + userColumns + `
		FROM users u
		WHERE u.is_active = true
		  AND EXISTS (
			SELECT 1 FROM user_settings s
			WHERE s.user_id = u.id AND s.email_config IS NOT NULL
		  )
		ORDER BY u.created_at`

	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	result := make([]*domain.User, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}
	return result, nil
}

// FindByRecipient matches an envelope recipient against User.email and
// active EmailAlias rows, case-insensitively.
func (a *UserAdapter) FindByRecipient(ctx context.Context, address string) (*domain.User, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	var row userRow
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE is_active = true AND lower(email) = $1`
	err := a.db.GetContext(ctx, &row, query, address)
	if err == nil {
		return row.toEntity(), nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	aliasQuery := `
		SELECT ` + prefixed(userColumns, "u.") + `
		FROM users u
		JOIN email_aliases al ON al.user_id = u.id
		WHERE u.is_active = true AND al.is_active = true AND lower(al.alias) = $1`
	err = a.db.GetContext(ctx, &row, aliasQuery, address)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Ensure UserAdapter implements out.UserRepository
var _ out.UserRepository = (*UserAdapter)(nil)

// =============================================================================
// Settings Adapter (PostgreSQL)
// =============================================================================

// SettingsAdapter implements out.SettingsRepository. Each config block
// is a jsonb column on user_settings.
type SettingsAdapter struct {
	db *sqlx.DB
}

// NewSettingsAdapter creates a new SettingsAdapter.
func NewSettingsAdapter(db *sqlx.DB) *SettingsAdapter {
	return &SettingsAdapter{db: db}
}

type settingsRow struct {
	UserID        uuid.UUID `db:"user_id"`
	EmailConfig   []byte    `db:"email_config"`
	IssueConfig   []byte    `db:"issue_config"`
	PromptConfig  []byte    `db:"prompt_config"`
	WebhookConfig []byte    `db:"webhook_config"`
}

// Get returns the user's settings with each present block decoded.
func (a *SettingsAdapter) Get(ctx context.Context, userID uuid.UUID) (*domain.UserSettings, error) {
	var row settingsRow
	query := `
		SELECT user_id, email_config, issue_config, prompt_config, webhook_config
		FROM user_settings
		WHERE user_id = $1`

	err := a.db.GetContext(ctx, &row, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	settings := &domain.UserSettings{UserID: row.UserID}
	if len(row.EmailConfig) > 0 {
		settings.Email = &domain.EmailConfig{}
		if err := json.Unmarshal(row.EmailConfig, settings.Email); err != nil {
			return nil, fmt.Errorf("decode email_config: %w", err)
		}
	}
	if len(row.IssueConfig) > 0 {
		settings.Issue = &domain.IssueConfig{}
		if err := json.Unmarshal(row.IssueConfig, settings.Issue); err != nil {
			return nil, fmt.Errorf("decode issue_config: %w", err)
		}
	}
	if len(row.PromptConfig) > 0 {
		settings.Prompt = &domain.PromptConfig{}
		if err := json.Unmarshal(row.PromptConfig, settings.Prompt); err != nil {
			return nil, fmt.Errorf("decode prompt_config: %w", err)
		}
	}
	if len(row.WebhookConfig) > 0 {
		settings.Webhook = &domain.WebhookConfig{}
		if err := json.Unmarshal(row.WebhookConfig, settings.Webhook); err != nil {
			return nil, fmt.Errorf("decode webhook_config: %w", err)
		}
	}
	return settings, nil
}

// SaveEmailCursor advances the fetch cursor inside email_config without
// disturbing the other keys.
func (a *SettingsAdapter) SaveEmailCursor(ctx context.Context, userID uuid.UUID, cursor time.Time) error {
	query := `
		UPDATE user_settings
		SET email_config = jsonb_set(email_config, '{cursor}', to_jsonb($1::timestamptz), true),
		    updated_at = NOW()
		WHERE user_id = $2 AND email_config IS NOT NULL`

	res, err := a.db.ExecContext(ctx, query, cursor.UTC(), userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ensure SettingsAdapter implements out.SettingsRepository
var _ out.SettingsRepository = (*SettingsAdapter)(nil)
