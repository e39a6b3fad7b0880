package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// =============================================================================
// Subscription Adapter (PostgreSQL)
// =============================================================================

// SubscriptionAdapter implements out.SubscriptionRepository.
type SubscriptionAdapter struct {
	db *sqlx.DB
}

// NewSubscriptionAdapter creates a new SubscriptionAdapter.
func NewSubscriptionAdapter(db *sqlx.DB) *SubscriptionAdapter {
	return &SubscriptionAdapter{db: db}
}

type subscriptionRow struct {
	ID        int64        `db:"id"`
	UserID    uuid.UUID    `db:"user_id"`
	PlanID    int64        `db:"plan_id"`
	Status    string       `db:"status"`
	PastDueAt sql.NullTime `db:"past_due_at"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

const subscriptionColumns = `id, user_id, plan_id, status, past_due_at, created_at, updated_at`

func (r *subscriptionRow) toEntity() *domain.Subscription {
	sub := &domain.Subscription{
		ID:        r.ID,
		UserID:    r.UserID,
		PlanID:    r.PlanID,
		Status:    domain.SubscriptionStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.PastDueAt.Valid {
		sub.PastDueAt = &r.PastDueAt.Time
	}
	return sub
}

// GetByID retrieves a subscription by id.
func (a *SubscriptionAdapter) GetByID(ctx context.Context, id int64) (*domain.Subscription, error) {
	var row subscriptionRow
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	err := a.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// GetActiveByUser returns the user's current non-canceled subscription.
func (a *SubscriptionAdapter) GetActiveByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	var row subscriptionRow
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status != $2
		ORDER BY created_at DESC
		LIMIT 1`

	err := a.db.GetContext(ctx, &row, query, userID, string(domain.SubscriptionCanceled))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// ListPastDueSince returns past_due subscriptions older than cutoff
// whose plan is paid.
func (a *SubscriptionAdapter) ListPastDueSince(ctx context.Context, cutoff time.Time) ([]*domain.Subscription, error) {
	var rows []subscriptionRow
	query := `
		SELECT ` + prefixed(subscriptionColumns, "s.") + `
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.status = $1
		  AND s.past_due_at IS NOT NULL AND s.past_due_at <= $2
		  AND p.is_free = false
		ORDER BY s.past_due_at`

	if err := a.db.SelectContext(ctx, &rows, query, string(domain.SubscriptionPastDue), cutoff); err != nil {
		return nil, err
	}

	result := make([]*domain.Subscription, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}
	return result, nil
}

// Replace cancels the current subscription and creates a new one on the
// given plan, atomically.
func (a *SubscriptionAdapter) Replace(ctx context.Context, subscriptionID int64, newPlanID int64) (*domain.Subscription, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var old subscriptionRow
	lockQuery := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &old, lockQuery, subscriptionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(domain.SubscriptionCanceled), subscriptionID); err != nil {
		return nil, err
	}

	var created subscriptionRow
	insertQuery := `
		INSERT INTO subscriptions (user_id, plan_id, status)
		VALUES ($1, $2, $3)
		RETURNING ` + subscriptionColumns
	if err := tx.GetContext(ctx, &created, insertQuery,
		old.UserID, newPlanID, string(domain.SubscriptionActive)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created.toEntity(), nil
}

// Ensure SubscriptionAdapter implements out.SubscriptionRepository
var _ out.SubscriptionRepository = (*SubscriptionAdapter)(nil)

// =============================================================================
// Plan Adapter (PostgreSQL)
// =============================================================================

// PlanAdapter implements out.PlanRepository.
type PlanAdapter struct {
	db *sqlx.DB
}

// NewPlanAdapter creates a new PlanAdapter.
func NewPlanAdapter(db *sqlx.DB) *PlanAdapter {
	return &PlanAdapter{db: db}
}

type planRow struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	IsFree   bool   `db:"is_free"`
	Metadata []byte `db:"metadata"`
}

func (r *planRow) toEntity() (*domain.Plan, error) {
	plan := &domain.Plan{
		ID:     r.ID,
		Name:   r.Name,
		IsFree: r.IsFree,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &plan.Metadata); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// GetByID retrieves a plan by id.
func (a *PlanAdapter) GetByID(ctx context.Context, id int64) (*domain.Plan, error) {
	var row planRow
	query := `SELECT id, name, is_free, metadata FROM plans WHERE id = $1`

	err := a.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity()
}

// GetFreePlan returns the default free plan.
func (a *PlanAdapter) GetFreePlan(ctx context.Context) (*domain.Plan, error) {
	var row planRow
	query := `SELECT id, name, is_free, metadata FROM plans WHERE is_free = true ORDER BY id LIMIT 1`

	err := a.db.GetContext(ctx, &row, query)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity()
}

// Ensure PlanAdapter implements out.PlanRepository
var _ out.PlanRepository = (*PlanAdapter)(nil)
