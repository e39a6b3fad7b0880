package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ingest_server/core/domain"
)

// ConsumeRequest is one metered debit against a user's balance.
type ConsumeRequest struct {
	UserID         uuid.UUID
	Amount         int
	Reason         string
	IdempotencyKey string
	EmailMessageID *uuid.UUID
}

// CreditsRepository is the ledger storage port. Implementations must
// honor the row-lock + relative-delta contract: consume locks the
// UserCredits row, checks the derived balance, applies
// consumed = consumed + n, and inserts the txn row, all in one
// transaction keyed by the idempotency key.
type CreditsRepository interface {
	// GetActive returns the active UserCredits row for the user.
	GetActive(ctx context.Context, userID uuid.UUID) (*domain.UserCredits, error)

	// Consume debits the balance. Returns the existing txn unchanged
	// when the idempotency key was already used. Fails with an
	// INSUFFICIENT_CREDITS error when available < amount.
	Consume(ctx context.Context, req ConsumeRequest) (*domain.CreditsTxn, error)

	// Refund reverses a consume txn. Idempotent; the refund row is
	// keyed refund_<txn_id>.
	Refund(ctx context.Context, txnID int64) (*domain.CreditsTxn, error)

	// GrantBonus adds bonus credits and records a bonus txn.
	GrantBonus(ctx context.Context, userID uuid.UUID, amount int, reason string, operatorID *uuid.UUID, idempotencyKey string) (*domain.CreditsTxn, error)

	// GetTxnByKey returns the txn with the idempotency key, or
	// persistence.ErrNotFound.
	GetTxnByKey(ctx context.Context, idempotencyKey string) (*domain.CreditsTxn, error)

	// ResetPeriod zeroes consumption and shifts the period window.
	ResetPeriod(ctx context.Context, userID uuid.UUID, baseCredits int, periodDays int) error

	// ListExpired returns UserCredits rows whose period ended at or
	// before now.
	ListExpired(ctx context.Context, now time.Time) ([]*domain.UserCredits, error)
}

// SubscriptionRepository reads and rewrites subscription state for the
// renewal and downgrade jobs.
type SubscriptionRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Subscription, error)
	GetActiveByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)

	// ListPastDueSince returns past_due subscriptions older than cutoff
	// whose plan is paid.
	ListPastDueSince(ctx context.Context, cutoff time.Time) ([]*domain.Subscription, error)

	// Replace cancels the current subscription and creates a new one on
	// the given plan, atomically. Returns the new subscription.
	Replace(ctx context.Context, subscriptionID int64, newPlanID int64) (*domain.Subscription, error)
}

// PlanRepository reads plan quota metadata.
type PlanRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Plan, error)
	GetFreePlan(ctx context.Context) (*domain.Plan, error)
}
