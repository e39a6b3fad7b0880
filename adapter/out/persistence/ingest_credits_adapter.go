package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
)

// =============================================================================
// Credits Adapter (PostgreSQL)
// =============================================================================

// CreditsAdapter implements out.CreditsRepository using PostgreSQL.
//
// Consume and Refund follow the same shape: short-circuit on an
// existing idempotency key, lock the UserCredits row, apply the counter
// change as a relative delta, insert the txn row, commit. The unique
// index on idempotency_key is the backstop for the race between the
// pre-check and the insert.
type CreditsAdapter struct {
	db *sqlx.DB
}

// NewCreditsAdapter creates a new CreditsAdapter.
func NewCreditsAdapter(db *sqlx.DB) *CreditsAdapter {
	return &CreditsAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

type creditsRow struct {
	ID              int64         `db:"id"`
	UserID          uuid.UUID     `db:"user_id"`
	SubscriptionID  sql.NullInt64 `db:"subscription_id"`
	BaseCredits     int           `db:"base_credits"`
	BonusCredits    int           `db:"bonus_credits"`
	ConsumedCredits int           `db:"consumed_credits"`
	PeriodStart     time.Time     `db:"period_start"`
	PeriodEnd       time.Time     `db:"period_end"`
	IsActive        bool          `db:"is_active"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

const creditsColumns = `
	id, user_id, subscription_id, base_credits, bonus_credits, consumed_credits,
	period_start, period_end, is_active, created_at, updated_at`

func (r *creditsRow) toEntity() *domain.UserCredits {
	credits := &domain.UserCredits{
		ID:              r.ID,
		UserID:          r.UserID,
		BaseCredits:     r.BaseCredits,
		BonusCredits:    r.BonusCredits,
		ConsumedCredits: r.ConsumedCredits,
		PeriodStart:     r.PeriodStart,
		PeriodEnd:       r.PeriodEnd,
		IsActive:        r.IsActive,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.SubscriptionID.Valid {
		credits.SubscriptionID = &r.SubscriptionID.Int64
	}
	return credits
}

type txnRow struct {
	ID             int64          `db:"id"`
	UserID         uuid.UUID      `db:"user_id"`
	EmailMessageID uuid.NullUUID  `db:"email_message_id"`
	OperatorID     uuid.NullUUID  `db:"operator_id"`
	Type           string         `db:"type"`
	Amount         int            `db:"amount"`
	Reason         string         `db:"reason"`
	IdempotencyKey string         `db:"idempotency_key"`
	CreatedAt      time.Time      `db:"created_at"`
}

const txnColumns = `
	id, user_id, email_message_id, operator_id, type, amount, reason,
	idempotency_key, created_at`

func (r *txnRow) toEntity() *domain.CreditsTxn {
	txn := &domain.CreditsTxn{
		ID:             r.ID,
		UserID:         r.UserID,
		Type:           domain.CreditsTxnType(r.Type),
		Amount:         r.Amount,
		Reason:         r.Reason,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
	}
	if r.EmailMessageID.Valid {
		id := r.EmailMessageID.UUID
		txn.EmailMessageID = &id
	}
	if r.OperatorID.Valid {
		id := r.OperatorID.UUID
		txn.OperatorID = &id
	}
	return txn
}

// =============================================================================
// Reads
// =============================================================================

// GetActive returns the active UserCredits row for the user.
func (a *CreditsAdapter) GetActive(ctx context.Context, userID uuid.UUID) (*domain.UserCredits, error) {
	var row creditsRow
	query := `SELECT ` + creditsColumns + ` FROM user_credits WHERE user_id = $1 AND is_active = true`

	err := a.db.GetContext(ctx, &row, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// GetTxnByKey returns the txn with the idempotency key.
func (a *CreditsAdapter) GetTxnByKey(ctx context.Context, idempotencyKey string) (*domain.CreditsTxn, error) {
	var row txnRow
	query := `SELECT ` + txnColumns + ` FROM credits_txns WHERE idempotency_key = $1`

	err := a.db.GetContext(ctx, &row, query, idempotencyKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// =============================================================================
// Consume / Refund
// =============================================================================

// Consume debits the balance following the row-lock contract.
func (a *CreditsAdapter) Consume(ctx context.Context, req out.ConsumeRequest) (*domain.CreditsTxn, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidInput
	}

	// Fast path: the key was already used, return the existing txn.
	if existing, err := a.GetTxnByKey(ctx, req.IdempotencyKey); err == nil {
		return existing, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row creditsRow
	lockQuery := `SELECT ` + creditsColumns + ` FROM user_credits WHERE user_id = $1 AND is_active = true FOR UPDATE`
	if err := tx.GetContext(ctx, &row, lockQuery, req.UserID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	available := row.BaseCredits + row.BonusCredits - row.ConsumedCredits
	if available < req.Amount {
		return nil, apperr.InsufficientCredits(req.Amount, available)
	}

	// Relative delta, never a read-modify-write of the whole value.
	if _, err := tx.ExecContext(ctx,
		`UPDATE user_credits SET consumed_credits = consumed_credits + $1, updated_at = NOW() WHERE id = $2`,
		req.Amount, row.ID); err != nil {
		return nil, err
	}

	txn, err := insertTxn(ctx, tx, &txnRow{
		UserID:         req.UserID,
		EmailMessageID: nullUUID(req.EmailMessageID),
		Type:           string(domain.TxnConsume),
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race; the other writer's txn is authoritative.
			return a.GetTxnByKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// Refund reverses a consume txn, keyed refund_<txn_id>.
func (a *CreditsAdapter) Refund(ctx context.Context, txnID int64) (*domain.CreditsTxn, error) {
	key := domain.RefundIdempotencyKey(txnID)

	if existing, err := a.GetTxnByKey(ctx, key); err == nil {
		return existing, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var original txnRow
	origQuery := `SELECT ` + txnColumns + ` FROM credits_txns WHERE id = $1`
	if err := tx.GetContext(ctx, &original, origQuery, txnID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if original.Type != string(domain.TxnConsume) {
		return nil, fmt.Errorf("txn %d is not a consume: %w", txnID, ErrInvalidInput)
	}

	var creditsID int64
	lockQuery := `SELECT id FROM user_credits WHERE user_id = $1 AND is_active = true FOR UPDATE`
	if err := tx.GetContext(ctx, &creditsID, lockQuery, original.UserID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE user_credits SET consumed_credits = consumed_credits - $1, updated_at = NOW() WHERE id = $2`,
		original.Amount, creditsID); err != nil {
		return nil, err
	}

	txn, err := insertTxn(ctx, tx, &txnRow{
		UserID:         original.UserID,
		EmailMessageID: original.EmailMessageID,
		Type:           string(domain.TxnRefund),
		Amount:         original.Amount,
		Reason:         "refund of txn " + original.IdempotencyKey,
		IdempotencyKey: key,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return a.GetTxnByKey(ctx, key)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// GrantBonus adds bonus credits and records a bonus txn.
func (a *CreditsAdapter) GrantBonus(ctx context.Context, userID uuid.UUID, amount int, reason string, operatorID *uuid.UUID, idempotencyKey string) (*domain.CreditsTxn, error) {
	if amount <= 0 {
		return nil, ErrInvalidInput
	}

	if existing, err := a.GetTxnByKey(ctx, idempotencyKey); err == nil {
		return existing, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var creditsID int64
	lockQuery := `SELECT id FROM user_credits WHERE user_id = $1 AND is_active = true FOR UPDATE`
	if err := tx.GetContext(ctx, &creditsID, lockQuery, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE user_credits SET bonus_credits = bonus_credits + $1, updated_at = NOW() WHERE id = $2`,
		amount, creditsID); err != nil {
		return nil, err
	}

	txn, err := insertTxn(ctx, tx, &txnRow{
		UserID:         userID,
		OperatorID:     nullUUID(operatorID),
		Type:           string(domain.TxnBonus),
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return a.GetTxnByKey(ctx, idempotencyKey)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// =============================================================================
// Period Management
// =============================================================================

// ResetPeriod zeroes consumption and shifts the period window.
func (a *CreditsAdapter) ResetPeriod(ctx context.Context, userID uuid.UUID, baseCredits int, periodDays int) error {
	query := `
		UPDATE user_credits
		SET consumed_credits = 0,
		    base_credits = $1,
		    period_start = NOW(),
		    period_end = NOW() + make_interval(days => $2),
		    updated_at = NOW()
		WHERE user_id = $3 AND is_active = true`

	res, err := a.db.ExecContext(ctx, query, baseCredits, periodDays, userID)
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

// ListExpired returns active UserCredits rows whose period has ended.
func (a *CreditsAdapter) ListExpired(ctx context.Context, now time.Time) ([]*domain.UserCredits, error) {
	var rows []creditsRow
	query := `SELECT ` + creditsColumns + ` FROM user_credits WHERE is_active = true AND period_end <= $1 ORDER BY period_end`

	if err := a.db.SelectContext(ctx, &rows, query, now); err != nil {
		return nil, err
	}

	result := make([]*domain.UserCredits, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}
	return result, nil
}

// =============================================================================
// Helpers
// =============================================================================

func insertTxn(ctx context.Context, tx *sqlx.Tx, row *txnRow) (*domain.CreditsTxn, error) {
	query := `
		INSERT INTO credits_txns (user_id, email_message_id, operator_id, type, amount, reason, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err := tx.QueryRowContext(ctx, query,
		row.UserID,
		row.EmailMessageID,
		row.OperatorID,
		row.Type,
		row.Amount,
		row.Reason,
		row.IdempotencyKey,
	).Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// Ensure CreditsAdapter implements out.CreditsRepository
var _ out.CreditsRepository = (*CreditsAdapter)(nil)
