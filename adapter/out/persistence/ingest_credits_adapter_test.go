package persistence

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
)

func newMockCreditsAdapter(t *testing.T) (*CreditsAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCreditsAdapter(sqlx.NewDb(db, "sqlmock")), mock
}

func creditsMockRow(userID uuid.UUID, base, bonus, consumed int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "subscription_id", "base_credits", "bonus_credits",
		"consumed_credits", "period_start", "period_end", "is_active",
		"created_at", "updated_at",
	}).AddRow(int64(7), userID.String(), nil, base, bonus, consumed,
		now, now.Add(30*24*time.Hour), true, now, now)
}

func txnMockRow(userID uuid.UUID, key string, amount int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "email_message_id", "operator_id", "type",
		"amount", "reason", "idempotency_key", "created_at",
	}).AddRow(int64(99), userID.String(), nil, nil, "consume",
		amount, "workflow execution", key, time.Now())
}

func TestConsumeDebitsBalance(t *testing.T) {
	adapter, mock := newMockCreditsAdapter(t)
	userID := uuid.New()
	emailID := uuid.New()
	key := domain.WorkflowIdempotencyKey(emailID)

	mock.ExpectQuery(regexp.QuoteMeta("FROM credits_txns WHERE idempotency_key")).
		WithArgs(key).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM user_credits WHERE user_id = $1 AND is_active = true FOR UPDATE")).
		WithArgs(userID).
		WillReturnRows(creditsMockRow(userID, 10, 0, 3))
	mock.ExpectExec(regexp.QuoteMeta("SET consumed_credits = consumed_credits + $1")).
		WithArgs(2, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO credits_txns")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(99), time.Now()))
	mock.ExpectCommit()

	txn, err := adapter.Consume(context.Background(), out.ConsumeRequest{
		UserID:         userID,
		Amount:         2,
		Reason:         "workflow execution",
		IdempotencyKey: key,
		EmailMessageID: &emailID,
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if txn.ID != 99 || txn.Amount != 2 || txn.Type != domain.TxnConsume {
		t.Errorf("txn = %+v", txn)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestConsumeReplaysExistingKey(t *testing.T) {
	adapter, mock := newMockCreditsAdapter(t)
	userID := uuid.New()
	key := "email_x_workflow_execution"

	// A used key returns the original txn without opening a transaction.
	mock.ExpectQuery(regexp.QuoteMeta("FROM credits_txns WHERE idempotency_key")).
		WithArgs(key).
		WillReturnRows(txnMockRow(userID, key, 2))

	txn, err := adapter.Consume(context.Background(), out.ConsumeRequest{
		UserID:         userID,
		Amount:         2,
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("Consume replay: %v", err)
	}
	if txn.ID != 99 || txn.IdempotencyKey != key {
		t.Errorf("txn = %+v", txn)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestConsumeInsufficientCredits(t *testing.T) {
	adapter, mock := newMockCreditsAdapter(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM credits_txns WHERE idempotency_key")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(userID).
		WillReturnRows(creditsMockRow(userID, 5, 0, 5))
	mock.ExpectRollback()

	_, err := adapter.Consume(context.Background(), out.ConsumeRequest{
		UserID:         userID,
		Amount:         1,
		IdempotencyKey: "email_y_workflow_execution",
	})

	var appErr *apperr.AppError
	if !errors.As(err, &appErr) || appErr.Code != apperr.CodeInsufficientCredits {
		t.Fatalf("err = %v, want INSUFFICIENT_CREDITS", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestConsumeRejectsNonPositiveAmount(t *testing.T) {
	adapter, _ := newMockCreditsAdapter(t)

	_, err := adapter.Consume(context.Background(), out.ConsumeRequest{Amount: 0})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestGetActiveNotFound(t *testing.T) {
	adapter, mock := newMockCreditsAdapter(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM user_credits WHERE user_id = $1 AND is_active = true")).
		WithArgs(userID).
		WillReturnError(sql.ErrNoRows)

	_, err := adapter.GetActive(context.Background(), userID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResetPeriodRequiresActiveRow(t *testing.T) {
	adapter, mock := newMockCreditsAdapter(t)
	userID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET consumed_credits = 0")).
		WithArgs(100, 30, userID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := adapter.ResetPeriod(context.Background(), userID, 100, 30)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
