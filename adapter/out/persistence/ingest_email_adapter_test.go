package persistence

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
)

func newMockEmailAdapter(t *testing.T) (*EmailAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEmailAdapter(sqlx.NewDb(db, "sqlmock")), mock
}

func TestTransitionStatusEmptyFromSetIsUnconditional(t *testing.T) {
	adapter, mock := newMockEmailAdapter(t)
	id := uuid.New()
	summary := "prepare: insufficient credits: need 1, have 0"

	// No status predicate: the FAILED write from finalize must land no
	// matter which stage status the row sits in.
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $3") + "$").
		WithArgs("FAILED", summary, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	moved, err := adapter.TransitionStatus(context.Background(), id, nil, domain.StatusFailed, summary)
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if !moved {
		t.Error("unconditional transition reported no match")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTransitionStatusConditionalMatchesFromSet(t *testing.T) {
	adapter, mock := newMockEmailAdapter(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $3 AND status = ANY($4)")).
		WithArgs("PROCESSING", "", id, statusArray([]domain.EmailStatus{domain.StatusFetched})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	moved, err := adapter.TransitionStatus(context.Background(), id,
		[]domain.EmailStatus{domain.StatusFetched}, domain.StatusProcessing, "")
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if !moved {
		t.Error("matching transition reported no match")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTransitionStatusRefusesRowOutsideFromSet(t *testing.T) {
	adapter, mock := newMockEmailAdapter(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $3 AND status = ANY($4)")).
		WithArgs("PROCESSING", "", id, statusArray([]domain.EmailStatus{domain.StatusFetched})).
		WillReturnResult(sqlmock.NewResult(0, 0))

	moved, err := adapter.TransitionStatus(context.Background(), id,
		[]domain.EmailStatus{domain.StatusFetched}, domain.StatusProcessing, "")
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if moved {
		t.Error("transition outside fromSet must report no match")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestResetStuckResetsProcessingRows(t *testing.T) {
	adapter, mock := newMockEmailAdapter(t)
	cutoff := time.Now().UTC().Add(-30 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("WHERE status = ANY($2) AND updated_at < $3")).
		WithArgs("FETCHED", statusArray(domain.ProcessingStatuses()), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := adapter.ResetStuck(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ResetStuck: %v", err)
	}
	if n != 3 {
		t.Errorf("reset %d rows, want 3", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
