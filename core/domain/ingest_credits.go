package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// UserCredits is the balance-bearing row for one user's current period.
// The available balance is derived, never stored.
type UserCredits struct {
	ID             int64      `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	SubscriptionID *int64     `json:"subscription_id,omitempty"`

	BaseCredits     int `json:"base_credits"`
	BonusCredits    int `json:"bonus_credits"`
	ConsumedCredits int `json:"consumed_credits"`

	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	IsActive    bool      `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns base + bonus - consumed. Never negative after a
// committed transaction.
func (c *UserCredits) Available() int {
	return c.BaseCredits + c.BonusCredits - c.ConsumedCredits
}

// CreditsTxnType is the direction of a ledger transaction.
type CreditsTxnType string

const (
	TxnConsume CreditsTxnType = "consume"
	TxnRefund  CreditsTxnType = "refund"
	TxnBonus   CreditsTxnType = "bonus"
)

// CreditsTxn is one ledger entry. IdempotencyKey is globally unique;
// replays converge to a single row.
type CreditsTxn struct {
	ID             int64          `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	EmailMessageID *uuid.UUID     `json:"email_message_id,omitempty"`
	OperatorID     *uuid.UUID     `json:"operator_id,omitempty"`
	Type           CreditsTxnType `json:"type"`
	Amount         int            `json:"amount"`
	Reason         string         `json:"reason"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
}

// WorkflowIdempotencyKey returns the consume key for one email's
// workflow execution. Replays of the same email dedupe on it.
func WorkflowIdempotencyKey(emailID uuid.UUID) string {
	return "email_" + emailID.String() + "_workflow_execution"
}

// RefundIdempotencyKey returns the refund key for a consume txn.
func RefundIdempotencyKey(txnID int64) string {
	return "refund_" + strconv.FormatInt(txnID, 10)
}

// SubscriptionStatus is the payment-provider view of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription is read-only input for renewal decisions.
type Subscription struct {
	ID        int64              `json:"id"`
	UserID    uuid.UUID          `json:"user_id"`
	PlanID    int64              `json:"plan_id"`
	Status    SubscriptionStatus `json:"status"`
	PastDueAt *time.Time         `json:"past_due_at,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// PlanMetadata carries the quota parameters the ledger reads.
type PlanMetadata struct {
	CreditsPerPeriod    int `json:"credits_per_period"`
	PeriodDays          int `json:"period_days"`
	WorkflowCostCredits int `json:"workflow_cost_credits"`
}

// Plan is a subscription tier.
type Plan struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	IsFree   bool         `json:"is_free"`
	Metadata PlanMetadata `json:"metadata"`
}
