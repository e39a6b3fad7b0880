// Package credits implements the metered balance ledger.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/logger"
)

// Ledger coordinates balance reads, debits, refunds and the periodic
// renewal/downgrade jobs. The row-lock and idempotency mechanics live
// in the repository; the ledger adds plan resolution and policy.
type Ledger struct {
	credits out.CreditsRepository
	subs    out.SubscriptionRepository
	plans   out.PlanRepository
	log     *logger.Logger
}

// NewLedger creates a new Ledger.
func NewLedger(credits out.CreditsRepository, subs out.SubscriptionRepository, plans out.PlanRepository) *Ledger {
	return &Ledger{
		credits: credits,
		subs:    subs,
		plans:   plans,
		log:     logger.Default().WithField("component", "ledger"),
	}
}

// Check is a non-locking balance read.
func (l *Ledger) Check(ctx context.Context, userID uuid.UUID, amount int) (bool, error) {
	uc, err := l.credits.GetActive(ctx, userID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return uc.Available() >= amount, nil
}

// Consume debits the balance under the idempotency key. Replays return
// the original txn.
func (l *Ledger) Consume(ctx context.Context, req out.ConsumeRequest) (*domain.CreditsTxn, error) {
	return l.credits.Consume(ctx, req)
}

// Refund reverses a consume txn. Safe to call repeatedly.
func (l *Ledger) Refund(ctx context.Context, txnID int64) (*domain.CreditsTxn, error) {
	return l.credits.Refund(ctx, txnID)
}

// GrantBonus adds operator-granted credits.
func (l *Ledger) GrantBonus(ctx context.Context, userID uuid.UUID, amount int, reason string, operatorID *uuid.UUID) (*domain.CreditsTxn, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("bonus amount must be positive")
	}
	key := fmt.Sprintf("bonus_%s_%d", userID, time.Now().UnixNano())
	return l.credits.GrantBonus(ctx, userID, amount, reason, operatorID, key)
}

// WorkflowCost returns the per-run cost from the user's plan. Users
// without a resolvable plan fall back to a cost of 1.
func (l *Ledger) WorkflowCost(ctx context.Context, userID uuid.UUID) int {
	plan, err := l.planFor(ctx, userID)
	if err != nil || plan.Metadata.WorkflowCostCredits <= 0 {
		return 1
	}
	return plan.Metadata.WorkflowCostCredits
}

// ResetPeriod refills one user's quota from their plan.
func (l *Ledger) ResetPeriod(ctx context.Context, userID uuid.UUID) error {
	plan, err := l.planFor(ctx, userID)
	if err != nil {
		return err
	}
	periodDays := plan.Metadata.PeriodDays
	if periodDays <= 0 {
		periodDays = 30
	}
	return l.credits.ResetPeriod(ctx, userID, plan.Metadata.CreditsPerPeriod, periodDays)
}

// RenewDue resets every expired credit window whose subscription is
// still active. Returns the number of users renewed.
func (l *Ledger) RenewDue(ctx context.Context) (int, error) {
	expired, err := l.credits.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, uc := range expired {
		sub, err := l.subs.GetActiveByUser(ctx, uc.UserID)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				l.log.WithField("user_id", uc.UserID).Warn("renewal subscription lookup failed: %v", err)
			}
			continue
		}
		if sub.Status != domain.SubscriptionActive {
			continue
		}
		if err := l.ResetPeriod(ctx, uc.UserID); err != nil {
			l.log.WithField("user_id", uc.UserID).Error("credit renewal failed: %v", err)
			continue
		}
		renewed++
	}
	return renewed, nil
}

// DowngradePastDue moves subscriptions past due longer than the grace
// period onto the free plan and resets their quota to the free tier.
// Returns the number of users downgraded.
func (l *Ledger) DowngradePastDue(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)
	overdue, err := l.subs.ListPastDueSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(overdue) == 0 {
		return 0, nil
	}

	freePlan, err := l.plans.GetFreePlan(ctx)
	if err != nil {
		return 0, fmt.Errorf("free plan not found: %w", err)
	}

	downgraded := 0
	for _, sub := range overdue {
		if _, err := l.subs.Replace(ctx, sub.ID, freePlan.ID); err != nil {
			l.log.WithField("user_id", sub.UserID).Error("downgrade failed: %v", err)
			continue
		}
		periodDays := freePlan.Metadata.PeriodDays
		if periodDays <= 0 {
			periodDays = 30
		}
		if err := l.credits.ResetPeriod(ctx, sub.UserID, freePlan.Metadata.CreditsPerPeriod, periodDays); err != nil {
			l.log.WithField("user_id", sub.UserID).Error("post-downgrade quota reset failed: %v", err)
		}
		downgraded++
		l.log.WithField("user_id", sub.UserID).Info("downgraded past-due subscription to %s", freePlan.Name)
	}
	return downgraded, nil
}

func (l *Ledger) planFor(ctx context.Context, userID uuid.UUID) (*domain.Plan, error) {
	sub, err := l.subs.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.plans.GetByID(ctx, sub.PlanID)
}
