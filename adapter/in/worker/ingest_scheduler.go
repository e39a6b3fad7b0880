package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ingest_server/adapter/out/messaging"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/fetch"
	"ingest_server/pkg/logger"
)

// SchedulerConfig holds scheduler cadences.
type SchedulerConfig struct {
	Tick               time.Duration // default 1m
	FetchInterval      time.Duration // per-user fetch cadence, default 1h
	StuckTimeout       time.Duration // default 30m
	RenewalInterval    time.Duration // default 24h
	DispatchBatchLimit int           // default 100
}

func (c *SchedulerConfig) withDefaults() {
	if c.Tick == 0 {
		c.Tick = time.Minute
	}
	if c.FetchInterval == 0 {
		c.FetchInterval = time.Hour
	}
	if c.StuckTimeout == 0 {
		c.StuckTimeout = 30 * time.Minute
	}
	if c.RenewalInterval == 0 {
		c.RenewalInterval = 24 * time.Hour
	}
	if c.DispatchBatchLimit == 0 {
		c.DispatchBatchLimit = 100
	}
}

// Scheduler drives the periodic work: fetch fan-out, FETCHED dispatch,
// stuck-row reaping and the renewal sweep. Every recurring action sits
// behind a TTL lock, so running multiple instances is safe; the lock
// TTL is the cadence.
type Scheduler struct {
	fetcher  *fetch.Service
	emails   out.EmailRepository
	producer out.MessageProducer
	locker   out.Locker
	cfg      SchedulerConfig
	log      *logger.Logger
}

// NewScheduler creates a new Scheduler.
func NewScheduler(fetcher *fetch.Service, emails out.EmailRepository, producer out.MessageProducer, locker out.Locker, cfg SchedulerConfig) *Scheduler {
	cfg.withDefaults()
	return &Scheduler{
		fetcher:  fetcher,
		emails:   emails,
		producer: producer,
		locker:   locker,
		cfg:      cfg,
		log:      logger.Default().WithField("component", "scheduler"),
	}
}

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started, tick %s", s.cfg.Tick)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.reapStuck(ctx)
	s.dispatchFetched(ctx)
	s.fanOutFetch(ctx)
	s.scheduleRenewal(ctx)
}

// reapStuck returns rows abandoned mid-run to FETCHED so the next
// dispatch picks them up.
func (s *Scheduler) reapStuck(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.StuckTimeout)
	n, err := s.emails.ResetStuck(ctx, cutoff)
	if err != nil {
		s.log.Error("stuck reaper failed: %v", err)
		return
	}
	if n > 0 {
		s.log.Warn("reset %d stuck emails to FETCHED", n)
	}
}

// dispatchFetched publishes a workflow job for each FETCHED email, at
// most DispatchBatchLimit per tick. Duplicate dispatches are harmless;
// the per-email lock and the prepare transition stop double runs.
func (s *Scheduler) dispatchFetched(ctx context.Context) {
	emails, err := s.emails.ListByStatus(ctx, []domain.EmailStatus{domain.StatusFetched}, s.cfg.DispatchBatchLimit)
	if err != nil {
		s.log.Error("dispatch listing failed: %v", err)
		return
	}

	dispatched := 0
	for _, email := range emails {
		payload := WorkflowRunPayload{EmailID: email.ID}
		if err := s.producer.Publish(ctx, messaging.StreamWorkflowRun, payload); err != nil {
			s.log.WithField("email_id", email.ID).Error("workflow dispatch failed: %v", err)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		s.log.Info("dispatched %d workflow runs", dispatched)
	}
}

// fanOutFetch publishes one fetch job per user with an email config.
// The per-user lock TTL enforces the fetch cadence across instances.
func (s *Scheduler) fanOutFetch(ctx context.Context) {
	users, err := s.fetcher.ListFetchUsers(ctx)
	if err != nil {
		s.log.Error("fetch fan-out listing failed: %v", err)
		return
	}

	published := 0
	for _, user := range users {
		_, ok, err := s.locker.Acquire(ctx, fetchLockKey(user.ID), s.cfg.FetchInterval)
		if err != nil {
			s.log.WithField("user_id", user.ID).Error("fetch lock failed: %v", err)
			continue
		}
		if !ok {
			continue // fetched within the interval
		}
		// The lock is deliberately never released; its expiry is the
		// next allowed fetch time.

		if err := s.producer.Publish(ctx, messaging.StreamMailFetch, MailFetchPayload{UserID: user.ID}); err != nil {
			s.log.WithField("user_id", user.ID).Error("fetch dispatch failed: %v", err)
		} else {
			published++
		}
	}
	if published > 0 {
		s.log.Info("dispatched %d fetch passes", published)
	}
}

// scheduleRenewal publishes the renewal sweep once per interval.
func (s *Scheduler) scheduleRenewal(ctx context.Context) {
	_, ok, err := s.locker.Acquire(ctx, "credits_renewal_sweep", s.cfg.RenewalInterval)
	if err != nil {
		s.log.Error("renewal lock failed: %v", err)
		return
	}
	if !ok {
		return
	}

	payload := CreditsRenewPayload{RequestedAt: time.Now().UTC()}
	if err := s.producer.Publish(ctx, messaging.StreamCreditsRenew, payload); err != nil {
		s.log.Error("renewal dispatch failed: %v", err)
		return
	}
	s.log.Info("dispatched renewal sweep")
}

func fetchLockKey(userID uuid.UUID) string {
	return "fetch_user_" + userID.String()
}
