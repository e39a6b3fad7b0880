package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"ingest_server/adapter/out/messaging"
	"ingest_server/adapter/out/persistence"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeEmails struct {
	fetched []*domain.EmailMessage

	listStatuses []domain.EmailStatus
	listLimit    int

	resetCalls  int
	resetCutoff time.Time
	resetCount  int
}

func (r *fakeEmails) Create(ctx context.Context, email *domain.EmailMessage) error { return nil }

func (r *fakeEmails) Load(ctx context.Context, id uuid.UUID) (*domain.EmailMessage, error) {
	return nil, persistence.ErrNotFound
}

func (r *fakeEmails) ListByStatus(ctx context.Context, statuses []domain.EmailStatus, limit int) ([]*domain.EmailMessage, error) {
	r.listStatuses = statuses
	r.listLimit = limit
	return r.fetched, nil
}

func (r *fakeEmails) TransitionStatus(ctx context.Context, id uuid.UUID, fromSet []domain.EmailStatus, to domain.EmailStatus, errorMessage string) (bool, error) {
	return true, nil
}

func (r *fakeEmails) ResetStuck(ctx context.Context, cutoff time.Time) (int, error) {
	r.resetCalls++
	r.resetCutoff = cutoff
	return r.resetCount, nil
}

func (r *fakeEmails) PersistWorkflowResult(ctx context.Context, id uuid.UUID, result *out.WorkflowResult, toStatus domain.EmailStatus) error {
	return nil
}

type published struct {
	stream  string
	payload any
}

type fakeProducer struct {
	mu   sync.Mutex
	jobs []published
}

func (p *fakeProducer) Publish(ctx context.Context, stream string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, published{stream: stream, payload: payload})
	return nil
}

// fakeLocker hands out each key once until released. Keys in refuse are
// always contended.
type fakeLocker struct {
	mu     sync.Mutex
	refuse map[string]bool
	held   map[string]time.Duration
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse[key] {
		return nil, false, nil
	}
	if l.held == nil {
		l.held = make(map[string]time.Duration)
	}
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = ttl
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

// =============================================================================
// Tests
// =============================================================================

func TestSchedulerReapsStuckRows(t *testing.T) {
	repo := &fakeEmails{resetCount: 2}
	s := NewScheduler(nil, repo, &fakeProducer{}, &fakeLocker{}, SchedulerConfig{})

	s.reapStuck(context.Background())

	if repo.resetCalls != 1 {
		t.Fatalf("ResetStuck calls = %d, want 1", repo.resetCalls)
	}
	// Default timeout: rows untouched for 30 minutes go back to FETCHED.
	want := time.Now().UTC().Add(-30 * time.Minute)
	if diff := repo.resetCutoff.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about %v", repo.resetCutoff, want)
	}
}

func TestSchedulerDispatchesFetched(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	repo := &fakeEmails{fetched: []*domain.EmailMessage{{ID: a}, {ID: b}}}
	producer := &fakeProducer{}
	s := NewScheduler(nil, repo, producer, &fakeLocker{}, SchedulerConfig{DispatchBatchLimit: 5})

	s.dispatchFetched(context.Background())

	if len(repo.listStatuses) != 1 || repo.listStatuses[0] != domain.StatusFetched {
		t.Errorf("listed statuses = %v, want [FETCHED]", repo.listStatuses)
	}
	if repo.listLimit != 5 {
		t.Errorf("list limit = %d, want 5", repo.listLimit)
	}

	if len(producer.jobs) != 2 {
		t.Fatalf("published %d jobs, want 2", len(producer.jobs))
	}
	for i, wantID := range []uuid.UUID{a, b} {
		job := producer.jobs[i]
		if job.stream != messaging.StreamWorkflowRun {
			t.Errorf("job[%d] stream = %q", i, job.stream)
		}
		payload, ok := job.payload.(WorkflowRunPayload)
		if !ok || payload.EmailID != wantID {
			t.Errorf("job[%d] payload = %+v, want email %s", i, job.payload, wantID)
		}
		if ok && payload.Force {
			t.Errorf("job[%d] dispatched as forced", i)
		}
	}
}

func TestSchedulerRenewalSweepOncePerInterval(t *testing.T) {
	producer := &fakeProducer{}
	s := NewScheduler(nil, &fakeEmails{}, producer, &fakeLocker{}, SchedulerConfig{})

	s.scheduleRenewal(context.Background())
	s.scheduleRenewal(context.Background())

	// The lock TTL is the cadence: the second tick inside the interval
	// publishes nothing.
	if len(producer.jobs) != 1 {
		t.Fatalf("published %d sweeps, want 1", len(producer.jobs))
	}
	if producer.jobs[0].stream != messaging.StreamCreditsRenew {
		t.Errorf("stream = %q", producer.jobs[0].stream)
	}
	if _, ok := producer.jobs[0].payload.(CreditsRenewPayload); !ok {
		t.Errorf("payload = %+v", producer.jobs[0].payload)
	}
}
