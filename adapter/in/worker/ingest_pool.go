package worker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"ingest_server/adapter/out/messaging"
)

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers         int
	BatchSize       int
	WorkerChanSize  int
	MaxRetries      int
	JobTimeout      time.Duration            // default per-job timeout
	TimeoutByStream map[string]time.Duration // per-stream overrides
}

// DefaultPoolConfig returns pool defaults sized for the three streams.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        8,
		BatchSize:      10,
		WorkerChanSize: 100,
		MaxRetries:     3,
		JobTimeout:     time.Minute,
		TimeoutByStream: map[string]time.Duration{
			messaging.StreamWorkflowRun:  35 * time.Minute, // must outlast the run deadline
			messaging.StreamMailFetch:    10 * time.Minute,
			messaging.StreamCreditsRenew: 15 * time.Minute,
		},
	}
}

// PoolMetrics holds cumulative pool counters.
type PoolMetrics struct {
	Processed int64
	Failed    int64
	Retried   int64
	QueueSize int32
	AvgMs     int64
}

// Pool runs jobs on a go-pkgz worker group with retry and backoff.
// Jobs that exhaust their retries are logged and dropped; the stream
// consumer's pending-reclaim path is the durable safety net.
type Pool struct {
	router *Router
	config *PoolConfig

	group *pool.WorkerGroup[*Job]

	ctx    context.Context
	cancel context.CancelFunc

	metrics PoolMetrics
	log     zerolog.Logger

	started bool
	mu      sync.Mutex
}

type jobWorker struct {
	pool *Pool
}

func (w *jobWorker) Do(ctx context.Context, job *Job) error {
	return w.pool.processJob(ctx, job)
}

// NewPool creates a new Pool.
func NewPool(router *Router, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		router: router,
		config: config,
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "worker_pool").Logger(),
	}
}

// Start starts the pool.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}

	p.group = pool.New[*Job](p.config.Workers, &jobWorker{pool: p}).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.group.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start worker group")
		return
	}
	p.started = true

	go p.metricsReporter()

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("batch_size", p.config.BatchSize).
		Msg("worker pool started")
}

// Stop drains and stops the pool.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if p.group != nil {
		if err := p.group.Close(closeCtx); err != nil {
			p.log.Warn().Err(err).Msg("error closing worker group")
		}
	}
	p.cancel()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.Processed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.Failed)).
		Msg("worker pool stopped")
}

// Submit queues a job. Returns false when the pool is not running.
func (p *Pool) Submit(job *Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.group == nil {
		return false
	}
	p.group.Submit(job)
	atomic.AddInt32(&p.metrics.QueueSize, 1)
	return true
}

func (p *Pool) timeoutFor(stream string) time.Duration {
	if t, ok := p.config.TimeoutByStream[stream]; ok {
		return t
	}
	return p.config.JobTimeout
}

func (p *Pool) processJob(ctx context.Context, job *Job) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.QueueSize, -1)

	jobCtx, cancel := context.WithTimeout(ctx, p.timeoutFor(job.Stream))
	defer cancel()

	err := p.router.Route(jobCtx, job)
	p.updateAvg(time.Since(start).Milliseconds())

	if err == nil {
		atomic.AddInt64(&p.metrics.Processed, 1)
		return nil
	}

	p.log.Error().
		Err(err).
		Str("job_id", job.ID).
		Str("stream", job.Stream).
		Int("retries", job.Retries).
		Msg("job failed")

	if job.Retries < p.config.MaxRetries {
		job.Retries++
		atomic.AddInt64(&p.metrics.Retried, 1)

		// Exponential backoff with jitter so retries don't pile up.
		backoff := time.Duration(1<<job.Retries)*time.Second + time.Duration(rand.Intn(500))*time.Millisecond
		time.AfterFunc(backoff, func() {
			p.Submit(job)
		})
		return err
	}

	atomic.AddInt64(&p.metrics.Failed, 1)
	p.log.Error().
		Str("job_id", job.ID).
		Str("stream", job.Stream).
		RawJSON("payload", job.Data).
		Msg("job dropped after max retries")
	return err
}

func (p *Pool) updateAvg(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgMs)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgMs, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgMs, (current*9+elapsed)/10)
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.log.Info().
				Int64("processed", atomic.LoadInt64(&p.metrics.Processed)).
				Int64("failed", atomic.LoadInt64(&p.metrics.Failed)).
				Int64("retried", atomic.LoadInt64(&p.metrics.Retried)).
				Int32("queue_size", atomic.LoadInt32(&p.metrics.QueueSize)).
				Int64("avg_process_ms", atomic.LoadInt64(&p.metrics.AvgMs)).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns a snapshot of the pool counters.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		Processed: atomic.LoadInt64(&p.metrics.Processed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Retried:   atomic.LoadInt64(&p.metrics.Retried),
		QueueSize: atomic.LoadInt32(&p.metrics.QueueSize),
		AvgMs:     atomic.LoadInt64(&p.metrics.AvgMs),
	}
}
