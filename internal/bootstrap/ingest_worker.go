package bootstrap

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ingest_server/adapter/in/worker"
	"ingest_server/adapter/out/messaging"
	"ingest_server/config"
	"ingest_server/pkg/logger"
)

// Worker bundles the stream consumer, the job pool and the scheduler.
type Worker struct {
	pool      *worker.Pool
	consumer  *messaging.Consumer
	scheduler *worker.Scheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

// NewWorker builds the worker process.
func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	workflowProcessor := worker.NewWorkflowProcessor(deps.WorkflowEngine, deps.Locker, cfg.WorkflowDeadline)
	fetchProcessor := worker.NewFetchProcessor(deps.FetchService)
	creditsProcessor := worker.NewCreditsProcessor(
		deps.Ledger,
		deps.TaskRepo,
		time.Duration(cfg.PastDueGraceDays)*24*time.Hour,
	)
	router := worker.NewRouter(workflowProcessor, fetchProcessor, creditsProcessor)

	poolConfig := worker.DefaultPoolConfig()
	if cfg.WorkerCount > 0 {
		poolConfig.Workers = cfg.WorkerCount
	}
	if cfg.WorkerMaxRetry > 0 {
		poolConfig.MaxRetries = cfg.WorkerMaxRetry
	}
	pool := worker.NewPool(router, poolConfig, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if deps.Redis != nil {
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:                "ingest-workers",
			Consumer:             cfg.WorkerID,
			Streams:              messaging.AllStreams(),
			Handler:              worker.NewDispatcher(pool),
			Logger:               zlog,
			BatchSize:            int64(cfg.ConsumerBatchSize),
			BlockTimeout:         time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
			PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
			MaxRetries:           cfg.ConsumerMaxRetries,
		})
	} else {
		logger.Warn("Redis not available; worker cannot consume jobs")
	}

	if cfg.SchedulerEnabled && deps.Producer != nil && deps.Locker != nil {
		w.scheduler = worker.NewScheduler(deps.FetchService, deps.EmailRepo, deps.Producer, deps.Locker, worker.SchedulerConfig{
			Tick:               cfg.SchedulerTick,
			FetchInterval:      cfg.FetchInterval,
			StuckTimeout:       cfg.StuckTimeout,
			RenewalInterval:    cfg.RenewalCheckInterval,
			DispatchBatchLimit: cfg.DispatchBatchLimit,
		})
	}

	return w, cleanup, nil
}

// Start runs pool, consumer and scheduler until Stop.
func (w *Worker) Start() {
	w.pool.Start()

	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Run(w.ctx); err != nil && err != context.Canceled {
				w.zlog.Error().Err(err).Msg("stream consumer error")
			}
		}()
	}

	if w.scheduler != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.scheduler.Run(w.ctx)
		}()
	}

	<-w.ctx.Done()
}

// Stop shuts the worker down.
func (w *Worker) Stop() {
	w.cancel()
	w.pool.Stop()
	w.wg.Wait()
}

// GetMetrics returns the pool counters.
func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

// Dependencies exposes the wired graph, used when api and worker share
// a process.
func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
