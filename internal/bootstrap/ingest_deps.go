// Package bootstrap wires the application graph for the api and worker
// processes.
package bootstrap

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"ingest_server/adapter/out/issuetracker"
	"ingest_server/adapter/out/llm"
	"ingest_server/adapter/out/locking"
	"ingest_server/adapter/out/mailsource"
	"ingest_server/adapter/out/messaging"
	"ingest_server/adapter/out/mongodb"
	"ingest_server/adapter/out/ocr"
	"ingest_server/adapter/out/persistence"
	"ingest_server/adapter/out/storage"
	"ingest_server/adapter/out/webhook"
	"ingest_server/config"
	"ingest_server/core/port/out"
	"ingest_server/core/service/credits"
	"ingest_server/core/service/fetch"
	"ingest_server/core/service/issue"
	"ingest_server/core/service/workflow"
	"ingest_server/infra/database"
	"ingest_server/pkg/logger"
)

// Dependencies is the wired application graph shared by api and worker.
type Dependencies struct {
	DB    *pgxpool.Pool
	SQLX  *sqlx.DB
	Redis *redis.Client
	Mongo *mongo.Client

	// Repositories
	EmailRepo        out.EmailRepository
	AttachmentRepo   out.AttachmentRepository
	IssueRepo        out.IssueRepository
	TaskRepo         out.TaskRepository
	CreditsRepo      out.CreditsRepository
	SubscriptionRepo out.SubscriptionRepository
	PlanRepo         out.PlanRepository
	UserRepo         out.UserRepository
	SettingsRepo     out.SettingsRepository

	// Infra adapters
	Producer out.MessageProducer
	Locker   out.Locker
	Store    out.AttachmentStore
	Archive  out.RawMailArchive
	Notifier out.Notifier

	// Engines
	LLM     out.LLMEngine
	OCR     out.OCREngine
	Tracker out.IssueTracker

	// Services
	Ledger         *credits.Ledger
	IssueService   *issue.Service
	WorkflowEngine *workflow.Engine
	FetchService   *fetch.Service
}

// NewDependencies builds the graph. The returned cleanup closes every
// held connection.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// PostgreSQL, twice: pgxpool for health/metrics, sqlx for the
	// repositories.
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, db.Close)

	sqlxDB, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.SQLX = sqlxDB
	cleanups = append(cleanups, func() { _ = sqlxDB.Close() })

	// Redis
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.Redis = rdb
		cleanups = append(cleanups, func() { _ = rdb.Close() })
	} else {
		logger.Warn("REDIS_URL not set; locks and job streams unavailable")
	}

	// MongoDB raw mail archive (optional)
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL, cfg.MongoDBName)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.Mongo = mongoClient
		cleanups = append(cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(ctx)
		})

		archive := mongodb.NewRawMailArchive(mongoClient.Database(cfg.MongoDBName))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := archive.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("raw mail archive index creation failed")
		}
		cancel()
		deps.Archive = archive
	}

	// Repositories
	deps.EmailRepo = persistence.NewEmailAdapter(sqlxDB)
	deps.AttachmentRepo = persistence.NewAttachmentAdapter(sqlxDB)
	deps.IssueRepo = persistence.NewIssueAdapter(sqlxDB)
	deps.TaskRepo = persistence.NewTaskAdapter(sqlxDB)
	deps.CreditsRepo = persistence.NewCreditsAdapter(sqlxDB)
	deps.SubscriptionRepo = persistence.NewSubscriptionAdapter(sqlxDB)
	deps.PlanRepo = persistence.NewPlanAdapter(sqlxDB)
	deps.UserRepo = persistence.NewUserAdapter(sqlxDB)
	deps.SettingsRepo = persistence.NewSettingsAdapter(sqlxDB)

	// Redis-backed infra
	if deps.Redis != nil {
		deps.Producer = messaging.NewRedisProducer(deps.Redis)
		deps.Locker = locking.NewRedisLocker(deps.Redis)
	}

	// Attachment store
	store, err := storage.NewFileStore(cfg.AttachmentRoot)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Store = store

	// External engines
	deps.LLM = llm.NewOpenAIEngine(llm.EngineConfig{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})
	deps.OCR = ocr.NewHTTPEngine(cfg.OCRServiceURL, cfg.OCRAPIKey)
	deps.Tracker = issuetracker.NewJiraClient()

	// Notifier
	deps.Notifier = webhook.NewNotifier(deps.SettingsRepo, webhook.NotifierConfig{
		MaxRetries: cfg.WebhookMaxRetries,
		RetryDelay: time.Duration(cfg.WebhookRetryDelaySec) * time.Second,
	})

	// Services
	deps.Ledger = credits.NewLedger(deps.CreditsRepo, deps.SubscriptionRepo, deps.PlanRepo)
	deps.IssueService = issue.NewService(deps.LLM, deps.Tracker, deps.IssueRepo)
	deps.WorkflowEngine = workflow.NewEngine(workflow.EngineConfig{
		Emails:   deps.EmailRepo,
		Settings: deps.SettingsRepo,
		Ledger:   deps.Ledger,
		OCR:      deps.OCR,
		LLM:      deps.LLM,
		Issues:   deps.IssueService,
		Notifier: deps.Notifier,
		Deadline: cfg.WorkflowDeadline,
	})

	// Mail sources
	imapSource := mailsource.NewIMAPSource(mailsource.IMAPSourceConfig{
		WindowDays:   cfg.FetchWindowDays,
		BatchLimit:   cfg.FetchBatchLimit,
		DialTimeout:  cfg.IMAPDialTimeout,
		TotalTimeout: cfg.IMAPTotalTimeout,
	})
	dropSource, err := mailsource.NewMaildropSource(cfg.MaildropRoot, deps.UserRepo, cfg.FetchBatchLimit)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	deps.FetchService = fetch.NewService(fetch.ServiceConfig{
		Users:    deps.UserRepo,
		Settings: deps.SettingsRepo,
		Emails:   deps.EmailRepo,
		Tasks:    deps.TaskRepo,
		Store:    deps.Store,
		Archive:  deps.Archive,
		IMAP:     imapSource,
		Maildrop: dropSource,
	})

	logger.Info("dependencies initialized")
	return deps, cleanup, nil
}
