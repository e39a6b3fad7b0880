package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ingest"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// JWT
	JWTSecret string

	// OpenAI
	OpenAIAPIKey   string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeoutSec  int
	LLMMaxRetries  int

	// OCR service
	OCRServiceURL string
	OCRAPIKey     string
	OCRTimeoutSec int

	// Mail sources
	MaildropRoot     string // drop-box root; inbox/processed/failed live under it
	AttachmentRoot   string // content-addressed attachment storage root
	FetchWindowDays  int    // IMAP SINCE window when a user has no cursor
	FetchBatchLimit  int    // max messages per user per fetch cycle
	IMAPDialTimeout  time.Duration
	IMAPTotalTimeout time.Duration

	// Worker
	WorkerID        string
	WorkerCount     int
	WorkerQueueSize int
	WorkerMaxRetry  int

	// Consumer (Redis Stream)
	ConsumerBatchSize       int
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int

	// Scheduler
	SchedulerEnabled   bool
	SchedulerTick      time.Duration
	FetchInterval      time.Duration // per-user fetch cadence
	StuckTimeout       time.Duration // PROCESSING older than this is reset to FETCHED
	WorkflowDeadline   time.Duration // hard deadline for one workflow run
	DispatchBatchLimit int           // max FETCHED emails dispatched per tick

	// Credits
	RenewalCheckInterval time.Duration
	PastDueGraceDays     int

	// Webhook
	WebhookTimeoutSec    int
	WebhookMaxRetries    int
	WebhookRetryDelaySec int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "ingest"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 2048),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.3),
		LLMTimeoutSec:  getEnvInt("LLM_TIMEOUT_SEC", 60),
		LLMMaxRetries:  getEnvInt("LLM_MAX_RETRIES", 3),

		// OCR
		OCRServiceURL: getEnv("OCR_SERVICE_URL", ""),
		OCRAPIKey:     getEnv("OCR_API_KEY", ""),
		OCRTimeoutSec: getEnvInt("OCR_TIMEOUT_SEC", 90),

		// Mail sources
		MaildropRoot:     getEnv("MAILDROP_ROOT", "/var/mail/drop"),
		AttachmentRoot:   getEnv("ATTACHMENT_ROOT", "/var/lib/ingest/attachments"),
		FetchWindowDays:  getEnvInt("FETCH_WINDOW_DAYS", 7),
		FetchBatchLimit:  getEnvInt("FETCH_BATCH_LIMIT", 50),
		IMAPDialTimeout:  time.Duration(getEnvInt("IMAP_DIAL_TIMEOUT_SEC", 15)) * time.Second,
		IMAPTotalTimeout: time.Duration(getEnvInt("IMAP_TOTAL_TIMEOUT_SEC", 300)) * time.Second,

		// Worker
		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerCount:     getEnvInt("WORKER_COUNT", 8),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 1000),
		WorkerMaxRetry:  getEnvInt("WORKER_MAX_RETRY", 3),

		// Consumer
		ConsumerBatchSize:       getEnvInt("CONSUMER_BATCH_SIZE", 50),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 30),

		// Scheduler
		SchedulerEnabled:   getEnvBool("SCHEDULER_ENABLED", true),
		SchedulerTick:      time.Duration(getEnvInt("SCHEDULER_TICK_SEC", 60)) * time.Second,
		FetchInterval:      time.Duration(getEnvInt("FETCH_INTERVAL_MIN", 60)) * time.Minute,
		StuckTimeout:       time.Duration(getEnvInt("STUCK_TIMEOUT_MIN", 30)) * time.Minute,
		WorkflowDeadline:   time.Duration(getEnvInt("WORKFLOW_DEADLINE_MIN", 30)) * time.Minute,
		DispatchBatchLimit: getEnvInt("DISPATCH_BATCH_LIMIT", 100),

		// Credits
		RenewalCheckInterval: time.Duration(getEnvInt("RENEWAL_CHECK_INTERVAL_MIN", 1440)) * time.Minute,
		PastDueGraceDays:     getEnvInt("PAST_DUE_GRACE_DAYS", 7),

		// Webhook
		WebhookTimeoutSec:    getEnvInt("WEBHOOK_TIMEOUT_SEC", 10),
		WebhookMaxRetries:    getEnvInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryDelaySec: getEnvInt("WEBHOOK_RETRY_DELAY_SEC", 5),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
