package bootstrap

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"

	"ingest_server/adapter/in/http"
	"ingest_server/config"
	"ingest_server/infra/middleware"
	"ingest_server/pkg/logger"
)

// NewAPI builds the HTTP process. workerMetrics is nil unless a worker
// runs in the same process.
func NewAPI(cfg *config.Config, workerMetrics func() any) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "ingest-api",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             1 * 1024 * 1024,
		ServerHeader:          "",
		DisableDefaultDate:    true,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// Health probes are the only unauthenticated surface.
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis, deps.Mongo)
	healthHandler.Register(app)

	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	metricsHandler := http.NewMetricsHandler(deps.DB, workerMetrics)
	metricsHandler.Register(api)

	admin := api.Group("/admin")
	admin.Use(middleware.AdminOnly())
	adminHandler := http.NewAdminHandler(deps.EmailRepo, deps.Ledger, deps.Producer)
	adminHandler.Register(admin)

	logger.Info("API server initialized")
	return app, cleanup, nil
}
