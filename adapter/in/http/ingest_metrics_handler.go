package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingest_server/infra/database"
	"ingest_server/pkg/httputil"
)

// WorkerMetricsSource exposes worker pool counters when the process
// runs a worker; nil in api-only mode.
type WorkerMetricsSource interface {
	GetMetrics() any
}

type MetricsHandler struct {
	db     *pgxpool.Pool
	worker func() any // returns worker pool metrics, nil when absent
}

func NewMetricsHandler(db *pgxpool.Pool, worker func() any) *MetricsHandler {
	return &MetricsHandler{db: db, worker: worker}
}

func (h *MetricsHandler) Register(router fiber.Router) {
	router.Get("/metrics/pool", h.PoolStats)
}

// PoolStats reports database, HTTP client and worker pool utilization.
func (h *MetricsHandler) PoolStats(c *fiber.Ctx) error {
	resp := fiber.Map{
		"http_clients": httputil.GetAllPoolStats(),
	}
	if h.db != nil {
		resp["postgres"] = database.GetPoolStats(h.db)
	}
	if h.worker != nil {
		if m := h.worker(); m != nil {
			resp["worker_pool"] = m
		}
	}
	return c.JSON(resp)
}
