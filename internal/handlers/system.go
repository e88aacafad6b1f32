package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

var startTime = time.Now()
var Version = "1.0.0"

// ModelLister reports the model ids clients may pick from.
type ModelLister interface {
	Models() []string
}

type SystemHandler struct {
	db     *gorm.DB
	models ModelLister
	stats  func() fiber.Map
}

// NewSystemHandler builds the health, models and metrics endpoints. stats,
// when set, adds live counters to the health body.
func NewSystemHandler(db *gorm.DB, models ModelLister, stats func() fiber.Map) *SystemHandler {
	return &SystemHandler{db: db, models: models, stats: stats}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	dbStatus := "ok"
	statusCode := fiber.StatusOK

	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	} else if err := sqlDB.PingContext(c.UserContext()); err != nil {
		dbStatus = "unreachable: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	}

	overall := "ok"
	if statusCode != fiber.StatusOK {
		overall = "degraded"
	}

	body := fiber.Map{
		"status":  overall,
		"service": "relay",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(startTime).String(),
		"db":      dbStatus,
	}
	if h.stats != nil {
		for k, v := range h.stats() {
			body[k] = v
		}
	}
	return c.Status(statusCode).JSON(body)
}

func (h *SystemHandler) Models(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"models": h.models.Models()})
}

// Metrics serves the Prometheus exposition format for gatherer.
func Metrics(gatherer prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
