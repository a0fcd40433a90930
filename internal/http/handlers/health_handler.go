package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]HealthCheck
	log    *zap.Logger
}

func NewHealthHandler(checks map[string]HealthCheck, log *zap.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, log: log}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.Map{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
			status[name] = "down"
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "checks": status})
	}
	return c.JSON(fiber.Map{"status": "ok", "checks": status})
}
