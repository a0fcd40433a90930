package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func LoggerMiddleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		reqID := GetRequestID(c)
		fields := []zap.Field{
			zap.String("request_id", reqID),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
		}
		if id := GetUserID(c); id != uuid.Nil {
			fields = append(fields, zap.String("user_id", id.String()))
		}

		if c.Response().StatusCode() >= fiber.StatusInternalServerError {
			log.Warn("request", fields...)
		} else {
			log.Info("request", fields...)
		}

		return err
	}
}
