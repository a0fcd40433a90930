package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/capsule-auction/backend/internal/http/dto"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitMiddleware allows limit requests per window for each caller,
// keyed by user id when authenticated and by IP otherwise. Redis failures
// let the request through.
func RateLimitMiddleware(rdb *redis.Client, limit int, window time.Duration, log *zap.Logger) fiber.Handler {
	if window < time.Second {
		window = time.Minute
	}
	return func(c *fiber.Ctx) error {
		caller := c.IP()
		if id := GetUserID(c); id != uuid.Nil {
			caller = id.String()
		}
		key := fmt.Sprintf("rl:%s:%d", caller, time.Now().Unix()/int64(window.Seconds()))

		ctx := c.UserContext()
		pipe := rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warn("rate limiter unavailable", zap.Error(err))
			return c.Next()
		}

		count := incr.Val()
		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			reqID := GetRequestID(c)
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.ErrorResponse{
				Error:     "rate limit exceeded",
				Code:      "RATE_LIMITED",
				RequestID: reqID,
			})
		}

		return c.Next()
	}
}
