package middleware

import (
	"strings"

	"github.com/capsule-auction/backend/internal/auth"
	"github.com/capsule-auction/backend/internal/config"
	"github.com/capsule-auction/backend/internal/http/dto"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CtxUserID    = "user_id"
	CtxUserEmail = "user_email"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "missing authorization header")
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return unauthorized(c, "invalid authorization format")
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, cfg.JWTIssuer, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return unauthorized(c, "invalid or expired token")
		}
		userID, _ := claims.UserID()

		c.Locals(CtxUserID, userID)
		c.Locals(CtxUserEmail, claims.Email)

		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxUserID).(uuid.UUID)
	return id
}

func GetUserEmail(c *fiber.Ctx) string {
	email, _ := c.Locals(CtxUserEmail).(string)
	return email
}

func unauthorized(c *fiber.Ctx, msg string) error {
	reqID := GetRequestID(c)
	return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      "UNAUTHENTICATED",
		RequestID: reqID,
	})
}
