package handlers

import (
	"errors"
	"strconv"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/http/dto"
	"github.com/capsule-auction/backend/internal/middleware"
	"github.com/capsule-auction/backend/internal/payment"
	"github.com/capsule-auction/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// respondError writes err with the status of its code. Untyped errors are
// logged and reported as a generic internal error.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	reqID := middleware.GetRequestID(c)
	status := apperr.HTTPStatus(err)

	var appErr *apperr.Error
	if !errors.As(err, &appErr) || status >= fiber.StatusInternalServerError {
		log.Error("request failed",
			zap.String("request_id", reqID),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	if appErr == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error:     "internal error",
			RequestID: reqID,
		})
	}

	msg := appErr.Message
	if appErr.Code == apperr.CodeInfrastructure {
		msg = "service temporarily unavailable"
	}
	return c.Status(status).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      string(appErr.Code),
		Details:   appErr.Details,
		Retryable: apperr.Retryable(err),
		RequestID: reqID,
	})
}

func badRequest(c *fiber.Ctx, log *zap.Logger, field, reason string) error {
	return respondError(c, log, apperr.Validation(field, reason))
}

func paramUUID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name, "must be a uuid")
	}
	return id, nil
}

func pagination(c *fiber.Ctx) (limit, offset int) {
	limit = defaultLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func actor(c *fiber.Ctx) services.Actor {
	return services.Actor{ID: middleware.GetUserID(c), Email: middleware.GetUserEmail(c)}
}

func wallet(ref dto.PaymentRef) payment.Wallet {
	return payment.ClientSubmitted{TxRef: ref.TxRef, Network: ref.Network}
}

func respondList(c *fiber.Ctx, data any, limit, offset int) error {
	return c.JSON(dto.ListResponse{OK: true, Data: data, Limit: limit, Offset: offset})
}
