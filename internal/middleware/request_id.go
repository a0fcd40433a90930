package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	CtxRequestID    = "request_id"
	HeaderRequestID = "X-Request-ID"

	maxRequestIDLen = 64
)

// RequestIDMiddleware propagates the caller's X-Request-ID when it is a
// short printable token and mints a uuid otherwise.
func RequestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(HeaderRequestID)
		if !validRequestID(reqID) {
			reqID = uuid.NewString()
		}
		c.Locals(CtxRequestID, reqID)
		c.Set(HeaderRequestID, reqID)
		return c.Next()
	}
}

// GetRequestID returns the id assigned by RequestIDMiddleware, or "".
func GetRequestID(c *fiber.Ctx) string {
	reqID, _ := c.Locals(CtxRequestID).(string)
	return reqID
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
