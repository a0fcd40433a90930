package http

import (
	"time"

	"github.com/capsule-auction/backend/internal/config"
	"github.com/capsule-auction/backend/internal/http/handlers"
	"github.com/capsule-auction/backend/internal/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Handlers struct {
	Capsules *handlers.CapsuleHandler
	Bids     *handlers.BidHandler
	Profiles *handlers.ProfileHandler
	Health   *handlers.HealthHandler
	WS       *handlers.WSHub
}

func SetupRouter(app *fiber.App, cfg *config.Config, log *zap.Logger, rdb *redis.Client, h Handlers) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	app.Get("/health", h.Health.Health)

	api := app.Group("/api/v1")
	api.Get("/health", h.Health.Health)

	protected := api.Group("", middleware.AuthMiddleware(cfg, log))
	if rdb != nil {
		protected.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute, log))
	}

	// Capsules
	protected.Get("/capsules", h.Capsules.ListCapsules)
	protected.Get("/capsules/today", h.Capsules.ListToday)
	protected.Get("/capsules/auctions", h.Capsules.ListAuctions)
	protected.Post("/capsules/payment-info", h.Capsules.PaymentInfo)
	protected.Post("/capsules", h.Capsules.CreateCapsule)
	protected.Get("/capsules/:id", h.Capsules.GetCapsule)
	protected.Get("/capsules/:id/events", h.Capsules.GetEvents)

	// Bids
	protected.Get("/capsules/:id/bids", h.Bids.ListBids)
	protected.Get("/capsules/:id/bids/payment-info", h.Bids.PaymentInfo)
	protected.Post("/capsules/:id/bids", h.Bids.PlaceBid)
	protected.Post("/capsules/:id/bids/:bidId/accept", h.Bids.AcceptBid)

	// Profiles
	protected.Get("/users/:id/capsules", h.Capsules.ListUserCapsules)
	protected.Get("/me", h.Profiles.GetMe)
	protected.Put("/me", h.Profiles.UpdateMe)
	protected.Put("/me/wallet", h.Profiles.SetWallet)
	protected.Post("/me/avatar", h.Profiles.UploadAvatar)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(h.WS.HandleWS))
}
