package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/capsule-auction/backend/internal/config"
	"github.com/capsule-auction/backend/internal/db"
	"github.com/capsule-auction/backend/internal/events"
	apphttp "github.com/capsule-auction/backend/internal/http"
	"github.com/capsule-auction/backend/internal/http/dto"
	"github.com/capsule-auction/backend/internal/http/handlers"
	"github.com/capsule-auction/backend/internal/lock"
	"github.com/capsule-auction/backend/internal/payment"
	"github.com/capsule-auction/backend/internal/repositories"
	"github.com/capsule-auction/backend/internal/services"
	"github.com/capsule-auction/backend/internal/storage"
	"github.com/capsule-auction/backend/internal/ton"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: int32(cfg.DBMaxConns)}, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// TON
	chain, err := ton.Connect(ctx, ton.ConnectConfig{
		Network:        cfg.TONNetwork,
		LiteServerHost: cfg.LiteServerHost,
		LiteServerPort: cfg.LiteServerPort,
		LiteServerKey:  cfg.LiteServerKey,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to TON", zap.Error(err))
	}
	confirmer, err := ton.NewConfirmer(chain, cfg.TONTreasuryAddress, cfg.PaymentPollInterval, log)
	if err != nil {
		log.Fatal("invalid treasury address", zap.Error(err))
	}

	// Object storage
	images, err := storage.NewS3Storage(ctx, storage.Config{
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		PublicBaseURL: cfg.S3PublicBaseURL,
	}, log)
	if err != nil {
		log.Fatal("failed to init object storage", zap.Error(err))
	}

	// Repositories
	store := repositories.NewStore(pool)
	capsuleRepo := repositories.NewCapsuleRepo(pool)
	bidRepo := repositories.NewBidRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	profileRepo := repositories.NewProfileRepo(pool)
	paymentRepo := repositories.NewPaymentRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	gate := payment.NewGate(confirmer, paymentRepo, payment.GateConfig{
		Treasury: cfg.TONTreasuryAddress,
		Currency: cfg.PaymentCurrency,
		Network:  cfg.TONNetwork,
		Timeout:  cfg.PaymentTimeout,
	}, log)
	locker := lock.NewRedisLocker(rdb, cfg.CapsuleLockTTL, cfg.CapsuleLockWait, log)

	profileService := services.NewProfileService(profileRepo, images, cfg, log)
	capsuleService := services.NewCapsuleService(store, capsuleRepo, auditRepo, profileService, locker, gate, images, publisher, cfg, log)
	auctionService := services.NewAuctionService(store, capsuleRepo, bidRepo, capsuleService, profileService, locker, gate, publisher, cfg, log)

	// Handlers
	wsHub := handlers.NewWSHub(cfg, subscriber, log)
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to subscribe ws hub", zap.Error(err))
	}

	h := apphttp.Handlers{
		Capsules: handlers.NewCapsuleHandler(capsuleService, log),
		Bids:     handlers.NewBidHandler(auctionService, log),
		Profiles: handlers.NewProfileHandler(profileService, log),
		Health: handlers.NewHealthHandler(map[string]handlers.HealthCheck{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}, log),
		WS: wsHub,
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:    cfg.MaxImageBytes + 1<<20,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.PaymentTimeout + 30*time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(dto.ErrorResponse{Error: err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, h)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr), zap.String("network", cfg.TONNetwork))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
