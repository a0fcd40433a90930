package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/capsule-auction/backend/internal/config"
	"github.com/capsule-auction/backend/internal/db"
	"github.com/capsule-auction/backend/internal/lock"
	"github.com/capsule-auction/backend/internal/repositories"
	"github.com/capsule-auction/backend/internal/services"
	"go.uber.org/zap"
)

// worker periodically repairs capsules whose cached highest bid no longer
// matches their bid history.

const reconcileBatch = 100

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4, MinConns: 1}, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	capsuleRepo := repositories.NewCapsuleRepo(pool)
	locker := lock.NewRedisLocker(rdb, cfg.CapsuleLockTTL, cfg.CapsuleLockWait, log)
	// The reconciler never takes payments or publishes events.
	auction := services.NewAuctionService(repositories.NewStore(pool), capsuleRepo, nil, nil, nil, locker, nil, nil, cfg, log)

	log.Info("worker started", zap.Duration("interval", cfg.ReconcileInterval))

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runReconcile(ctx, capsuleRepo, auction, log)
	for {
		select {
		case <-ticker.C:
			runReconcile(ctx, capsuleRepo, auction, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runReconcile(ctx context.Context, capsuleRepo *repositories.CapsuleRepo, auction *services.AuctionService, log *zap.Logger) {
	ids, err := capsuleRepo.ListDrifted(ctx, reconcileBatch)
	if err != nil {
		log.Error("failed to list drifted capsules", zap.Error(err))
		return
	}

	fixed := 0
	for _, id := range ids {
		ok, err := auction.ReconcileCapsule(ctx, id)
		if err != nil {
			// A busy capsule is picked up on the next tick.
			log.Warn("failed to reconcile capsule", zap.String("capsule_id", id.String()), zap.Error(err))
			continue
		}
		if ok {
			fixed++
		}
	}
	if len(ids) > 0 {
		log.Info("reconcile pass finished", zap.Int("drifted", len(ids)), zap.Int("fixed", fixed))
	}
}
