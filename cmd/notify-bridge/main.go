package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/capsule-auction/backend/internal/config"
	"github.com/capsule-auction/backend/internal/db"
	"github.com/capsule-auction/backend/internal/events"
	"github.com/capsule-auction/backend/internal/notify"
	"go.uber.org/zap"
)

// notify-bridge subscribes to capsule events and forwards bid notifications
// to NOTIFY_WEBHOOK_URL. The API never waits on it.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	if cfg.NotifyWebhookURL == "" {
		log.Fatal("NOTIFY_WEBHOOK_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	client := notify.NewWebhookClient(cfg.NotifyWebhookURL, log)

	err = subscriber.Subscribe(ctx, events.StreamCapsule, func(event events.Event) {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client.Forward(sendCtx, event)
	})
	if err != nil {
		log.Fatal("failed to subscribe", zap.String("stream", events.StreamCapsule), zap.Error(err))
	}

	log.Info("notify-bridge started", zap.String("stream", events.StreamCapsule))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down notify-bridge")
	cancel()
}
