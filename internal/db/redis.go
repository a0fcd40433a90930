package db

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient connects to url and fails fast when the server is not
// reachable. The same client serves pub/sub, capsule locks and rate limits.
func NewRedisClient(ctx context.Context, url string, log *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}
