package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolOptions tunes the pgx pool. Zero fields keep the defaults.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

func NewPostgresPool(ctx context.Context, dsn string, opts PoolOptions, log *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= cfg.MaxConns {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("postgres pool created",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.String("database", cfg.ConnConfig.Database),
	)
	return pool, nil
}
