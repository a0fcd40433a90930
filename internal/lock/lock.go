// Package lock provides the per-capsule mutual exclusion that serializes
// payment confirmation and mutation of the same capsule across API
// instances.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "capsule:lock:"

// Release only the holder's own lock; an expired lock may already belong to
// someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client    *redis.Client
	ttl       time.Duration
	wait      time.Duration
	retryStep time.Duration
	log       *zap.Logger
}

// NewRedisLocker builds a locker whose locks expire after ttl. Acquire waits
// up to wait for a busy capsule before giving up.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration, log *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, wait: wait, retryStep: 100 * time.Millisecond, log: log}
}

// Acquire takes the lock of capsuleID. The returned release func is safe to
// call more than once.
func (l *RedisLocker) Acquire(ctx context.Context, capsuleID uuid.UUID) (func(), error) {
	key := keyPrefix + capsuleID.String()
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, apperr.Infrastructure("acquire capsule lock", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, apperr.New(apperr.CodeCapsuleBusy, "capsule is being updated by another request, retry shortly").
				WithDetail("capsule_id", capsuleID.String())
		}
		select {
		case <-ctx.Done():
			return nil, apperr.Infrastructure("acquire capsule lock", ctx.Err())
		case <-time.After(l.retryStep):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The request context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.log.Warn("failed to release capsule lock", zap.String("capsule_id", capsuleID.String()), zap.Error(err))
		}
	}, nil
}
