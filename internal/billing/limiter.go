package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/taolaktech/amplify-wallet/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Limiter caps concurrent operations per user. release must be called once
// the guarded work finishes.
type Limiter interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
}

// RedisLimiter shares the cap across processes through a utils.Semaphore.
// A slot whose holder dies is freed when its lease runs out.
type RedisLimiter struct {
	sem *utils.Semaphore
	log *slog.Logger
}

func NewRedisLimiter(rdb redis.Scripter, limit int, lease time.Duration, log *slog.Logger) (*RedisLimiter, error) {
	sem, err := utils.NewSemaphore(rdb, limit, lease)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisLimiter{sem: sem, log: log}, nil
}

func limiterKey(userID string) string { return "amplify:topup:inflight:" + userID }

func (l *RedisLimiter) Acquire(ctx context.Context, userID string) (func(), error) {
	key := limiterKey(userID)
	token, ok, err := l.sem.Acquire(ctx, key)
	if err != nil {
		// Redis is an optimisation here; the ledger stays correct without it.
		l.log.Warn("top-up limiter unavailable", "user_id", userID, "err", err)
		return func() {}, nil
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		if err := l.sem.Release(context.WithoutCancel(ctx), key, token); err != nil {
			l.log.Warn("top-up limiter release failed", "user_id", userID, "err", err)
		}
	}, nil
}
