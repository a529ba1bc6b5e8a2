package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Holders live in a sorted set scored by their expiry, so a crashed holder
// frees only its own slot once its lease runs out.
var semaphoreAcquireScript = redis.NewScript(`
-- KEYS[1] = holder set
-- ARGV[1] = limit, ARGV[2] = now_ms, ARGV[3] = lease_ms, ARGV[4] = token
-- Returns 1 if acquired, 0 if the limit is reached.
local now = tonumber(ARGV[2])
local lease = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], now + lease, ARGV[4])
redis.call('PEXPIRE', KEYS[1], lease)
return 1
`)

var semaphoreReleaseScript = redis.NewScript(`
-- KEYS[1] = holder set, ARGV[1] = token
return redis.call('ZREM', KEYS[1], ARGV[1])
`)

// Semaphore is a distributed counting semaphore with per-holder leases.
type Semaphore struct {
	rdb   redis.Scripter
	limit int
	lease time.Duration
	now   func() time.Time
}

func NewSemaphore(rdb redis.Scripter, limit int, lease time.Duration) (*Semaphore, error) {
	switch {
	case rdb == nil:
		return nil, errors.New("redis client is nil")
	case limit <= 0:
		return nil, errors.New("limit must be > 0")
	case lease <= 0:
		return nil, errors.New("lease must be > 0")
	}
	return &Semaphore{rdb: rdb, limit: limit, lease: lease, now: time.Now}, nil
}

// Acquire takes a slot under key. ok is false when every slot is held;
// the returned token is needed to release the slot.
func (s *Semaphore) Acquire(ctx context.Context, key string) (token string, ok bool, err error) {
	if key == "" {
		return "", false, errors.New("key is required")
	}
	token = uuid.NewString()
	res, err := semaphoreAcquireScript.Run(ctx, s.rdb, []string{key},
		s.limit, s.now().UnixMilli(), s.lease.Milliseconds(), token).Int()
	if err != nil {
		return "", false, err
	}
	if res != 1 {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the slot held by token. Releasing an expired lease is a no-op.
func (s *Semaphore) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return errors.New("key and token are required")
	}
	return semaphoreReleaseScript.Run(ctx, s.rdb, []string{key}, token).Err()
}
