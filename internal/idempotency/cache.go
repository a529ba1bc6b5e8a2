package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/ledger"

	"github.com/redis/go-redis/v9"
)

// Cache holds terminal transactions by idempotency key. Only terminal rows
// are cached; PENDING rows are always read from the store.
type Cache interface {
	Get(ctx context.Context, key string) (ledger.Transaction, bool, error)
	Set(ctx context.Context, txn ledger.Transaction, ttl time.Duration) error
}

type NopCache struct{}

func (NopCache) Get(ctx context.Context, key string) (ledger.Transaction, bool, error) {
	return ledger.Transaction{}, false, nil
}

func (NopCache) Set(ctx context.Context, txn ledger.Transaction, ttl time.Duration) error {
	return nil
}

const redisKeyPrefix = "amplify:idem:"

// redisClient is the subset of *redis.Client used by RedisCache.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache stores terminal transactions as JSON with a TTL.
type RedisCache struct {
	rdb redisClient
}

func NewRedisCache(rdb redisClient) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func redisKey(key string) string { return redisKeyPrefix + key }

func (c *RedisCache) Get(ctx context.Context, key string) (ledger.Transaction, bool, error) {
	raw, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	var txn ledger.Transaction
	if err := json.Unmarshal(raw, &txn); err != nil {
		return ledger.Transaction{}, false, fmt.Errorf("idempotency: decode cached transaction: %w", err)
	}
	if !txn.Status.Terminal() {
		return ledger.Transaction{}, false, nil
	}
	return txn, true, nil
}

func (c *RedisCache) Set(ctx context.Context, txn ledger.Transaction, ttl time.Duration) error {
	if txn.IdempotencyKey == "" {
		return nil
	}
	raw, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, redisKey(txn.IdempotencyKey), raw, ttl).Err()
}

// MemoryCache is an in-process Cache for tests. TTLs are ignored.
type MemoryCache struct {
	mu   sync.Mutex
	txns map[string]ledger.Transaction
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{txns: map[string]ledger.Transaction{}}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (ledger.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[key]
	return txn, ok, nil
}

func (c *MemoryCache) Set(ctx context.Context, txn ledger.Transaction, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txns[txn.IdempotencyKey] = txn
	return nil
}
