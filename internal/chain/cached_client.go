package chain

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Cache is a shared byte cache; Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedClient collapses bursts of identical lookups from concurrent pollers.
// Only found transactions are cached, and only for ttl, so confirmation
// counts lag the chain by at most one ttl.
type CachedClient struct {
	next   Client
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedClient(next Client, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedClient {
	return &CachedClient{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedClient) Transaction(ctx context.Context, hash string) (*TxInfo, error) {
	key := "chain:tx:" + hash

	if raw, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("Chain cache read failed", zap.String("tx_hash", hash), zap.Error(err))
	} else if raw != nil {
		var info TxInfo
		if err := json.Unmarshal(raw, &info); err == nil {
			return &info, nil
		}
	}

	info, err := c.next.Transaction(ctx, hash)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(info); err == nil {
		if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
			c.logger.Warn("Chain cache write failed", zap.String("tx_hash", hash), zap.Error(err))
		}
	}
	return info, nil
}

func (c *CachedClient) Ping(ctx context.Context) error {
	if hc, ok := c.next.(HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}
