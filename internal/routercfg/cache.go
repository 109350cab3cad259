package routercfg

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedStore fronts a Store with a short-TTL redis cache. The TTL bounds
// config staleness; it is a tunable, not a correctness requirement, so cache
// failures degrade to store reads instead of failing the request.
type CachedStore struct {
	store  Store
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStore(store Store, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{store: store, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(id string) string {
	return fmt.Sprintf("routercfg:%s", id)
}

func (s *CachedStore) GetByID(ctx context.Context, id string) (*Config, error) {
	var cfg Config
	err := s.cache.Get(ctx, cacheKey(id)).Scan(&cfg)
	if err == nil {
		return &cfg, nil
	}
	if err != redis.Nil {
		s.logger.Warn("router config cache read failed", zap.String("router_id", id), zap.Error(err))
	}

	fresh, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, cacheKey(id), fresh, s.ttl).Err(); err != nil {
		s.logger.Warn("router config cache write failed", zap.String("router_id", id), zap.Error(err))
	}
	return fresh, nil
}

func (s *CachedStore) Save(ctx context.Context, cfg *Config) error {
	if err := s.store.Save(ctx, cfg); err != nil {
		return err
	}
	// Drop the cached copy so the next read sees the new config.
	if err := s.cache.Del(ctx, cacheKey(cfg.ID)).Err(); err != nil {
		s.logger.Warn("router config cache invalidation failed", zap.String("router_id", cfg.ID), zap.Error(err))
	}
	return nil
}
