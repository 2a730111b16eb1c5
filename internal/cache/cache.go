// Package cache is the shared key-value store the simulator keeps volatile
// fleet state in: idTag lists, performance snapshots, template digests. Redis
// backs it in multi-worker deployments; the in-memory store is the fallback.
package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Cache is the store port shared by the fleet and the idTag loader.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping() error
	Close() error
}

// New builds the configured backend. An unreachable Redis degrades to the
// local store with a warning instead of failing the bootstrap.
func New(backend, url string, log *zap.Logger) (Cache, error) {
	switch backend {
	case "", "local":
		return NewLocalCache(time.Minute, log), nil
	case "redis":
		c, err := NewRedisCache(url, log)
		if err != nil {
			log.Warn("Redis unavailable, falling back to in-memory cache", zap.Error(err))
			return NewLocalCache(time.Minute, log), nil
		}
		return c, nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", backend)
	}
}
