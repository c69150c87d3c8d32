// Package cache keeps projections in Redis in front of the database.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/assetledger/config"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/metrics"
)

// ProjectionCache is a cache-aside store for projections. A disabled cache
// misses on every read and ignores writes.
type ProjectionCache struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
}

// NewProjectionCache connects to Redis when redis.enabled is set.
func NewProjectionCache(cfg config.Config) (*ProjectionCache, error) {
	if !cfg.RedisEnabled {
		return &ProjectionCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &ProjectionCache{client: client, ttl: cfg.ProjectionCacheTTL, enabled: true}, nil
}

// ProjectionKey is the Redis key of an asset's projection.
func ProjectionKey(assetID string) string {
	return fmt.Sprintf("assetledger:projection:%s", assetID)
}

// Enabled reports whether the cache talks to Redis.
func (c *ProjectionCache) Enabled() bool { return c.enabled }

func (c *ProjectionCache) Get(ctx context.Context, assetID string) (domain.Projection, bool) {
	var p domain.Projection
	if !c.enabled {
		return p, false
	}

	data, err := c.client.Get(ctx, ProjectionKey(assetID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("asset_id", assetID).Msg("Projection cache read failed")
		}
		metrics.Default().IncrementCounter(metrics.CacheMisses)
		return p, false
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("asset_id", assetID).Msg("Discarding undecodable cached projection")
		c.Invalidate(ctx, assetID)
		metrics.Default().IncrementCounter(metrics.CacheMisses)
		return p, false
	}
	metrics.Default().IncrementCounter(metrics.CacheHits)
	return p, true
}

func (c *ProjectionCache) Set(ctx context.Context, p domain.Projection) {
	if !c.enabled {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		log.Warn().Err(err).Str("asset_id", p.AssetID).Msg("Failed to encode projection for cache")
		return
	}
	if err := c.client.Set(ctx, ProjectionKey(p.AssetID), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("asset_id", p.AssetID).Msg("Projection cache write failed")
	}
}

// Invalidate drops the cached projection. Failures are logged; the stale
// entry still expires with its TTL.
func (c *ProjectionCache) Invalidate(ctx context.Context, assetID string) {
	if !c.enabled {
		return
	}
	if err := c.client.Del(ctx, ProjectionKey(assetID)).Err(); err != nil {
		log.Warn().Err(err).Str("asset_id", assetID).Msg("Projection cache invalidation failed")
	}
}

// Close closes the Redis connection.
func (c *ProjectionCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}
	return c.client.Close()
}
