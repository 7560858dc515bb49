package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "pipeline:analytics:"

// Cache stores rendered reports in Redis. Keys are scoped by tenant. Each
// pipeline has a version counter that is part of every key, so invalidation is
// a single INCR and stale entries simply expire.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCache creates a report cache. A non-positive ttl disables caching.
func NewCache(client redis.UniversalClient, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func versionKey(pipelineID uuid.UUID) string {
	return cacheKeyPrefix + "version:" + pipelineID.String()
}

func (c *Cache) reportKey(ctx context.Context, tenantID, pipelineID uuid.UUID, period Period) (string, error) {
	version, err := c.client.Get(ctx, versionKey(pipelineID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return fmt.Sprintf("%sreport:%s:%s:v%s:%d:%d", cacheKeyPrefix, tenantID, pipelineID,
		strconv.FormatInt(version, 10), period.Start.Unix(), period.End.Unix()), nil
}

// Get returns the cached report bytes.
func (c *Cache) Get(ctx context.Context, tenantID, pipelineID uuid.UUID, period Period) ([]byte, bool, error) {
	if c == nil || c.ttl <= 0 {
		return nil, false, nil
	}
	key, err := c.reportKey(ctx, tenantID, pipelineID, period)
	if err != nil {
		return nil, false, err
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set stores report bytes.
func (c *Cache) Set(ctx context.Context, tenantID, pipelineID uuid.UUID, period Period, data []byte) error {
	if c == nil || c.ttl <= 0 {
		return nil
	}
	key, err := c.reportKey(ctx, tenantID, pipelineID, period)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Invalidate makes every cached report of a pipeline unreachable.
func (c *Cache) Invalidate(ctx context.Context, pipelineID uuid.UUID) error {
	if c == nil {
		return nil
	}
	return c.client.Incr(ctx, versionKey(pipelineID)).Err()
}
